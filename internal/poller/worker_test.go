package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/dreamframe/backend/internal/blob"
	"github.com/dreamframe/backend/internal/generation"
	"github.com/dreamframe/backend/internal/models"
	"github.com/dreamframe/backend/internal/pricing"
	"github.com/dreamframe/backend/internal/provider"
)

// ---------------------------------------------------------------------------
// Fakes for Queue, provider.Client, and blob.Store.
// ---------------------------------------------------------------------------

type fakeQueue struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.Generation

	completed map[uuid.UUID]int // settle calls per record
	failures  map[uuid.UUID]string
	resolves  []ResolveArgs
}

func newFakeQueue(gens ...*models.Generation) *fakeQueue {
	q := &fakeQueue{
		records:   make(map[uuid.UUID]*models.Generation),
		completed: make(map[uuid.UUID]int),
		failures:  make(map[uuid.UUID]string),
	}
	for _, g := range gens {
		cp := *g
		q.records[g.ID] = &cp
	}
	return q
}

func (q *fakeQueue) Record(_ context.Context, genID uuid.UUID) (*models.Generation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.records[genID]
	if !ok {
		return nil, generation.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (q *fakeQueue) MarkProcessing(_ context.Context, genID uuid.UUID, providerTaskID *string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.records[genID]
	if !ok {
		return generation.ErrNotFound
	}
	if g.Status != models.GenerationStatusQueued {
		return generation.ErrInvalidTransition
	}
	g.Status = models.GenerationStatusProcessing
	g.ProviderTaskID = providerTaskID
	return nil
}

func (q *fakeQueue) SetProviderTask(_ context.Context, genID uuid.UUID, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.records[genID]
	if !ok {
		return generation.ErrNotFound
	}
	g.ProviderTaskID = &taskID
	return nil
}

func (q *fakeQueue) Complete(_ context.Context, genID uuid.UUID, result []byte, _ pricing.Params) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.records[genID]
	if !ok {
		return generation.ErrNotFound
	}
	// Mirror the real queue manager: already-terminal records settle at most
	// once, non-completed terminal records not at all.
	if models.IsTerminalStatus(g.Status) && g.Status != models.GenerationStatusCompleted {
		return nil
	}
	if g.Status != models.GenerationStatusCompleted {
		g.Status = models.GenerationStatusCompleted
		g.Result = result
		q.completed[genID]++
	}
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, genID uuid.UUID, errText string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.records[genID]
	if !ok {
		return
	}
	if models.IsTerminalStatus(g.Status) {
		return
	}
	g.Status = models.GenerationStatusFailed
	g.Error = &errText
	q.failures[genID] = errText
}

func (q *fakeQueue) enqueueResolve(_ context.Context, args ResolveArgs) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resolves = append(q.resolves, args)
	return nil
}

func (q *fakeQueue) status(genID uuid.UUID) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records[genID].Status
}

// ---

type fakeProvider struct {
	mu       sync.Mutex
	submit   func(req provider.Request) (*provider.SubmitOutput, error)
	statuses []*provider.JobStatus // returned in order, last one repeats
	polls    int
}

func (p *fakeProvider) Submit(_ context.Context, req provider.Request) (*provider.SubmitOutput, error) {
	return p.submit(req)
}

func (p *fakeProvider) GetJobStatus(_ context.Context, _ string) (*provider.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.statuses) == 0 {
		return nil, errors.New("no scripted status")
	}
	i := p.polls
	if i >= len(p.statuses) {
		i = len(p.statuses) - 1
	}
	p.polls++
	return p.statuses[i], nil
}

// ---

type fakeStore struct {
	mu   sync.Mutex
	puts []string
}

func (s *fakeStore) PutFromURL(_ context.Context, sourceURL, keyPrefix string) (*blob.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, sourceURL)
	key := keyPrefix + "/stored"
	return &blob.Object{Key: key, PublicURL: "https://cdn.local/" + key}, nil
}

func (s *fakeStore) PutFromBytes(_ context.Context, _ []byte, keyPrefix string) (*blob.Object, error) {
	key := keyPrefix + "/stored"
	return &blob.Object{Key: key, PublicURL: "https://cdn.local/" + key}, nil
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func queuedGeneration(sku string) *models.Generation {
	return &models.Generation{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Status:   models.GenerationStatusQueued,
		Type:     models.GenerationTypeImage,
		Provider: "test",
		ModelSKU: sku,
		Payload:  []byte(`{"prompt":"x"}`),
	}
}

func generateJob(g *models.Generation, attempt int) *river.Job[GenerateArgs] {
	return &river.Job[GenerateArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt},
		Args:   GenerateArgs{GenerationID: g.ID, UserID: g.UserID},
	}
}

func fastResolveWorker(q Queue, providers provider.Registry, store blob.Store) *ResolveWorker {
	w := NewResolveWorker(q, providers, store, slog.New(slog.DiscardHandler))
	w.initialInterval = time.Millisecond
	w.maxInterval = 2 * time.Millisecond
	w.maxWait = 200 * time.Millisecond
	return w
}

// ---------------------------------------------------------------------------
// GenerateWorker
// ---------------------------------------------------------------------------

func TestGenerateWorker_SyncProviderCompletes(t *testing.T) {
	g := queuedGeneration("dall-e-3")
	q := newFakeQueue(g)
	store := &fakeStore{}
	p := &fakeProvider{
		submit: func(provider.Request) (*provider.SubmitOutput, error) {
			return &provider.SubmitOutput{
				Result: &provider.Result{
					URLs:        []string{"https://provider/img-1.png", "https://provider/img-2.png"},
					FinalParams: pricing.Params{Count: 2},
				},
			}, nil
		},
	}
	w := NewGenerateWorker(q, provider.Registry{"test": p}, store, q.enqueueResolve,
		time.Second, slog.New(slog.DiscardHandler))

	if err := w.Work(context.Background(), generateJob(g, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if got := q.status(g.ID); got != models.GenerationStatusCompleted {
		t.Errorf("status: got %s, want completed", got)
	}
	if len(store.puts) != 2 {
		t.Errorf("stored outputs: got %d, want 2", len(store.puts))
	}

	// The stored result document points at re-hosted URLs, not provider URLs.
	var doc ResultDoc
	if err := json.Unmarshal(q.records[g.ID].Result, &doc); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(doc.Outputs) != 2 {
		t.Fatalf("result outputs: got %d, want 2", len(doc.Outputs))
	}
	for _, out := range doc.Outputs {
		if !strings.HasPrefix(out.URL, "https://cdn.local/generations/"+g.ID.String()) {
			t.Errorf("output url not re-hosted: %s", out.URL)
		}
	}
}

func TestGenerateWorker_AsyncProviderSchedulesResolve(t *testing.T) {
	g := queuedGeneration("video-standard")
	q := newFakeQueue(g)
	p := &fakeProvider{
		submit: func(provider.Request) (*provider.SubmitOutput, error) {
			return &provider.SubmitOutput{TaskID: "task-123"}, nil
		},
	}
	w := NewGenerateWorker(q, provider.Registry{"test": p}, &fakeStore{}, q.enqueueResolve,
		time.Second, slog.New(slog.DiscardHandler))

	if err := w.Work(context.Background(), generateJob(g, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if got := q.status(g.ID); got != models.GenerationStatusProcessing {
		t.Errorf("status: got %s, want processing", got)
	}
	if id := q.records[g.ID].ProviderTaskID; id == nil || *id != "task-123" {
		t.Error("provider task id should be stored")
	}
	if len(q.resolves) != 1 || q.resolves[0].TaskID != "task-123" {
		t.Errorf("expected one resolve job for task-123, got %v", q.resolves)
	}
}

func TestGenerateWorker_SubmitErrorRetriesThenFails(t *testing.T) {
	g := queuedGeneration("dall-e-3")
	q := newFakeQueue(g)
	p := &fakeProvider{
		submit: func(provider.Request) (*provider.SubmitOutput, error) {
			return nil, errors.New("rate limited")
		},
	}
	w := NewGenerateWorker(q, provider.Registry{"test": p}, &fakeStore{}, q.enqueueResolve,
		time.Second, slog.New(slog.DiscardHandler))

	// Early attempts bubble the error up for the job queue to retry.
	if err := w.Work(context.Background(), generateJob(g, 1)); err == nil {
		t.Fatal("expected retryable error on attempt 1")
	}
	if got := q.status(g.ID); got != models.GenerationStatusProcessing {
		t.Errorf("status after retryable attempt: got %s, want processing", got)
	}

	// The last attempt fails the record with a user-facing message.
	if err := w.Work(context.Background(), generateJob(g, maxGenerateAttempts)); err != nil {
		t.Fatalf("final attempt should not error: %v", err)
	}
	if got := q.status(g.ID); got != models.GenerationStatusFailed {
		t.Errorf("status after final attempt: got %s, want failed", got)
	}
	if msg := q.failures[g.ID]; strings.Contains(msg, "rate limited") {
		t.Errorf("raw provider error leaked to user: %q", msg)
	}
}

func TestGenerateWorker_SkipsTerminalRecord(t *testing.T) {
	g := queuedGeneration("dall-e-3")
	g.Status = models.GenerationStatusCancelled
	q := newFakeQueue(g)
	p := &fakeProvider{
		submit: func(provider.Request) (*provider.SubmitOutput, error) {
			t.Error("provider should not be called for a terminal record")
			return nil, errors.New("unreachable")
		},
	}
	w := NewGenerateWorker(q, provider.Registry{"test": p}, &fakeStore{}, q.enqueueResolve,
		time.Second, slog.New(slog.DiscardHandler))

	if err := w.Work(context.Background(), generateJob(g, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if got := q.status(g.ID); got != models.GenerationStatusCancelled {
		t.Errorf("status: got %s, want cancelled", got)
	}
}

func TestGenerateWorker_MissingRecordIsNoop(t *testing.T) {
	q := newFakeQueue()
	w := NewGenerateWorker(q, provider.Registry{}, &fakeStore{}, q.enqueueResolve,
		time.Second, slog.New(slog.DiscardHandler))

	job := &river.Job[GenerateArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1},
		Args:   GenerateArgs{GenerationID: uuid.New(), UserID: uuid.New()},
	}
	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("expected nil for vanished record, got: %v", err)
	}
}

func TestGenerateWorker_UnknownProviderFails(t *testing.T) {
	g := queuedGeneration("dall-e-3")
	g.Provider = "nonexistent"
	q := newFakeQueue(g)
	w := NewGenerateWorker(q, provider.Registry{}, &fakeStore{}, q.enqueueResolve,
		time.Second, slog.New(slog.DiscardHandler))

	if err := w.Work(context.Background(), generateJob(g, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if got := q.status(g.ID); got != models.GenerationStatusFailed {
		t.Errorf("status: got %s, want failed", got)
	}
}

// ---------------------------------------------------------------------------
// ResolveWorker
// ---------------------------------------------------------------------------

func processingGeneration(sku, taskID string) *models.Generation {
	g := queuedGeneration(sku)
	g.Status = models.GenerationStatusProcessing
	g.ProviderTaskID = &taskID
	return g
}

func TestResolve_PendingThenSucceeded(t *testing.T) {
	g := processingGeneration("video-standard", "task-9")
	q := newFakeQueue(g)
	store := &fakeStore{}
	p := &fakeProvider{
		statuses: []*provider.JobStatus{
			{State: provider.JobPending},
			{State: provider.JobPending},
			{State: provider.JobSucceeded, Output: &provider.Result{
				URLs:        []string{"https://provider/clip.mp4"},
				FinalParams: pricing.Params{DurationSeconds: 5, Resolution: "720p"},
			}},
		},
	}
	w := fastResolveWorker(q, provider.Registry{"test": p}, store)

	args := ResolveArgs{GenerationID: g.ID, UserID: g.UserID, TaskID: "task-9"}
	if err := w.Resolve(context.Background(), args); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := q.status(g.ID); got != models.GenerationStatusCompleted {
		t.Errorf("status: got %s, want completed", got)
	}
	if p.polls < 3 {
		t.Errorf("expected at least 3 polls, got %d", p.polls)
	}
	if len(store.puts) != 1 {
		t.Errorf("stored outputs: got %d, want 1", len(store.puts))
	}
	if q.completed[g.ID] != 1 {
		t.Errorf("settle calls: got %d, want 1", q.completed[g.ID])
	}
}

func TestResolve_DuplicatePassSettlesOnce(t *testing.T) {
	g := processingGeneration("video-standard", "task-9")
	q := newFakeQueue(g)
	p := &fakeProvider{
		statuses: []*provider.JobStatus{
			{State: provider.JobSucceeded, Output: &provider.Result{
				URLs:        []string{"https://provider/clip.mp4"},
				FinalParams: pricing.Params{DurationSeconds: 5, Resolution: "720p"},
			}},
		},
	}
	w := fastResolveWorker(q, provider.Registry{"test": p}, &fakeStore{})

	args := ResolveArgs{GenerationID: g.ID, UserID: g.UserID, TaskID: "task-9"}
	if err := w.Resolve(context.Background(), args); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	// A redelivered job sees the terminal record and stops short of settling.
	if err := w.Resolve(context.Background(), args); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if q.completed[g.ID] != 1 {
		t.Errorf("settle calls: got %d, want 1", q.completed[g.ID])
	}
}

func TestResolve_ProviderFailure(t *testing.T) {
	g := processingGeneration("video-standard", "task-9")
	q := newFakeQueue(g)
	p := &fakeProvider{
		statuses: []*provider.JobStatus{
			{State: provider.JobFailed, Err: "CUDA out of memory on worker gpu-7"},
		},
	}
	w := fastResolveWorker(q, provider.Registry{"test": p}, &fakeStore{})

	args := ResolveArgs{GenerationID: g.ID, UserID: g.UserID, TaskID: "task-9"}
	if err := w.Resolve(context.Background(), args); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := q.status(g.ID); got != models.GenerationStatusFailed {
		t.Errorf("status: got %s, want failed", got)
	}
	if msg := q.failures[g.ID]; strings.Contains(msg, "CUDA") {
		t.Errorf("raw provider error leaked to user: %q", msg)
	}
}

func TestResolve_TimeoutKeepsState(t *testing.T) {
	g := processingGeneration("video-standard", "task-9")
	q := newFakeQueue(g)
	p := &fakeProvider{
		statuses: []*provider.JobStatus{{State: provider.JobPending}},
	}
	w := fastResolveWorker(q, provider.Registry{"test": p}, &fakeStore{})
	w.maxWait = 5 * time.Millisecond

	args := ResolveArgs{GenerationID: g.ID, UserID: g.UserID, TaskID: "task-9"}
	err := w.Resolve(context.Background(), args)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	// The record keeps its state so a later pass can still resolve it.
	if got := q.status(g.ID); got != models.GenerationStatusProcessing {
		t.Errorf("status after timeout: got %s, want processing", got)
	}
	if len(q.failures) != 0 {
		t.Errorf("timeout must not fail the record: %v", q.failures)
	}
}

func TestResolve_MissingOutputFails(t *testing.T) {
	g := processingGeneration("video-standard", "task-9")
	q := newFakeQueue(g)
	p := &fakeProvider{
		statuses: []*provider.JobStatus{{State: provider.JobSucceeded}},
	}
	w := fastResolveWorker(q, provider.Registry{"test": p}, &fakeStore{})

	args := ResolveArgs{GenerationID: g.ID, UserID: g.UserID, TaskID: "task-9"}
	if err := w.Resolve(context.Background(), args); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := q.status(g.ID); got != models.GenerationStatusFailed {
		t.Errorf("status: got %s, want failed", got)
	}
}
