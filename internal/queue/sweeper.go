package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SweeperRepo is the housekeeping slice of the generation repository.
type SweeperRepo interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListQueuedBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// recordFailer fails a record and refunds it if charged. *Service satisfies it.
type recordFailer interface {
	MarkFailed(ctx context.Context, genID uuid.UUID, errText string)
}

/// Sweeper runs periodic housekeeping over generation records: it purges
// terminal records past the retention age, and it recovers records stranded
// in queued. A record can sit in queued with its debit committed but no
// dispatch job if the process dies between the admission commit and the job
// insert; failing it runs the refund path, and if the lost job somehow still
// runs it hits the terminal-status guard.
type Sweeper struct {
	repo     SweeperRepo
	failer   recordFailer
	interval time.Duration
	maxAge   time.Duration
	staleAge time.Duration
	log      *slog.Logger
}

func NewSweeper(repo SweeperRepo, failer recordFailer, interval, maxAge, staleAge time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{repo: repo, failer: failer, interval: interval, maxAge: maxAge, staleAge: staleAge, log: log}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.purgeTerminal(ctx)
	s.recoverStaleQueued(ctx)
}

func (s *Sweeper) purgeTerminal(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	n, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("sweeper: purge failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("sweeper: purged terminal records", "count", n, "cutoff", cutoff)
	}
}

func (s *Sweeper) recoverStaleQueued(ctx context.Context) {
	cutoff := time.Now().Add(-s.staleAge)
	ids, err := s.repo.ListQueuedBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("sweeper: list stale queued records failed", "error", err)
		return
	}
	for _, id := range ids {
		s.log.Warn("sweeper: failing stale queued record", "generation_id", id, "cutoff", cutoff)
		s.failer.MarkFailed(ctx, id, "generation was never dispatched, please try again")
	}
}
