package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dreamframe/backend/internal/pricing"
)

// Job states reported by GetJobStatus.
const (
	JobPending   = "pending"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// ErrAsyncUnsupported is returned by Submit when the provider only does
// synchronous generation and by GetJobStatus when it has no job API.
var ErrAsyncUnsupported = errors.New("provider does not support async jobs")

// Request is the opaque generation request handed through the queue. The
// adapter is the only place that interprets Payload.
type Request struct {
	ModelSKU string
	Payload  json.RawMessage
}

// Result is a finished generation: provider-hosted URLs (typically expiring)
// plus the confirmed billable parameters for post-paid pricing.
type Result struct {
	URLs        []string
	FinalParams pricing.Params
}

// SubmitOutput is either an immediate result or a job handle, never both.
type SubmitOutput struct {
	Result *Result
	TaskID string
}

// JobStatus is one observation of an async provider job.
type JobStatus struct {
	State  string
	Output *Result
	Err    string
}

// Client is the external inference API. The queue treats it as opaque and
// untrusted for timing, but trusted for final success/failure truth.
type Client interface {
	Submit(ctx context.Context, req Request) (*SubmitOutput, error)
	GetJobStatus(ctx context.Context, taskID string) (*JobStatus, error)
}

// Registry maps provider names to clients.
type Registry map[string]Client

// Get returns the named client or an error naming the missing provider.
func (r Registry) Get(name string) (Client, error) {
	c, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", name)
	}
	return c, nil
}
