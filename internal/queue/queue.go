// Package queue is the at-least-once job broker behind the enrichment
// pipeline. Every backend deduplicates live jobs by key and redelivers
// failed jobs with linear backoff until they run out of attempts.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// DefaultMaxAttempts bounds deliveries when a job sets none.
const DefaultMaxAttempts = 3

// BackoffStep is multiplied by the attempt count to delay a redelivery.
const BackoffStep = 30 * time.Second

// Job is one unit of stage work for a lead.
type Job struct {
	ID          string            `json:"id"`
	Stage       string            `json:"stage"`
	LeadID      string            `json:"lead_id,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
	DedupeKey   string            `json:"dedupe_key"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	LastError   string            `json:"last_error,omitempty"`
	RunAt       time.Time         `json:"run_at"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
}

// Queue is implemented by every backend.
type Queue interface {
	// Enqueue adds job unless another job with the same dedupe key is
	// queued or running. It reports whether the job was added.
	Enqueue(ctx context.Context, job Job) (bool, error)
	// Claim returns the next due job marked running, or nil when none is
	// ready.
	Claim(ctx context.Context) (*Job, error)
	// Complete marks a claimed job done and releases its dedupe key.
	Complete(ctx context.Context, id string) error
	// Fail records reason and either schedules a redelivery or marks the
	// job failed once its attempts are spent.
	Fail(ctx context.Context, id, reason string) error
	// ResetStale requeues jobs left running for longer than olderThan,
	// typically by a crashed worker.
	ResetStale(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}

// Backoff is the redelivery delay after the given number of attempts.
func Backoff(attempts int) time.Duration {
	return time.Duration(attempts) * BackoffStep
}

// prepare fills defaults on a job about to be enqueued.
func prepare(job *Job, maxAttempts int, now time.Time) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.DedupeKey == "" {
		job.DedupeKey = job.ID
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = maxAttempts
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	job.Attempts = 0
	job.LastError = ""
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
}
