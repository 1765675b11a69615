package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrQueueStarted = errors.New("queue: already started")
	ErrQueueStopped = errors.New("queue: stopped")
)

// Job is a delayed trigger. Enqueueing a job whose ID is already pending
// replaces it, so IDs derived from the subject give idempotent scheduling
// and O(1) cancellation.
type Job struct {
	ID             string
	Payload        string
	Delay          time.Duration
	MaxAttempts    int
	Backoff        time.Duration // delay before the first retry; doubles per attempt
	AttemptTimeout time.Duration
	// Attempt is the 1-based attempt number, set when the job runs.
	Attempt int
}

// Handler runs a fired job. A non-nil error schedules a retry until
// MaxAttempts is reached.
type Handler func(ctx context.Context, job Job) error

type Stats struct {
	Started   bool   `json:"started"`
	Pending   int    `json:"pending"`
	Enqueued  uint64 `json:"enqueued"`
	Canceled  uint64 `json:"canceled"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
}

// Delayed is implemented by the in-memory and Redis backends.
type Delayed interface {
	Enqueue(ctx context.Context, job Job) error
	Cancel(ctx context.Context, id string) (bool, error)
	Start(ctx context.Context, handler Handler) error
	Stop(timeout time.Duration) error
	Stats() Stats
}

func validateJob(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("queue: job id is required")
	}
	if job.Delay < 0 {
		return errors.New("queue: delay cannot be negative")
	}
	if job.MaxAttempts < 0 {
		return errors.New("queue: max attempts cannot be negative")
	}
	if job.Backoff < 0 {
		return errors.New("queue: backoff cannot be negative")
	}
	if job.AttemptTimeout < 0 {
		return errors.New("queue: attempt timeout cannot be negative")
	}
	return nil
}

func normalizeJob(job Job) Job {
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 1
	}
	return job
}

// retryDelay is the wait after a failed attempt n (1-based).
func retryDelay(job Job, attempt int) time.Duration {
	if job.Backoff <= 0 {
		return 0
	}
	d := job.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func runAttempt(parent context.Context, handler Handler, job Job) error {
	ctx := parent
	cancel := func() {}
	if job.AttemptTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, job.AttemptTimeout)
	}
	defer cancel()
	return handler(ctx, job)
}
