package closure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lembra/app/core/orchestrator/conversation"
	"lembra/app/core/queue"
	"lembra/app/core/scheduler"
	"lembra/app/pkg/logger"
)

const (
	jobPrefix = "close:"

	SweepJobName  = "close-sweep"
	ExpireJobName = "expire-awaiting"
)

// Store is the subset of the conversation store the closure flow writes
// through. Every method is a conditional update.
type Store interface {
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	MarkWaitingClose(ctx context.Context, id string, closeAt time.Time, jobID string) (bool, error)
	ClearClose(ctx context.Context, id string) (bool, error)
	CloseIfDue(ctx context.Context, id string) (bool, error)
	CloseAllDue(ctx context.Context) (int64, error)
	ExpireAwaiting(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Queue delivers close jobs early. It may lose jobs; the sweeps do not.
type Queue interface {
	Enqueue(ctx context.Context, job queue.Job) error
	Cancel(ctx context.Context, id string) (bool, error)
}

type Options struct {
	IdleDelay           time.Duration
	ConfirmationTimeout time.Duration
	JobAttempts         int
	JobBackoff          time.Duration
	AttemptTimeout      time.Duration
	Now                 func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IdleDelay <= 0 {
		o.IdleDelay = 3 * time.Minute
	}
	if o.ConfirmationTimeout <= 0 {
		o.ConfirmationTimeout = 30 * time.Minute
	}
	if o.JobAttempts <= 0 {
		o.JobAttempts = 3
	}
	if o.JobBackoff <= 0 {
		o.JobBackoff = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Scheduler closes idle conversations. The store row is written before the
// queue is touched, so a conversation is always reachable by Sweep even
// when the queue is down.
type Scheduler struct {
	store  Store
	queue  Queue
	opts   Options
	logger *zap.Logger
}

// New builds a scheduler. A nil queue leaves closing to the sweeps.
func New(store Store, q Queue, opts Options, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		queue:  q,
		opts:   opts.withDefaults(),
		logger: logger.OrNop(log).Named("closure"),
	}
}

// JobID is the queue id of a conversation's close job.
func JobID(conversationID string) string {
	return jobPrefix + conversationID
}

// ScheduleClose arms a close for now+IdleDelay. An enqueue failure is
// returned but leaves the stored deadline in place for the sweep.
func (s *Scheduler) ScheduleClose(ctx context.Context, conversationID string) error {
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("schedule close: %w", err)
	}
	if conv.CloseJobID != "" {
		s.cancelJob(ctx, conv.ID, conv.CloseJobID)
	}

	jobID := JobID(conversationID)
	closeAt := s.opts.Now().Add(s.opts.IdleDelay)
	marked, err := s.store.MarkWaitingClose(ctx, conversationID, closeAt, jobID)
	if err != nil {
		return fmt.Errorf("schedule close: %w", err)
	}
	if !marked {
		s.logger.Info("close not scheduled, conversation moved on",
			zap.String("conversation_id", conversationID))
		return nil
	}
	if s.queue == nil {
		return nil
	}

	job := queue.Job{
		ID:             jobID,
		Payload:        conversationID,
		Delay:          s.opts.IdleDelay,
		MaxAttempts:    s.opts.JobAttempts,
		Backoff:        s.opts.JobBackoff,
		AttemptTimeout: s.opts.AttemptTimeout,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Warn("close enqueue failed, sweep will close",
			zap.String("conversation_id", conversationID),
			zap.Time("close_at", closeAt),
			zap.Error(err))
		return fmt.Errorf("enqueue close %s: %w", conversationID, err)
	}
	s.logger.Debug("close scheduled",
		zap.String("conversation_id", conversationID),
		zap.Time("close_at", closeAt))
	return nil
}

// CancelClose returns a waiting or closed conversation to idle and drops
// its queued job.
func (s *Scheduler) CancelClose(ctx context.Context, conversationID string) error {
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("cancel close: %w", err)
	}
	cleared, err := s.store.ClearClose(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("cancel close: %w", err)
	}
	if cleared {
		s.logger.Debug("close canceled",
			zap.String("conversation_id", conversationID),
			zap.String("from_state", string(conv.State)))
	}
	if conv.CloseJobID != "" {
		s.cancelJob(ctx, conversationID, conv.CloseJobID)
	}
	return nil
}

func (s *Scheduler) cancelJob(ctx context.Context, conversationID string, jobID string) {
	if s.queue == nil {
		return
	}
	if _, err := s.queue.Cancel(ctx, jobID); err != nil {
		s.logger.Warn("close job cancel failed",
			zap.String("conversation_id", conversationID),
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

// HandleFired is the queue handler for close jobs. A job that finds the
// conversation active again, or already closed, is a no-op.
func (s *Scheduler) HandleFired(ctx context.Context, job queue.Job) error {
	conversationID := strings.TrimSpace(job.Payload)
	if conversationID == "" {
		conversationID = strings.TrimPrefix(job.ID, jobPrefix)
	}
	if conversationID == "" {
		return errors.New("close job without conversation id")
	}
	closed, err := s.store.CloseIfDue(ctx, conversationID)
	if err != nil {
		return err
	}
	if !closed {
		s.logger.Info("close skipped, conversation active or already closed",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", job.Attempt))
		return nil
	}
	s.logger.Info("conversation closed", zap.String("conversation_id", conversationID))
	return nil
}

// Sweep closes every conversation whose deadline has passed.
func (s *Scheduler) Sweep(ctx context.Context) error {
	n, err := s.store.CloseAllDue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("sweep closed conversations", zap.Int64("count", n))
	}
	return nil
}

// ExpireAwaiting closes conversations left waiting for an answer longer
// than ConfirmationTimeout.
func (s *Scheduler) ExpireAwaiting(ctx context.Context) error {
	n, err := s.store.ExpireAwaiting(ctx, s.opts.ConfirmationTimeout)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("expired awaiting conversations", zap.Int64("count", n))
	}
	return nil
}

// Jobs returns both sweeps as interval jobs.
func (s *Scheduler) Jobs(interval time.Duration, timeout time.Duration) []scheduler.JobSpec {
	return []scheduler.JobSpec{
		{Name: SweepJobName, Interval: interval, Timeout: timeout, RunOnStart: true, Run: s.Sweep},
		{Name: ExpireJobName, Interval: interval, Timeout: timeout, RunOnStart: true, Run: s.ExpireAwaiting},
	}
}
