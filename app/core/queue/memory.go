package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lembra/app/pkg/logger"
)

// MemoryQueue keeps delayed jobs on in-process timers. Pending jobs are lost
// on restart.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  map[string]*entry
	handler  Handler
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopping bool
	gen      uint64
	wg       sync.WaitGroup
	logger   *zap.Logger

	enqueued  atomic.Uint64
	canceled  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

type entry struct {
	job   Job
	gen   uint64
	fire  time.Time
	timer *time.Timer
}

func NewMemory(log *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		pending: make(map[string]*entry),
		logger:  logger.OrNop(log).Named("queue"),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	job = normalizeJob(job)
	job.Attempt = 1

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		return ErrQueueStopped
	}
	q.replaceLocked(job, time.Now().Add(job.Delay))
	q.enqueued.Add(1)
	return nil
}

func (q *MemoryQueue) Cancel(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[id]
	if !ok {
		return false, nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(q.pending, id)
	q.canceled.Add(1)
	return true, nil
}

func (q *MemoryQueue) Start(parent context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("queue: handler is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrQueueStarted
	}
	q.ctx, q.cancel = context.WithCancel(parent)
	q.handler = handler
	q.started = true
	q.stopping = false
	for _, e := range q.pending {
		q.armLocked(e)
	}
	return nil
}

// Stop cancels running handlers, drops pending jobs and waits up to
// timeout for in-flight attempts to return.
func (q *MemoryQueue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	q.stopping = true
	for id, e := range q.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(q.pending, id)
	}
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	var err error
	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("queue: stop timeout after %s", timeout)
		}
	} else {
		<-done
	}

	q.mu.Lock()
	q.stopping = false
	q.mu.Unlock()
	return err
}

func (q *MemoryQueue) Stats() Stats {
	q.mu.Lock()
	started := q.started
	pending := len(q.pending)
	q.mu.Unlock()
	return Stats{
		Started:   started,
		Pending:   pending,
		Enqueued:  q.enqueued.Load(),
		Canceled:  q.canceled.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Retried:   q.retried.Load(),
	}
}

func (q *MemoryQueue) replaceLocked(job Job, fire time.Time) {
	if old, ok := q.pending[job.ID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	q.gen++
	e := &entry{job: job, gen: q.gen, fire: fire}
	q.pending[job.ID] = e
	if q.started {
		q.armLocked(e)
	}
}

func (q *MemoryQueue) armLocked(e *entry) {
	id, gen := e.job.ID, e.gen
	e.timer = time.AfterFunc(time.Until(e.fire), func() { q.fire(id, gen) })
}

func (q *MemoryQueue) fire(id string, gen uint64) {
	q.mu.Lock()
	e, ok := q.pending[id]
	if !ok || e.gen != gen || !q.started {
		q.mu.Unlock()
		return
	}
	delete(q.pending, id)
	ctx, handler := q.ctx, q.handler
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.run(ctx, handler, e.job)
	}()
}

func (q *MemoryQueue) run(ctx context.Context, handler Handler, job Job) {
	err := runAttempt(ctx, handler, job)
	if err == nil {
		q.completed.Add(1)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if job.Attempt >= job.MaxAttempts {
		q.failed.Add(1)
		q.logger.Error("job failed permanently",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempt),
			zap.Error(err))
		return
	}

	delay := retryDelay(job, job.Attempt)
	q.logger.Warn("job attempt failed, retrying",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err))

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return
	}
	// A newer enqueue with the same ID supersedes this retry.
	if _, ok := q.pending[job.ID]; ok {
		return
	}
	job.Attempt++
	q.retried.Add(1)
	q.replaceLocked(job, time.Now().Add(delay))
}
