package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"lembra/app/pkg/logger"
)

const claimBatch = 50

type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	TLS          bool
	KeyPrefix    string
	PollInterval time.Duration
	DialTimeout  time.Duration
}

// NewRedisClient builds a client that fails fast when the server is down.
// Scheduling never blocks a turn on Redis.
func NewRedisClient(opts RedisOptions) *redis.Client {
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 2 * time.Second
	}
	o := &redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  dial,
		ReadTimeout:  dial,
		WriteTimeout: dial,
		MaxRetries:   1,
	}
	if opts.TLS {
		o.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(o)
}

// RedisQueue stores delayed jobs in a sorted set scored by fire time (unix
// ms) with the job bodies in a hash keyed by job ID. Reusing an ID
// overwrites both entries; a fired job is claimed by whoever removes it
// from the sorted set first.
type RedisQueue struct {
	client       redis.UniversalClient
	delayedKey   string
	jobsKey      string
	pollInterval time.Duration
	now          func() time.Time
	logger       *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	enqueued  atomic.Uint64
	canceled  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

func NewRedis(client redis.UniversalClient, opts RedisOptions, log *zap.Logger) *RedisQueue {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "lembra:close-conversation"
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &RedisQueue{
		client:       client,
		delayedKey:   prefix + ":delayed",
		jobsKey:      prefix + ":jobs",
		pollInterval: poll,
		now:          time.Now,
		logger:       logger.OrNop(log).Named("queue.redis"),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	job = normalizeJob(job)
	job.Attempt = 1
	if err := q.put(ctx, job, q.now().Add(job.Delay)); err != nil {
		return err
	}
	q.enqueued.Add(1)
	return nil
}

func (q *RedisQueue) put(ctx context.Context, job Job, fire time.Time) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey, job.ID, body)
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(fire.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Cancel(ctx context.Context, id string) (bool, error) {
	var removed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, q.delayedKey, id)
		pipe.HDel(ctx, q.jobsKey, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", id, err)
	}
	if removed.Val() == 0 {
		return false, nil
	}
	q.canceled.Add(1)
	return true, nil
}

func (q *RedisQueue) Start(parent context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("queue: handler is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrQueueStarted
	}
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.started = true
	go q.loop(ctx, handler, q.done)
	return nil
}

// Stop ends polling. Jobs stay in Redis for the next process.
func (q *RedisQueue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("queue: stop timeout after %s", timeout)
	}
}

func (q *RedisQueue) Stats() Stats {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	pending := 0
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if n, err := q.client.ZCard(ctx, q.delayedKey).Result(); err == nil {
		pending = int(n)
	}
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

func (q *RedisQueue) loop(ctx context.Context, handler Handler, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		if err := q.poll(ctx, handler); err != nil && ctx.Err() == nil {
			q.logger.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) poll(ctx context.Context, handler Handler) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: claimBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		if ctx.Err() != nil {
			return nil
		}
		claimed, err := q.client.ZRem(ctx, q.delayedKey, id).Result()
		if err != nil {
			return err
		}
		if claimed == 0 {
			continue
		}
		body, err := q.client.HGet(ctx, q.jobsKey, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(body)
		if err != nil {
			q.logger.Error("dropping undecodable job", zap.String("job_id", id), zap.Error(err))
			q.client.HDel(ctx, q.jobsKey, id)
			continue
		}
		q.run(ctx, handler, job)
	}
	return nil
}

func (q *RedisQueue) run(ctx context.Context, handler Handler, job Job) {
	err := runAttempt(ctx, handler, job)
	if ctx.Err() != nil {
		// Put the claim back so the next process picks it up.
		if err != nil {
			_ = q.put(context.Background(), job, q.now())
		}
		return
	}
	if err == nil {
		q.completed.Add(1)
		q.forget(ctx, job.ID)
		return
	}
	if job.Attempt >= job.MaxAttempts {
		q.failed.Add(1)
		q.logger.Error("job failed permanently",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempt),
			zap.Error(err))
		q.forget(ctx, job.ID)
		return
	}
	if q.rescheduled(ctx, job.ID) {
		return
	}
	delay := retryDelay(job, job.Attempt)
	q.logger.Warn("job attempt failed, retrying",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err))
	job.Attempt++
	if putErr := q.put(ctx, job, q.now().Add(delay)); putErr != nil {
		q.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(putErr))
		return
	}
	q.retried.Add(1)
}

// rescheduled reports whether a newer enqueue with the same ID is pending.
func (q *RedisQueue) rescheduled(ctx context.Context, id string) bool {
	_, err := q.client.ZScore(ctx, q.delayedKey, id).Result()
	return err == nil
}

func (q *RedisQueue) forget(ctx context.Context, id string) {
	if q.rescheduled(ctx, id) {
		return
	}
	if err := q.client.HDel(ctx, q.jobsKey, id).Err(); err != nil {
		q.logger.Warn("job cleanup failed", zap.String("job_id", id), zap.Error(err))
	}
}

func encodeJob(job Job) (string, error) {
	body := "{}"
	var err error
	set := func(path string, value any) {
		if err == nil {
			body, err = sjson.Set(body, path, value)
		}
	}
	set("id", job.ID)
	set("payload", job.Payload)
	set("max_attempts", job.MaxAttempts)
	set("backoff_ms", job.Backoff.Milliseconds())
	set("attempt_timeout_ms", job.AttemptTimeout.Milliseconds())
	set("attempt", job.Attempt)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return body, nil
}

func decodeJob(body string) (Job, error) {
	if !gjson.Valid(body) {
		return Job{}, errors.New("invalid job json")
	}
	parsed := gjson.Parse(body)
	job := Job{
		ID:             parsed.Get("id").String(),
		Payload:        parsed.Get("payload").String(),
		MaxAttempts:    int(parsed.Get("max_attempts").Int()),
		Backoff:        time.Duration(parsed.Get("backoff_ms").Int()) * time.Millisecond,
		AttemptTimeout: time.Duration(parsed.Get("attempt_timeout_ms").Int()) * time.Millisecond,
		Attempt:        int(parsed.Get("attempt").Int()),
	}
	if job.ID == "" {
		return Job{}, errors.New("job id missing")
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return normalizeJob(job), nil
}
