package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisQueue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(RedisOptions{Addr: mr.Addr(), DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedis(client, RedisOptions{KeyPrefix: "test:close", PollInterval: 10 * time.Millisecond}, nil)
	return q, mr, client
}

func TestRedisEnqueueStoresJob(t *testing.T) {
	q, mr, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "close:c1", Payload: "c1", Delay: time.Minute, MaxAttempts: 3, Backoff: 5 * time.Second}))

	members, err := mr.ZMembers("test:close:delayed")
	require.NoError(t, err)
	assert.Equal(t, []string{"close:c1"}, members)

	body := mr.HGet("test:close:jobs", "close:c1")
	job, err := decodeJob(body)
	require.NoError(t, err)
	assert.Equal(t, "c1", job.Payload)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 5*time.Second, job.Backoff)
	assert.Equal(t, 1, job.Attempt)
}

func TestRedisSameIDReplaces(t *testing.T) {
	q, mr, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "close:c1", Payload: "first", Delay: time.Minute}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "close:c1", Payload: "second", Delay: 2 * time.Minute}))

	members, err := mr.ZMembers("test:close:delayed")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	job, err := decodeJob(mr.HGet("test:close:jobs", "close:c1"))
	require.NoError(t, err)
	assert.Equal(t, "second", job.Payload)
}

func TestRedisCancel(t *testing.T) {
	q, mr, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ID: "close:c1", Delay: time.Minute}))
	removed, err := q.Cancel(ctx, "close:c1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists("test:close:delayed"))
	assert.False(t, mr.Exists("test:close:jobs"))

	removed, err = q.Cancel(ctx, "close:c1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRedisFiresDueJobOnce(t *testing.T) {
	q, mr, _ := newTestRedis(t)
	ctx := context.Background()
	var runs atomic.Int32
	fired := make(chan Job, 2)

	require.NoError(t, q.Start(ctx, func(_ context.Context, job Job) error {
		runs.Add(1)
		fired <- job
		return nil
	}))
	defer q.Stop(time.Second)

	require.NoError(t, q.Enqueue(ctx, Job{ID: "close:c1", Payload: "c1", Delay: 20 * time.Millisecond}))

	select {
	case job := <-fired:
		assert.Equal(t, "c1", job.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("expected job to fire")
	}
	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
	assert.False(t, mr.Exists("test:close:jobs"))
}

func TestRedisRetriesFailedJob(t *testing.T) {
	q, _, _ := newTestRedis(t)
	ctx := context.Background()
	var attempts atomic.Int32
	done := make(chan int, 1)

	require.NoError(t, q.Start(ctx, func(_ context.Context, job Job) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		done <- job.Attempt
		return nil
	}))
	defer q.Stop(time.Second)

	require.NoError(t, q.Enqueue(ctx, Job{ID: "j", MaxAttempts: 3, Backoff: 10 * time.Millisecond}))

	select {
	case attempt := <-done:
		assert.Equal(t, 2, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("expected retry to succeed")
	}
	assert.EqualValues(t, 1, q.Stats().Retried)
}

func TestRedisUnreachableFailsFast(t *testing.T) {
	q, mr, _ := newTestRedis(t)
	mr.Close()

	started := time.Now()
	err := q.Enqueue(context.Background(), Job{ID: "close:c1", Delay: time.Minute})
	require.Error(t, err)
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestDecodeJobRejectsGarbage(t *testing.T) {
	_, err := decodeJob("not json")
	assert.Error(t, err)
	_, err = decodeJob(`{"payload":"x"}`)
	assert.Error(t, err)
}
