package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lembra/app/core/orchestrator/catalog"
	"lembra/app/core/orchestrator/db"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	database, err := db.NewSQLiteDB(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteDB failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	clock := newFakeClock()
	return NewStore(database, WithClock(clock.Now)), clock
}

func mustGet(t *testing.T, s *Store, id string) Conversation {
	t.Helper()
	c, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := c.CheckInvariant(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
	return c
}

func TestFindOrCreateIsStablePerUser(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)
	second, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)
	other, err := s.FindOrCreate(ctx, "user-2")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, StateIdle, first.State)
	assert.Equal(t, IdleContext{}, first.Context)
	require.NoError(t, first.CheckInvariant())

	_, err = s.FindOrCreate(ctx, "  ")
	require.Error(t, err)
}

func TestConditionalUpdateRequiresExpectedState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	c, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)

	confirm := ConfirmationContext{
		Purpose:    PurposeSelectSave,
		Candidates: []catalog.Candidate{{ExternalID: "1", Title: "Matrix", Year: 1999, Type: "movie"}},
		ItemType:   "movie",
		Query:      "matrix",
	}
	ok, err := s.ConditionalUpdate(ctx, c.ID, StateIdle, StateAwaitingConfirmation, confirm)
	require.NoError(t, err)
	require.True(t, ok)

	got := mustGet(t, s, c.ID)
	assert.Equal(t, StateAwaitingConfirmation, got.State)
	assert.Equal(t, confirm, got.Context)

	// Stale writer loses without an error.
	ok, err = s.ConditionalUpdate(ctx, c.ID, StateIdle, StateIdle, IdleContext{LastAction: "stale"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateAwaitingConfirmation, mustGet(t, s, c.ID).State)
}

func TestConditionalUpdateRejectsMismatchedContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	c, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)

	_, err = s.ConditionalUpdate(ctx, c.ID, StateIdle, StateAwaitingBatchItem, IdleContext{})
	assert.True(t, errors.Is(err, ErrContextMismatch), "got %v", err)

	_, err = s.ConditionalUpdate(ctx, c.ID, StateIdle, StateWaitingClose, IdleContext{})
	assert.True(t, errors.Is(err, ErrInvalidState), "got %v", err)

	_, err = s.ConditionalUpdate(ctx, c.ID, StateIdle, StateIdle, nil)
	assert.True(t, errors.Is(err, ErrContextMismatch), "got %v", err)
}

func TestCloseIfDueIsIdempotent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	c, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)

	ok, err := s.MarkWaitingClose(ctx, c.ID, clock.Now().Add(3*time.Minute), "close:"+c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	waiting := mustGet(t, s, c.ID)
	require.NotNil(t, waiting.CloseAt)
	assert.Equal(t, "close:"+c.ID, waiting.CloseJobID)

	ok, err = s.CloseIfDue(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok, "must not close before close_at")

	clock.Advance(3 * time.Minute)
	ok, err = s.CloseIfDue(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CloseIfDue(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.CloseAllDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	closed := mustGet(t, s, c.ID)
	assert.Equal(t, StateClosed, closed.State)
	assert.Equal(t, ClosedContext{}, closed.Context)
	assert.Nil(t, closed.CloseAt)
	assert.Empty(t, closed.CloseJobID)
}

func TestClearCloseWinsOverPendingClose(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	c, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)

	_, err = s.MarkWaitingClose(ctx, c.ID, clock.Now().Add(3*time.Minute), "close:"+c.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	ok, err := s.ClearClose(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(5 * time.Minute)
	ok, err = s.CloseIfDue(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateIdle, mustGet(t, s, c.ID).State)

	// No pending close: nothing to clear.
	ok, err = s.ClearClose(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearCloseLeavesAwaitingStatesAlone(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	c, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)
	_, err = s.ConditionalUpdate(ctx, c.ID, StateIdle, StateAwaitingConfirmation, ConfirmationContext{Purpose: PurposeClarify})
	require.NoError(t, err)

	ok, err := s.MarkWaitingClose(ctx, c.ID, time.Now(), "close:"+c.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClearClose(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateAwaitingConfirmation, mustGet(t, s, c.ID).State)
}

func TestFindOrCreateReopensClosedConversation(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	c, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)
	_, err = s.MarkWaitingClose(ctx, c.ID, clock.Now(), "close:"+c.ID)
	require.NoError(t, err)
	_, err = s.CloseIfDue(ctx, c.ID)
	require.NoError(t, err)

	reopened, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, reopened.ID)
	assert.Equal(t, StateIdle, reopened.State)
	assert.Equal(t, IdleContext{}, reopened.Context)
	require.NoError(t, reopened.CheckInvariant())
}

func TestExpireAwaitingClosesStaleConversationsAndClearsContext(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	stale, err := s.FindOrCreate(ctx, "stale")
	require.NoError(t, err)
	_, err = s.ConditionalUpdate(ctx, stale.ID, StateIdle, StateAwaitingConfirmation, ConfirmationContext{
		Purpose:    PurposeSelectSave,
		Candidates: []catalog.Candidate{{Title: "A"}, {Title: "B"}},
	})
	require.NoError(t, err)

	batch, err := s.FindOrCreate(ctx, "batch")
	require.NoError(t, err)
	_, err = s.ConditionalUpdate(ctx, batch.ID, StateIdle, StateAwaitingBatchItem, BatchContext{
		Queue: []BatchItem{{Query: "x", Type: "movie", Status: BatchProcessing}},
	})
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	fresh, err := s.FindOrCreate(ctx, "fresh")
	require.NoError(t, err)
	_, err = s.ConditionalUpdate(ctx, fresh.ID, StateIdle, StateAwaitingConfirmation, ConfirmationContext{Purpose: PurposeClarify})
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	n, err := s.ExpireAwaiting(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got := mustGet(t, s, stale.ID)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, ClosedContext{}, got.Context)
	assert.Equal(t, StateClosed, mustGet(t, s, batch.ID).State)
	assert.Equal(t, StateAwaitingConfirmation, mustGet(t, s, fresh.ID).State)
}

func TestRecentMessagesReturnsLatestWindowInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	c, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)

	for i, content := range []string{"a", "b", "c", "d", "e"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		_, err := s.AppendMessage(ctx, c.ID, role, content)
		require.NoError(t, err)
	}
	_, err = s.AppendMessage(ctx, c.ID, Role("system"), "nope")
	require.Error(t, err)

	got, err := s.RecentMessages(ctx, c.ID, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Content)
	assert.Equal(t, "e", got[2].Content)
	assert.Equal(t, RoleUser, got[2].Role)
	assert.Less(t, got[0].Seq, got[1].Seq)
}

func TestConcurrentClosersApplyOnce(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	c, err := s.FindOrCreate(ctx, "user-1")
	require.NoError(t, err)
	_, err = s.MarkWaitingClose(ctx, c.ID, clock.Now(), "close:"+c.ID)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		applied atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if ok, err := s.CloseIfDue(ctx, c.ID); err == nil && ok {
					applied.Add(1)
				}
				return
			}
			if n, err := s.CloseAllDue(ctx); err == nil {
				applied.Add(n)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied.Load())
	assert.Equal(t, StateClosed, mustGet(t, s, c.ID).State)
}

func TestPruneMessagesDropsOnlyOldRows(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	c, err := s.FindOrCreate(ctx, "u1")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, c.ID, RoleUser, "salva matrix")
	require.NoError(t, err)
	clock.Advance(40 * 24 * time.Hour)
	_, err = s.AppendMessage(ctx, c.ID, RoleUser, "oi")
	require.NoError(t, err)

	n, err := s.PruneMessages(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := s.RecentMessages(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "oi", msgs[0].Content)
}
