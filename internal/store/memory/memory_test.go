package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/concierge/internal/model"
	"github.com/msageha/concierge/internal/store"
)

func newTask(anchor model.Anchor, status model.Status, createdAt time.Time) model.Task {
	return model.Task{
		Intent:    model.IntentOrganize,
		Status:    status,
		Anchor:    anchor,
		CreatedAt: createdAt,
	}
}

func TestCreateAssignsIDAndTimestamp(t *testing.T) {
	s := NewStore()
	created, err := s.Create(context.Background(), model.Task{Status: model.StatusQueued})
	require.NoError(t, err)
	assert.True(t, model.ValidateID(created.ID), "ID should match the task_ scheme: %s", created.ID)
	assert.False(t, created.CreatedAt.IsZero())
}

func TestFindInFlightByAnchor(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	anchor := model.Anchor{Channel: "C1", ThreadID: "1700000000.000100"}

	_, err := s.FindInFlightByAnchor(ctx, anchor)
	assert.ErrorIs(t, err, store.ErrNotFound)

	settled, err := s.Create(ctx, newTask(anchor, model.StatusCompleted, time.Now()))
	require.NoError(t, err)

	_, err = s.FindInFlightByAnchor(ctx, anchor)
	assert.ErrorIs(t, err, store.ErrNotFound, "settled tasks are not in-flight")

	pending, err := s.Create(ctx, newTask(anchor, model.StatusPending, time.Now()))
	require.NoError(t, err)

	got, err := s.FindInFlightByAnchor(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, got.ID)
	assert.NotEqual(t, settled.ID, got.ID)
}

func TestLatestSettledByAnchor(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	anchor := model.Anchor{Channel: "C1", ThreadID: "1700000000.000200"}
	base := time.Now().UTC()

	older, err := s.Create(ctx, newTask(anchor, model.StatusFailed, base.Add(-2*time.Hour)))
	require.NoError(t, err)
	newer, err := s.Create(ctx, newTask(anchor, model.StatusRejected, base.Add(-time.Hour)))
	require.NoError(t, err)
	// In-flight and other-anchor tasks must not win.
	_, err = s.Create(ctx, newTask(anchor, model.StatusQueued, base))
	require.NoError(t, err)
	_, err = s.Create(ctx, newTask(model.Anchor{Channel: "C2", ThreadID: "x"}, model.StatusCompleted, base))
	require.NoError(t, err)

	got, err := s.LatestSettledByAnchor(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.NotEqual(t, older.ID, got.ID)
}

func TestClaimOldestQueued(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Now().UTC()

	_, err := s.ClaimOldestQueued(ctx)
	assert.ErrorIs(t, err, store.ErrNoQueuedTasks)

	second, err := s.Create(ctx, newTask(model.Anchor{Channel: "C1", ThreadID: "b"}, model.StatusQueued, base))
	require.NoError(t, err)
	first, err := s.Create(ctx, newTask(model.Anchor{Channel: "C1", ThreadID: "a"}, model.StatusQueued, base.Add(-time.Minute)))
	require.NoError(t, err)

	got, err := s.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "oldest queued task is claimed first")
	assert.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	got, err = s.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.ClaimOldestQueued(ctx)
	assert.ErrorIs(t, err, store.ErrNoQueuedTasks)
}

func TestTransitionCompareAndSet(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newTask(model.Anchor{Channel: "C1", ThreadID: "t"}, model.StatusPending, time.Now()))
	require.NoError(t, err)

	ok, err := s.Transition(ctx, created.ID, model.StatusPending, store.Update{
		Status: store.Ptr(model.StatusQueued),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expected status: lost race, no error.
	ok, err = s.Transition(ctx, created.ID, model.StatusPending, store.Update{
		Status: store.Ptr(model.StatusRejected),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newTask(model.Anchor{Channel: "C1", ThreadID: "t"}, model.StatusPending, time.Now()))
	require.NoError(t, err)

	_, err = s.Transition(ctx, created.ID, model.StatusPending, store.Update{
		Status: store.Ptr(model.StatusCompleted),
	})
	assert.Error(t, err, "pending → completed is not a declared edge")
}

func TestTransitionUnknownTask(t *testing.T) {
	s := NewStore()
	_, err := s.Transition(context.Background(), "task_1700000000_deadbeef", model.StatusPending, store.Update{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// Two near-simultaneous rejections of the same pending task must resolve to
// exactly one winner.
func TestDoubleRejectRace(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	created, err := s.Create(ctx, newTask(model.Anchor{Channel: "C1", ThreadID: "t"}, model.StatusPending, time.Now()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, created.ID, model.StatusPending, store.Update{
				Status: store.Ptr(model.StatusRejected),
			})
			require.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one rejection must win")
}

func TestTransitionPartialUpdate(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	created, err := s.Create(ctx, model.Task{
		Status:          model.StatusRunning,
		ExecutionPrompt: "original prompt",
		Anchor:          model.Anchor{Channel: "C1", ThreadID: "t"},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	ok, err := s.Transition(ctx, created.ID, model.StatusRunning, store.Update{
		Status:      store.Ptr(model.StatusCompleted),
		Result:      store.Ptr("done"),
		SessionID:   store.Ptr("sess-1"),
		CostUSD:     store.Ptr(0.42),
		CompletedAt: &now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Result)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, 0.42, got.CostUSD)
	assert.Equal(t, "original prompt", got.ExecutionPrompt, "unset fields stay untouched")
	require.NotNil(t, got.CompletedAt)
}
