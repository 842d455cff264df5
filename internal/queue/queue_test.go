package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/test/testutil"
)

func newQueueFixture(t *testing.T) (*Queue, *store.Store, *events.Bus) {
	t.Helper()
	logger := testutil.NewTestLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(logger)
	return New(st, bus, time.Minute, 3, logger), st, bus
}

func insertPair(t *testing.T, st *store.Store, path string, folderish bool, local, remote models.State) *models.Pair {
	t.Helper()
	p := &models.Pair{Folderish: folderish, LocalState: local, RemoteState: remote}
	p.UpdateLocal(path)
	require.NoError(t, st.InsertPair(p))
	return p
}

func TestQueueOrderAndDedup(t *testing.T) {
	q, _, _ := newQueueFixture(t)
	ctx := context.Background()

	q.Push(1)
	q.Push(2)
	q.Push(1) // duplicate
	q.Push(3)

	assert.Equal(t, 3, q.Len())

	for _, want := range []int64{1, 2, 3} {
		id, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.Zero(t, q.Len())
}

func TestQueuePopBlocks(t *testing.T) {
	q, _, _ := newQueueFixture(t)

	t.Run("cancelled context unblocks", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := q.Pop(ctx)
		assert.ErrorIs(t, err, models.ErrEngineStopped)
	})

	t.Run("a late push unblocks", func(t *testing.T) {
		done := make(chan int64, 1)
		go func() {
			id, err := q.Pop(context.Background())
			if err == nil {
				done <- id
			}
		}()

		time.Sleep(20 * time.Millisecond)
		q.Push(42)

		select {
		case id := <-done:
			assert.Equal(t, int64(42), id)
		case <-time.After(2 * time.Second):
			t.Fatal("pop never returned")
		}
	})
}

func TestQueueSessionFairness(t *testing.T) {
	q, st, _ := newQueueFixture(t)
	ctx := context.Background()

	var bulk []int64
	for i := 0; i < 4; i++ {
		p := insertPair(t, st, fmt.Sprintf("bulk/file-%d.txt", i), false, models.StateCreated, models.StateUnknown)
		p.Session = 1
		require.NoError(t, st.UpdatePair(p))
		bulk = append(bulk, p.ID)
	}
	small := insertPair(t, st, "urgent.txt", false, models.StateCreated, models.StateUnknown)
	small.Session = 2
	require.NoError(t, st.UpdatePair(small))

	for _, id := range bulk {
		q.Push(id)
	}
	q.Push(small.ID)

	// The lone pair of the second session runs after one pair of the
	// bulk session, not after all four.
	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Contains(t, bulk, first)

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, small.ID, second)

	for i := 0; i < 3; i++ {
		id, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Contains(t, bulk, id)
	}
	assert.Zero(t, q.Len())
}

func TestQueueGating(t *testing.T) {
	q, st, _ := newQueueFixture(t)

	t.Run("creation waits for its parent", func(t *testing.T) {
		parent := insertPair(t, st, "new", true, models.StateCreated, models.StateUnknown)
		child := insertPair(t, st, "new/file.txt", false, models.StateCreated, models.StateUnknown)

		blocked, err := q.Blocked(child)
		require.NoError(t, err)
		assert.True(t, blocked)

		parent.LocalState = models.StateSynchronized
		parent.RemoteState = models.StateSynchronized
		require.NoError(t, st.UpdatePair(parent))

		blocked, err = q.Blocked(child)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("folder deletion waits for its children", func(t *testing.T) {
		folder := insertPair(t, st, "old", true, models.StateDeleted, models.StateSynchronized)
		child := insertPair(t, st, "old/file.txt", false, models.StateDeleted, models.StateSynchronized)

		blocked, err := q.Blocked(folder)
		require.NoError(t, err)
		assert.True(t, blocked)

		require.NoError(t, st.RemovePair(child.ID))

		blocked, err = q.Blocked(folder)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("file operations are never gated on children", func(t *testing.T) {
		file := insertPair(t, st, "plain.txt", false, models.StateDeleted, models.StateSynchronized)
		blocked, err := q.Blocked(file)
		require.NoError(t, err)
		assert.False(t, blocked)
	})
}

func TestQueueBackoff(t *testing.T) {
	q, st, bus := newQueueFixture(t)

	pair := insertPair(t, st, "flaky.txt", false, models.StateModified, models.StateSynchronized)

	sub, cancel := bus.Subscribe()
	defer cancel()

	base := q.baseDelay

	for attempt := 1; attempt <= 3; attempt++ {
		fresh, err := st.GetPair(pair.ID)
		require.NoError(t, err)

		before := time.Now()
		q.ReportError(fresh, assert.AnError)

		got, err := st.GetPair(pair.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.ErrorCount)

		// Delay grows as base * 2^(attempt-1), jittered by +-20%.
		expected := base * time.Duration(1<<(attempt-1))
		min := before.Add(time.Duration(float64(expected) * 0.79))
		max := time.Now().Add(time.Duration(float64(expected) * 1.21))
		assert.True(t, got.NextRetry.After(min), "retry %d too early: %v", attempt, got.NextRetry)
		assert.True(t, got.NextRetry.Before(max), "retry %d too late: %v", attempt, got.NextRetry)
	}

	t.Run("threshold surfaces a persistent error", func(t *testing.T) {
		select {
		case evt := <-sub:
			assert.Equal(t, events.PairError, evt.Type)
			assert.Equal(t, pair.ID, evt.PairID)
		case <-time.After(time.Second):
			t.Fatal("no pair error event published")
		}
	})

	t.Run("blacklisted pair leaves the pending set", func(t *testing.T) {
		pending, err := st.PendingPairs(10)
		require.NoError(t, err)
		for _, p := range pending {
			assert.NotEqual(t, pair.ID, p.ID)
		}
	})
}
