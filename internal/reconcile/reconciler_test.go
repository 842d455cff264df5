package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/test/testutil"
)

type reconcileFixture struct {
	store      *store.Store
	queue      *queue.Queue
	bus        *events.Bus
	reconciler *Reconciler
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	logger := testutil.NewTestLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(logger)
	q := queue.New(st, bus, time.Minute, 3, logger)
	wake := make(chan struct{}, 1)

	return &reconcileFixture{
		store:      st,
		queue:      q,
		bus:        bus,
		reconciler: New(st, q, bus, wake, time.Second, logger),
	}
}

func (f *reconcileFixture) insert(t *testing.T, path string, folderish bool, local, remote models.State) *models.Pair {
	t.Helper()
	p := &models.Pair{Folderish: folderish, LocalState: local, RemoteState: remote}
	p.UpdateLocal(path)
	p.RemoteName = p.LocalName
	require.NoError(t, f.store.InsertPair(p))
	return p
}

func TestStateTable(t *testing.T) {
	cases := []struct {
		local  models.State
		remote models.State
		want   models.PairState
	}{
		{models.StateSynchronized, models.StateSynchronized, models.PairSynchronized},
		{models.StateCreated, models.StateUnknown, models.PairLocallyCreated},
		{models.StateUnknown, models.StateCreated, models.PairRemotelyCreated},
		{models.StateModified, models.StateSynchronized, models.PairLocallyModified},
		{models.StateSynchronized, models.StateModified, models.PairRemotelyModified},
		{models.StateModified, models.StateModified, models.PairConflicted},
		{models.StateMoved, models.StateSynchronized, models.PairLocallyMoved},
		{models.StateSynchronized, models.StateMoved, models.PairRemotelyMoved},
		{models.StateMoved, models.StateMoved, models.PairConflicted},
		{models.StateDeleted, models.StateSynchronized, models.PairLocallyDeleted},
		{models.StateSynchronized, models.StateDeleted, models.PairRemotelyDeleted},
		{models.StateDeleted, models.StateDeleted, models.PairDeleted},
		{models.StateModified, models.StateDeleted, models.PairConflicted},
		{models.StateDeleted, models.StateModified, models.PairConflicted},
		{models.StateCreated, models.StateDeleted, models.PairLocallyCreated},
		{models.StateDeleted, models.StateCreated, models.PairRemotelyCreated},
		{models.StateUnknown, models.StateDeleted, models.PairUnknownDeleted},
		{models.StateDeleted, models.StateUnknown, models.PairDeletedUnknown},
		{models.StateResolved, models.StateUnknown, models.PairLocallyResolved},
		{models.StateUnsynchronized, models.StateModified, models.PairUnsynchronized},
		// Combinations outside the table never pass silently.
		{models.StateResolved, models.StateDeleted, models.PairConflicted},
	}

	for _, tc := range cases {
		got := models.DerivePairState(tc.local, tc.remote)
		assert.Equal(t, tc.want, got, "(%s, %s)", tc.local, tc.remote)
	}
}

func TestTickDispatchesPending(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	f.insert(t, "up.txt", false, models.StateCreated, models.StateUnknown)
	f.insert(t, "down.txt", false, models.StateUnknown, models.StateCreated)
	f.insert(t, "done.txt", false, models.StateSynchronized, models.StateSynchronized)

	require.NoError(t, f.reconciler.Tick(ctx))
	assert.Equal(t, 2, f.queue.Len())
}

func TestDigestTieBreak(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	pair := f.insert(t, "same.txt", false, models.StateModified, models.StateModified)
	pair.LocalDigest = "d1"
	pair.RemoteDigest = "d1"
	require.NoError(t, f.store.UpdatePair(pair))

	sub, cancel := f.bus.Subscribe()
	defer cancel()

	require.NoError(t, f.reconciler.Tick(ctx))

	got, err := f.store.GetPair(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairSynchronized, got.PairState)

	select {
	case evt := <-sub:
		assert.Equal(t, events.PairSynced, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no synced event published")
	}
}

func TestFolderConflictMerges(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	pair := f.insert(t, "shared", true, models.StateCreated, models.StateCreated)
	pair.RemoteRef = "doc-9"
	require.NoError(t, f.store.UpdatePair(pair))

	require.NoError(t, f.reconciler.Tick(ctx))

	got, err := f.store.GetPair(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairSynchronized, got.PairState)
}

func TestConflictBookkeepingReleased(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	pair := f.insert(t, "fight.txt", false, models.StateModified, models.StateModified)
	pair.LocalDigest = "local"
	pair.RemoteDigest = "remote"
	require.NoError(t, f.store.UpdatePair(pair))

	require.NoError(t, f.reconciler.Tick(ctx))
	f.reconciler.mu.Lock()
	tracked := len(f.reconciler.seen)
	f.reconciler.mu.Unlock()
	require.Equal(t, 1, tracked)

	// A resolution outside the reconciler must release its entry.
	got, err := f.store.GetPair(pair.ID)
	require.NoError(t, err)
	got.LocalState = models.StateSynchronized
	got.RemoteState = models.StateSynchronized
	require.NoError(t, f.store.UpdatePair(got))

	require.NoError(t, f.reconciler.Tick(ctx))
	f.reconciler.mu.Lock()
	tracked = len(f.reconciler.seen)
	f.reconciler.mu.Unlock()
	assert.Zero(t, tracked)
}

func TestRealConflictSurfacesOnce(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	pair := f.insert(t, "both.txt", false, models.StateModified, models.StateModified)
	pair.LocalDigest = "local"
	pair.RemoteDigest = "remote"
	require.NoError(t, f.store.UpdatePair(pair))

	sub, cancel := f.bus.Subscribe()
	defer cancel()

	require.NoError(t, f.reconciler.Tick(ctx))
	require.NoError(t, f.reconciler.Tick(ctx))

	var conflictEvents int
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case evt := <-sub:
			if evt.Type == events.PairConflicted {
				conflictEvents++
			}
		case <-timeout:
			break drain
		default:
			break drain
		}
	}
	assert.Equal(t, 1, conflictEvents)

	t.Run("conflicts stay out of the queue", func(t *testing.T) {
		assert.Zero(t, f.queue.Len())
	})

	t.Run("a new version surfaces again", func(t *testing.T) {
		got, err := f.store.GetPair(pair.ID)
		require.NoError(t, err)
		got.LocalDigest = "local2"
		require.NoError(t, f.store.UpdatePair(got))

		require.NoError(t, f.reconciler.Tick(ctx))

		found := false
		deadline := time.After(time.Second)
		for !found {
			select {
			case evt := <-sub:
				if evt.Type == events.PairConflicted {
					found = true
				}
			case <-deadline:
				t.Fatal("updated conflict never surfaced")
			}
		}
	})
}
