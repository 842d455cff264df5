package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/localfs"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/test/testutil"
)

type poolFixture struct {
	local   *localfs.LocalStore
	store   *store.Store
	gateway *testutil.FakeGateway
	queue   *queue.Queue
	bus     *events.Bus
	pool    *Pool
	root    string
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	logger := testutil.NewTestLogger()

	cfg := config.DefaultConfig()
	holder := config.NewReloadableHolder(config.DefaultReloadable(cfg))

	local, err := localfs.NewLocalStore(root, filepath.Join(dir, "trash"), localfs.NewPlatformOps(), holder, logger)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "engine.db"), "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gateway := testutil.NewFakeGateway()
	bus := events.NewBus(logger)
	q := queue.New(st, bus, cfg.Sync.RetryBaseDelay, cfg.Sync.MaxErrors, logger)

	return &poolFixture{
		local:   local,
		store:   st,
		gateway: gateway,
		queue:   q,
		bus:     bus,
		pool:    NewPool(q, st, local, gateway, bus, &cfg.Sync, testutil.RootRef, logger),
		root:    root,
	}
}

func (f *poolFixture) insert(t *testing.T, path string, folderish bool, local, remote models.State) *models.Pair {
	t.Helper()
	p := &models.Pair{Folderish: folderish, LocalState: local, RemoteState: remote}
	p.UpdateLocal(path)
	p.RemoteName = p.LocalName
	require.NoError(t, f.store.InsertPair(p))
	return p
}

func (f *poolFixture) process(t *testing.T, pairID int64) {
	t.Helper()
	f.pool.processOne(context.Background(), 1, pairID, f.pool.logger)
}

func TestUploadNewFile(t *testing.T) {
	f := newPoolFixture(t)

	testutil.WriteFile(t, f.root, "report.txt", "quarterly numbers")
	pair := f.insert(t, "report.txt", false, models.StateCreated, models.StateUnknown)

	f.process(t, pair.ID)

	got, err := f.store.GetPair(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairSynchronized, got.PairState)
	require.NotEmpty(t, got.RemoteRef)
	assert.Equal(t, got.LocalDigest, got.RemoteDigest)
	assert.Zero(t, got.Processor)

	content, ok := f.gateway.Content(got.RemoteRef)
	require.True(t, ok)
	assert.Equal(t, "quarterly numbers", string(content))
}

func TestUploadNewFolderThenChild(t *testing.T) {
	f := newPoolFixture(t)

	testutil.WriteFile(t, f.root, "docs/plan.md", "plan")
	folder := f.insert(t, "docs", true, models.StateCreated, models.StateUnknown)
	child := f.insert(t, "docs/plan.md", false, models.StateCreated, models.StateUnknown)

	t.Run("child is gated until the folder lands", func(t *testing.T) {
		f.process(t, child.ID)

		got, err := f.store.GetPair(child.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PairLocallyCreated, got.PairState)
	})

	f.process(t, folder.ID)
	f.process(t, child.ID)

	gotFolder, err := f.store.GetPair(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairSynchronized, gotFolder.PairState)

	gotChild, err := f.store.GetPair(child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairSynchronized, gotChild.PairState)
	assert.Equal(t, gotFolder.RemoteRef, gotChild.RemoteParentRef)
}

func TestDownloadNewFile(t *testing.T) {
	f := newPoolFixture(t)

	ref := f.gateway.Seed(testutil.RootRef, "remote.txt", []byte("from the server"))
	pair := f.insert(t, "remote.txt", false, models.StateUnknown, models.StateCreated)
	pair.RemoteRef = ref
	pair.RemoteParentRef = testutil.RootRef
	require.NoError(t, f.store.UpdatePair(pair))

	f.process(t, pair.ID)

	got, err := f.store.GetPair(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairSynchronized, got.PairState)
	assert.NotEmpty(t, got.LocalDigest)

	assert.Equal(t, "from the server", testutil.ReadFile(t, f.root, "remote.txt"))

	t.Run("no temp file is left behind", func(t *testing.T) {
		entries, err := os.ReadDir(f.root)
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, f.local.IsTempFile(e.Name()), e.Name())
		}
	})
}

func TestUploadModifiedContent(t *testing.T) {
	f := newPoolFixture(t)

	testutil.WriteFile(t, f.root, "note.txt", "v1")
	ref := f.gateway.Seed(testutil.RootRef, "note.txt", []byte("v1"))

	pair := f.insert(t, "note.txt", false, models.StateModified, models.StateSynchronized)
	pair.RemoteRef = ref
	pair.RemoteParentRef = testutil.RootRef
	require.NoError(t, f.store.UpdatePair(pair))

	testutil.WriteFile(t, f.root, "note.txt", "v2 changed")
	f.process(t, pair.ID)

	got, err := f.store.GetPair(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairSynchronized, got.PairState)

	content, ok := f.gateway.Content(ref)
	require.True(t, ok)
	assert.Equal(t, "v2 changed", string(content))
}

func TestDownloadModifiedContent(t *testing.T) {
	f := newPoolFixture(t)

	testutil.WriteFile(t, f.root, "note.txt", "old")
	ref := f.gateway.Seed(testutil.RootRef, "note.txt", []byte("new remote content"))

	pair := f.insert(t, "note.txt", false, models.StateSynchronized, models.StateModified)
	pair.RemoteRef = ref
	pair.RemoteParentRef = testutil.RootRef
	require.NoError(t, f.store.UpdatePair(pair))

	f.process(t, pair.ID)

	assert.Equal(t, "new remote content", testutil.ReadFile(t, f.root, "note.txt"))
}

func TestPropagateLocalDeletion(t *testing.T) {
	f := newPoolFixture(t)

	ref := f.gateway.Seed(testutil.RootRef, "gone.txt", []byte("bye"))
	pair := f.insert(t, "gone.txt", false, models.StateDeleted, models.StateSynchronized)
	pair.RemoteRef = ref
	require.NoError(t, f.store.UpdatePair(pair))

	f.process(t, pair.ID)

	assert.False(t, f.gateway.Exists(ref))
	_, err := f.store.GetPair(pair.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPropagateRemoteDeletion(t *testing.T) {
	f := newPoolFixture(t)

	testutil.WriteFile(t, f.root, "gone.txt", "bye")
	pair := f.insert(t, "gone.txt", false, models.StateSynchronized, models.StateDeleted)
	pair.RemoteRef = "doc-old"
	require.NoError(t, f.store.UpdatePair(pair))

	f.process(t, pair.ID)

	assert.NoFileExists(t, filepath.Join(f.root, "gone.txt"))
	_, err := f.store.GetPair(pair.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestForbiddenDeleteMarksUnsynchronized(t *testing.T) {
	f := newPoolFixture(t)

	ref := f.gateway.Seed(testutil.RootRef, "readonly.txt", []byte("keep"))
	f.gateway.SetPermissions(ref, models.Permissions{CanDelete: false, CanRename: true, CanUpdate: true})

	pair := f.insert(t, "readonly.txt", false, models.StateDeleted, models.StateSynchronized)
	pair.RemoteRef = ref
	require.NoError(t, f.store.UpdatePair(pair))

	f.process(t, pair.ID)

	got, err := f.store.GetPair(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairUnsynchronized, got.PairState)
	assert.True(t, f.gateway.Exists(ref))
}

func TestTransientFailureBacksOff(t *testing.T) {
	f := newPoolFixture(t)

	testutil.WriteFile(t, f.root, "flaky.txt", "content")
	pair := f.insert(t, "flaky.txt", false, models.StateCreated, models.StateUnknown)

	f.gateway.Faults["upload"] = &models.RemoteError{Kind: models.KindTransient, Status: 503, Message: "unavailable"}
	f.process(t, pair.ID)

	got, err := f.store.GetPair(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ErrorCount)
	assert.False(t, got.NextRetry.IsZero())
	assert.Zero(t, got.Processor)

	t.Run("recovers once the remote does", func(t *testing.T) {
		delete(f.gateway.Faults, "upload")
		require.NoError(t, f.store.ClearPairError(pair.ID))

		fresh, err := f.store.GetPair(pair.ID)
		require.NoError(t, err)
		f.process(t, fresh.ID)

		final, err := f.store.GetPair(pair.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PairSynchronized, final.PairState)
	})
}

func TestConflictResponseMarksPair(t *testing.T) {
	f := newPoolFixture(t)

	testutil.WriteFile(t, f.root, "dup.txt", "content")
	pair := f.insert(t, "dup.txt", false, models.StateCreated, models.StateUnknown)

	f.gateway.Faults["upload"] = &models.RemoteError{Kind: models.KindConflict, Status: 409, Message: "name taken"}
	f.process(t, pair.ID)

	got, err := f.store.GetPair(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PairConflicted, got.PairState)
}

func TestRenamePropagation(t *testing.T) {
	f := newPoolFixture(t)

	t.Run("local rename moves the remote document", func(t *testing.T) {
		ref := f.gateway.Seed(testutil.RootRef, "before.txt", []byte("x"))
		testutil.WriteFile(t, f.root, "after.txt", "x")

		pair := f.insert(t, "after.txt", false, models.StateMoved, models.StateSynchronized)
		pair.RemoteRef = ref
		pair.RemoteParentRef = testutil.RootRef
		pair.RemoteName = "before.txt"
		require.NoError(t, f.store.UpdatePair(pair))

		f.process(t, pair.ID)

		ctx := context.Background()
		doc, err := f.gateway.Fetch(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "after.txt", doc.Name)
	})

	t.Run("remote rename moves the local file", func(t *testing.T) {
		ref := f.gateway.Seed(testutil.RootRef, "renamed.txt", []byte("y"))
		testutil.WriteFile(t, f.root, "original.txt", "y")

		pair := f.insert(t, "original.txt", false, models.StateSynchronized, models.StateMoved)
		pair.RemoteRef = ref
		pair.RemoteParentRef = testutil.RootRef
		pair.RemoteName = "renamed.txt"
		require.NoError(t, f.store.UpdatePair(pair))

		f.process(t, pair.ID)

		assert.NoFileExists(t, filepath.Join(f.root, "original.txt"))
		assert.Equal(t, "y", testutil.ReadFile(t, f.root, "renamed.txt"))

		got, err := f.store.GetPair(pair.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed.txt", got.LocalPath)
		assert.Equal(t, models.PairSynchronized, got.PairState)
	})
}

func TestPauseHaltsDequeues(t *testing.T) {
	f := newPoolFixture(t)

	f.pool.Pause()
	assert.True(t, f.pool.Paused())
	f.pool.Resume()
	assert.False(t, f.pool.Paused())
}
