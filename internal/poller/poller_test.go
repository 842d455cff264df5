package poller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/test/testutil"
)

type pollFixture struct {
	gateway *testutil.FakeGateway
	store   *store.Store
	bus     *events.Bus
	poller  *Poller
	wake    chan struct{}
}

func newPollFixture(t *testing.T) *pollFixture {
	t.Helper()
	logger := testutil.NewTestLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gateway := testutil.NewFakeGateway()
	bus := events.NewBus(logger)
	holder := config.NewReloadableHolder(&config.Reloadable{PollInterval: 10 * time.Millisecond})
	wake := make(chan struct{}, 1)

	return &pollFixture{
		gateway: gateway,
		store:   st,
		bus:     bus,
		poller:  New(gateway, st, bus, holder, time.Minute, testutil.RootRef, wake, logger),
		wake:    wake,
	}
}

func TestPollAdoptsRemoteCreations(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()

	folderRef := f.gateway.Seed(testutil.RootRef, "docs", nil)
	fileRef := f.gateway.Seed(folderRef, "readme.md", []byte("hello"))

	require.NoError(t, f.poller.PollOnce(ctx))

	folder, err := f.store.GetPairByRemoteRef(folderRef)
	require.NoError(t, err)
	assert.Equal(t, "docs", folder.LocalPath)
	assert.Equal(t, models.PairRemotelyCreated, folder.PairState)
	assert.True(t, folder.Folderish)

	file, err := f.store.GetPairByRemoteRef(fileRef)
	require.NoError(t, err)
	assert.Equal(t, "docs/readme.md", file.LocalPath)
	assert.Equal(t, models.PairRemotelyCreated, file.PairState)
	assert.NotEmpty(t, file.RemoteDigest)

	assert.Len(t, f.wake, 1)

	t.Run("replaying the batch is a no-op", func(t *testing.T) {
		require.NoError(t, f.store.SetConfig("remote_cursor", ""))
		before, err := f.store.GetPairByRemoteRef(fileRef)
		require.NoError(t, err)

		require.NoError(t, f.poller.PollOnce(ctx))

		after, err := f.store.GetPairByRemoteRef(fileRef)
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
	})
}

func TestPollRecordsModificationAndMove(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()

	ref := f.gateway.Seed(testutil.RootRef, "note.txt", []byte("v1"))
	require.NoError(t, f.poller.PollOnce(ctx))

	pair, err := f.store.GetPairByRemoteRef(ref)
	require.NoError(t, err)
	pair.LocalState = models.StateSynchronized
	pair.RemoteState = models.StateSynchronized
	require.NoError(t, f.store.UpdatePair(pair))

	t.Run("content change", func(t *testing.T) {
		f.gateway.Mutate(ref, []byte("v2"))
		require.NoError(t, f.poller.PollOnce(ctx))

		got, err := f.store.GetPairByRemoteRef(ref)
		require.NoError(t, err)
		assert.Equal(t, models.PairRemotelyModified, got.PairState)
	})

	t.Run("rename", func(t *testing.T) {
		got, err := f.store.GetPairByRemoteRef(ref)
		require.NoError(t, err)
		got.LocalState = models.StateSynchronized
		got.RemoteState = models.StateSynchronized
		require.NoError(t, f.store.UpdatePair(got))

		_, err = f.gateway.Rename(ctx, ref, "renamed.txt")
		require.NoError(t, err)
		require.NoError(t, f.poller.PollOnce(ctx))

		got, err = f.store.GetPairByRemoteRef(ref)
		require.NoError(t, err)
		assert.Equal(t, models.StateMoved, got.RemoteState)
		assert.Equal(t, "renamed.txt", got.RemoteName)
	})
}

func TestPollRecordsDeletion(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()

	ref := f.gateway.Seed(testutil.RootRef, "gone.txt", []byte("bye"))
	require.NoError(t, f.poller.PollOnce(ctx))

	pair, err := f.store.GetPairByRemoteRef(ref)
	require.NoError(t, err)
	pair.LocalState = models.StateSynchronized
	pair.RemoteState = models.StateSynchronized
	require.NoError(t, f.store.UpdatePair(pair))

	f.gateway.Remove(ref)
	require.NoError(t, f.poller.PollOnce(ctx))

	got, err := f.store.GetPairByRemoteRef(ref)
	require.NoError(t, err)
	assert.Equal(t, models.PairRemotelyDeleted, got.PairState)
}

func TestPollCursorAdvancesAfterApply(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()

	f.gateway.Seed(testutil.RootRef, "a.txt", []byte("a"))
	require.NoError(t, f.poller.PollOnce(ctx))

	cursor, err := f.store.GetConfig("remote_cursor", "")
	require.NoError(t, err)
	assert.NotEmpty(t, cursor)

	t.Run("failed batch leaves the cursor alone", func(t *testing.T) {
		f.gateway.Seed(testutil.RootRef, "b.txt", []byte("b"))
		f.gateway.Faults["changes"] = &models.RemoteError{Kind: models.KindTransient, Message: "boom"}

		require.Error(t, f.poller.PollOnce(ctx))

		after, err := f.store.GetConfig("remote_cursor", "")
		require.NoError(t, err)
		assert.Equal(t, cursor, after)

		delete(f.gateway.Faults, "changes")
		require.NoError(t, f.poller.PollOnce(ctx))

		_, err = f.store.GetPairByLocalPath("b.txt")
		require.NoError(t, err)
	})
}

func TestPollUnauthorizedPublishesEvent(t *testing.T) {
	f := newPollFixture(t)

	sub, cancel := f.bus.Subscribe()
	defer cancel()

	f.gateway.Faults["changes"] = &models.RemoteError{Kind: models.KindUnauthorized, Message: "expired"}

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.poller.Run(ctx)
	}()

	select {
	case evt := <-sub:
		assert.Equal(t, events.CredentialsInvalid, evt.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("credential event never published")
	}

	stop()
	<-done
}

func TestPollFilteredSubtreeIsSkipped(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddFilter("/private"))

	folderRef := f.gateway.Seed(testutil.RootRef, "private", nil)
	fileRef := f.gateway.Seed(folderRef, "secret.txt", []byte("s"))

	require.NoError(t, f.poller.PollOnce(ctx))

	_, err := f.store.GetPairByRemoteRef(folderRef)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.store.GetPairByRemoteRef(fileRef)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
