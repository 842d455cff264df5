package store

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	logger := events.NewTestLogger(events.ErrorLevel, "text", io.Discard)

	s, err := Open(filepath.Join(dir, "engine.db"), filepath.Join(dir, "backups"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makePair(localPath string, folderish bool, local, remote models.State) *models.Pair {
	p := &models.Pair{
		Folderish:   folderish,
		LocalState:  local,
		RemoteState: remote,
	}
	p.UpdateLocal(localPath)
	p.RemoteName = p.LocalName
	return p
}

func TestMigrations(t *testing.T) {
	t.Run("fresh database reaches latest version", func(t *testing.T) {
		s := newTestStore(t)

		v, err := s.userVersion()
		require.NoError(t, err)
		assert.Equal(t, migrations[len(migrations)-1].version, v)
		assert.False(t, s.RebuildNeeded())
	})

	t.Run("legacy counter is translated once", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "engine.db")
		logger := events.NewTestLogger(events.ErrorLevel, "text", io.Discard)

		s, err := Open(path, "", logger)
		require.NoError(t, err)
		require.NoError(t, s.SetConfig("schema_version", "21"))
		require.NoError(t, s.setUserVersion(0))
		require.NoError(t, s.Close())

		s, err = Open(path, "", logger)
		require.NoError(t, err)
		defer s.Close()

		v, err := s.userVersion()
		require.NoError(t, err)
		assert.Equal(t, migrations[len(migrations)-1].version, v)
	})
}

func TestPairCRUD(t *testing.T) {
	s := newTestStore(t)

	p := makePair("docs/report.txt", false, models.StateCreated, models.StateUnknown)
	p.LocalDigest = "abc123"
	require.NoError(t, s.InsertPair(p))
	assert.NotZero(t, p.ID)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, models.PairLocallyCreated, p.PairState)

	t.Run("lookup by id, path and ref", func(t *testing.T) {
		got, err := s.GetPair(p.ID)
		require.NoError(t, err)
		assert.Equal(t, "docs/report.txt", got.LocalPath)
		assert.Equal(t, "docs", got.LocalParentPath)
		assert.Equal(t, "report.txt", got.LocalName)
		assert.Equal(t, "abc123", got.LocalDigest)

		_, err = s.GetPairByLocalPath("docs/report.txt")
		require.NoError(t, err)

		_, err = s.GetPairByLocalPath("docs/missing.txt")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("update bumps version", func(t *testing.T) {
		got, err := s.GetPair(p.ID)
		require.NoError(t, err)

		got.RemoteRef = "doc-001"
		got.LocalState = models.StateSynchronized
		got.RemoteState = models.StateSynchronized
		require.NoError(t, s.UpdatePair(got))
		assert.Equal(t, int64(2), got.Version)

		fresh, err := s.GetPairByRemoteRef("doc-001")
		require.NoError(t, err)
		assert.Equal(t, models.PairSynchronized, fresh.PairState)
	})

	t.Run("stale update is rejected", func(t *testing.T) {
		stale, err := s.GetPair(p.ID)
		require.NoError(t, err)
		fresh, err := s.GetPair(p.ID)
		require.NoError(t, err)

		require.NoError(t, s.UpdatePair(fresh))
		assert.ErrorIs(t, s.UpdatePair(stale), models.ErrCannotAcquire)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, s.RemovePair(p.ID))
		_, err := s.GetPair(p.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestAcquirePair(t *testing.T) {
	s := newTestStore(t)

	p := makePair("notes.md", false, models.StateModified, models.StateSynchronized)
	require.NoError(t, s.InsertPair(p))

	claim, err := s.AcquirePair(p.ID, 7, p.Version)
	require.NoError(t, err)

	t.Run("second claim fails", func(t *testing.T) {
		_, err := s.AcquirePair(p.ID, 8, p.Version)
		assert.ErrorIs(t, err, models.ErrCannotAcquire)
	})

	t.Run("release reopens the pair", func(t *testing.T) {
		claim.Release()
		claim.Release() // idempotent

		got, err := s.GetPair(p.ID)
		require.NoError(t, err)
		assert.Zero(t, got.Processor)

		c2, err := s.AcquirePair(p.ID, 8, got.Version)
		require.NoError(t, err)
		c2.Release()
	})

	t.Run("stale version cannot claim", func(t *testing.T) {
		got, err := s.GetPair(p.ID)
		require.NoError(t, err)
		require.NoError(t, s.UpdatePair(got))

		_, err = s.AcquirePair(p.ID, 9, got.Version-1)
		assert.ErrorIs(t, err, models.ErrCannotAcquire)
	})

	t.Run("stale processors are reset on startup", func(t *testing.T) {
		got, err := s.GetPair(p.ID)
		require.NoError(t, err)
		_, err = s.AcquirePair(p.ID, 11, got.Version)
		require.NoError(t, err)

		n, err := s.ResetStaleProcessors()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err = s.GetPair(p.ID)
		require.NoError(t, err)
		assert.Zero(t, got.Processor)
	})
}

func TestPendingPairs(t *testing.T) {
	s := newTestStore(t)

	insert := func(path string, folderish bool, local, remote models.State) *models.Pair {
		p := makePair(path, folderish, local, remote)
		require.NoError(t, s.InsertPair(p))
		return p
	}

	insert("sync.done", false, models.StateSynchronized, models.StateSynchronized)
	insert("a/b/file.txt", false, models.StateCreated, models.StateUnknown)
	insert("a", true, models.StateCreated, models.StateUnknown)
	insert("a/b", true, models.StateCreated, models.StateUnknown)
	insert("gone/deep", false, models.StateDeleted, models.StateSynchronized)
	insert("gone", true, models.StateDeleted, models.StateSynchronized)

	pending, err := s.PendingPairs(10)
	require.NoError(t, err)
	require.Len(t, pending, 5)

	paths := make([]string, len(pending))
	for i, p := range pending {
		paths[i] = p.LocalPath
	}

	// Creations run parent before child, deletions run child before
	// parent and after the creations.
	assert.Equal(t, []string{"a", "a/b", "a/b/file.txt", "gone/deep", "gone"}, paths)

	t.Run("blacklisted pairs wait for their retry time", func(t *testing.T) {
		p := pending[0]
		require.NoError(t, s.RecordPairError(p.ID, "boom", "detail", 1, time.Now().Add(time.Hour)))

		again, err := s.PendingPairs(10)
		require.NoError(t, err)
		assert.Len(t, again, 4)

		require.NoError(t, s.ClearPairError(p.ID))
		again, err = s.PendingPairs(10)
		require.NoError(t, err)
		assert.Len(t, again, 5)
	})
}

func TestPairErrors(t *testing.T) {
	s := newTestStore(t)

	p := makePair("broken.txt", false, models.StateModified, models.StateSynchronized)
	require.NoError(t, s.InsertPair(p))

	retry := time.Now().Add(2 * time.Minute)
	require.NoError(t, s.RecordPairError(p.ID, "remote unavailable", "HTTP 503", 2, retry))

	got, err := s.GetPair(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ErrorCount)
	assert.Equal(t, "remote unavailable", got.LastError)
	assert.WithinDuration(t, retry, got.NextRetry, time.Second)

	errored, err := s.ErrorPairs(2)
	require.NoError(t, err)
	assert.Len(t, errored, 1)

	require.NoError(t, s.ClearPairError(p.ID))
	got, err = s.GetPair(p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ErrorCount)
	assert.True(t, got.NextRetry.IsZero())
}

func TestConfigTable(t *testing.T) {
	s := newTestStore(t)

	t.Run("string round trip with fallback", func(t *testing.T) {
		v, err := s.GetConfig("remote_cursor", "")
		require.NoError(t, err)
		assert.Empty(t, v)

		require.NoError(t, s.SetConfig("remote_cursor", "cursor-42"))
		v, err = s.GetConfig("remote_cursor", "")
		require.NoError(t, err)
		assert.Equal(t, "cursor-42", v)
	})

	t.Run("typed values", func(t *testing.T) {
		require.NoError(t, s.SetConfigBool("first_scan_done", true))
		b, err := s.GetConfigBool("first_scan_done", false)
		require.NoError(t, err)
		assert.True(t, b)

		require.NoError(t, s.SetConfigInt("scan_count", 3))
		n, err := s.GetConfigInt("scan_count", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		_, err = s.GetConfigInt("first_scan_done", 0)
		assert.Error(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteConfig("remote_cursor"))
		v, err := s.GetConfig("remote_cursor", "none")
		require.NoError(t, err)
		assert.Equal(t, "none", v)
	})
}

func TestFilters(t *testing.T) {
	s := newTestStore(t)

	p := makePair("projects/secret/plan.txt", false, models.StateSynchronized, models.StateSynchronized)
	p.RemoteRef = "doc-plan"
	p.RemoteDigest = "d1"
	require.NoError(t, s.InsertPair(p))

	// The scanner adopts local-first pairs with no remote columns yet.
	localOnly := makePair("projects/secret/draft.txt", false, models.StateCreated, models.StateUnknown)
	require.NoError(t, s.InsertPair(localOnly))

	require.NoError(t, s.AddFilter("/projects/secret"))

	t.Run("filter matching is segment aware", func(t *testing.T) {
		filtered, err := s.IsFiltered("/projects/secret/plan.txt")
		require.NoError(t, err)
		assert.True(t, filtered)

		filtered, err = s.IsFiltered("/projects/secretive")
		require.NoError(t, err)
		assert.False(t, filtered)
	})

	t.Run("pairs under the filter become unsynchronized", func(t *testing.T) {
		got, err := s.GetPair(p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PairUnsynchronized, got.PairState)
		assert.Equal(t, models.StateUnsynchronized, got.LocalState)
		assert.Zero(t, got.Processor)
	})

	t.Run("local-only pairs are parked too", func(t *testing.T) {
		got, err := s.GetPair(localOnly.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PairUnsynchronized, got.PairState)

		pending, err := s.PendingPairs(10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("a remote edit does not unpark the pair", func(t *testing.T) {
		got, err := s.GetPair(p.ID)
		require.NoError(t, err)
		got.RemoteDigest = "d2"
		got.RemoteState = models.StateModified
		require.NoError(t, s.UpdatePair(got))

		got, err = s.GetPair(p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PairUnsynchronized, got.PairState)

		pending, err := s.PendingPairs(10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("broader filter subsumes narrower ones", func(t *testing.T) {
		require.NoError(t, s.AddFilter("/projects"))

		filters, err := s.GetFilters()
		require.NoError(t, err)
		assert.Equal(t, []string{"/projects/"}, filters)

		// Adding a child of an active filter is a no-op.
		require.NoError(t, s.AddFilter("/projects/other"))
		filters, err = s.GetFilters()
		require.NoError(t, err)
		assert.Len(t, filters, 1)
	})

	t.Run("remove and reactivate", func(t *testing.T) {
		require.NoError(t, s.RemoveFilter("/projects"))
		filtered, err := s.IsFiltered("/projects/secret")
		require.NoError(t, err)
		assert.False(t, filtered)

		require.NoError(t, s.ReactivateUnder("/projects"))
		got, err := s.GetPair(p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PairRemotelyCreated, got.PairState)
	})
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("default", 2)
	require.NoError(t, err)
	assert.Equal(t, models.SessionOngoing, sess.Status)
	assert.Equal(t, 2, sess.TotalItems)

	sess, err = s.SessionItemDone(sess.UID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionOngoing, sess.Status)
	assert.Equal(t, 1, sess.UploadedItems)

	active, err := s.ActiveSessions()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	sess, err = s.SessionItemDone(sess.UID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionDone, sess.Status)
	assert.False(t, sess.CompletedOn.IsZero())

	active, err = s.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestTransfers(t *testing.T) {
	s := newTestStore(t)

	p := makePair("big.bin", false, models.StateCreated, models.StateUnknown)
	require.NoError(t, s.InsertPair(p))

	tr := &models.Transfer{
		PairID:     p.ID,
		Direction:  models.TransferDownload,
		TmpPath:    ".big.bin.part",
		TotalBytes: 1 << 20,
		ChunkSize:  1 << 16,
		RequestUID: "req-1",
	}
	require.NoError(t, s.CreateTransfer(tr))
	assert.NotZero(t, tr.ID)

	require.NoError(t, s.UpdateTransferProgress(tr.ID, 4096, models.TransferInProgress))

	got, err := s.GetTransferByPair(p.ID, models.TransferDownload)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.Transferred)
	assert.Equal(t, int64(1<<20-4096), got.Remaining())

	resumable, err := s.ResumableTransfers()
	require.NoError(t, err)
	assert.Len(t, resumable, 1)

	require.NoError(t, s.UpdateTransferProgress(tr.ID, 1<<20, models.TransferDone))
	_, err = s.GetTransferByPair(p.ID, models.TransferDownload)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.RemoveTransfer(tr.ID))
}

func TestCorruptionRecovery(t *testing.T) {
	logger := events.NewTestLogger(events.ErrorLevel, "text", io.Discard)

	t.Run("restores from backup", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "engine.db")
		backups := filepath.Join(dir, "backups")

		s, err := Open(path, backups, logger)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o600))

		s, err = Open(path, backups, logger)
		require.NoError(t, err)
		defer s.Close()

		assert.False(t, s.RebuildNeeded())
		v, err := s.userVersion()
		require.NoError(t, err)
		assert.Equal(t, migrations[len(migrations)-1].version, v)
	})

	t.Run("rebuilds without a backup", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "engine.db")

		require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o600))

		s, err := Open(path, "", logger)
		require.NoError(t, err)
		defer s.Close()

		assert.True(t, s.RebuildNeeded())
	})
}
