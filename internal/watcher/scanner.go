// Package watcher observes the local sync root, first with a full
// tree scan and then through OS filesystem notifications, and records
// the observed local side state of every pair.
package watcher

import (
	"context"
	"errors"
	"strings"

	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/localfs"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/store"
)

// Scanner walks the local tree and reconciles what it finds against
// the stored pairs. Scanning is idempotent; a second pass over an
// unchanged tree writes nothing.
type Scanner struct {
	local      *localfs.LocalStore
	store      *store.Store
	logger     *events.Logger
	digestAlgo string

	// wake is signalled after a scan that changed at least one pair.
	wake chan<- struct{}
}

// NewScanner creates a scanner bound to the local store and state
// database. The wake channel is poked (non-blocking) whenever a scan
// records new observations.
func NewScanner(local *localfs.LocalStore, st *store.Store, digestAlgo string, wake chan<- struct{}, logger *events.Logger) *Scanner {
	if digestAlgo == "" {
		digestAlgo = "md5"
	}
	return &Scanner{
		local:      local,
		store:      st,
		logger:     logger.WithField("component", "scanner"),
		digestAlgo: digestAlgo,
		wake:       wake,
	}
}

// ScanAll walks the whole sync root and additionally marks pairs whose
// local path has vanished as locally deleted.
func (s *Scanner) ScanAll(ctx context.Context) error {
	seen := make(map[string]bool)
	changed, err := s.scanTree(ctx, "", seen)
	if err != nil {
		return err
	}

	deleted, err := s.markMissing(ctx, "", seen)
	if err != nil {
		return err
	}

	if changed || deleted {
		s.poke()
	}
	return nil
}

// ScanSubtree rescans one subtree, used after a watch overflow or when
// a directory moved into the root.
func (s *Scanner) ScanSubtree(ctx context.Context, relPath string) error {
	if !s.local.Exists(relPath) {
		return nil
	}

	seen := make(map[string]bool)
	seen[relPath] = true
	changed, err := s.scanTree(ctx, relPath, seen)
	if err != nil {
		return err
	}

	deleted, err := s.markMissing(ctx, relPath, seen)
	if err != nil {
		return err
	}

	if changed || deleted {
		s.poke()
	}
	return nil
}

// scanTree walks relPath depth-first, applying each entry and
// collecting the paths it saw.
func (s *Scanner) scanTree(ctx context.Context, relPath string, seen map[string]bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, models.ErrEngineStopped
	}

	children, err := s.local.GetChildrenInfo(relPath)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	changed := false
	for _, info := range children {
		seen[info.Path] = true

		didChange, err := s.applyInfo(ctx, info)
		if err != nil {
			if errors.Is(err, models.ErrEngineStopped) {
				return changed, err
			}
			s.logger.WithError(err).WithField("path", info.Path).Warn("Could not record local observation")
			continue
		}
		changed = changed || didChange

		if info.Folderish {
			sub, err := s.scanTree(ctx, info.Path, seen)
			if err != nil {
				return changed, err
			}
			changed = changed || sub
		}
	}
	return changed, nil
}

// applyInfo records one local observation: a new pair for an unknown
// path, a move when the path carries a known remote id, or a content
// change detected by mtime and confirmed by digest.
func (s *Scanner) applyInfo(ctx context.Context, info models.FileInfo) (bool, error) {
	pair, err := s.store.GetPairByLocalPath(info.Path)
	if errors.Is(err, models.ErrNotFound) {
		return s.adoptPath(ctx, info)
	}
	if err != nil {
		return false, err
	}

	if pair.Folderish || info.Folderish {
		if pair.Folderish != info.Folderish {
			// A file replaced a folder (or the reverse) under the same
			// name. Treat the old side as deleted and adopt the new one.
			pair.LocalState = models.StateDeleted
			if err := s.store.UpdatePair(pair); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	}

	if pair.LastLocalMtime.Equal(info.ModTime) {
		return false, nil
	}

	digest, err := s.local.ComputeDigest(info.Path, s.digestAlgo, cancelled(ctx))
	if err != nil {
		return false, err
	}

	pair.LastLocalMtime = info.ModTime
	if digest == pair.LocalDigest {
		// Touched but unchanged; remember the mtime so the next scan
		// skips the digest.
		if err := s.store.UpdatePair(pair); err != nil {
			return false, err
		}
		return false, nil
	}

	pair.LocalDigest = digest
	if pair.LocalState == models.StateSynchronized || pair.LocalState == models.StateUnknown {
		pair.LocalState = models.StateModified
	}
	if err := s.store.UpdatePair(pair); err != nil {
		return false, err
	}
	return true, nil
}

// adoptPath handles a path with no pair row: a local move when the
// remote id annotation points at an existing pair, a plain creation
// otherwise.
func (s *Scanner) adoptPath(ctx context.Context, info models.FileInfo) (bool, error) {
	if info.RemoteID != "" {
		existing, err := s.store.GetPairByRemoteRef(info.RemoteID)
		// The old path must be vacated before the row moves. A case-only
		// rename still stats at the old spelling on a case-insensitive
		// filesystem, so that alias counts as vacated too.
		if err == nil && existing.LocalPath != info.Path &&
			(!s.local.Exists(existing.LocalPath) || s.local.SamePath(existing.LocalPath, info.Path)) {
			existing.UpdateLocal(info.Path)
			existing.LastLocalMtime = info.ModTime
			existing.LocalState = models.StateMoved
			if err := s.store.UpdatePair(existing); err != nil {
				return false, err
			}
			return true, nil
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return false, err
		}
	}

	pair := &models.Pair{
		Folderish:      info.Folderish,
		LastLocalMtime: info.ModTime,
		LocalState:     models.StateCreated,
		RemoteState:    models.StateUnknown,
		RemoteRef:      info.RemoteID,
	}
	pair.UpdateLocal(info.Path)

	if !info.Folderish {
		digest, err := s.local.ComputeDigest(info.Path, s.digestAlgo, cancelled(ctx))
		if err != nil {
			if errors.Is(err, models.ErrEngineStopped) {
				return false, err
			}
			s.logger.WithError(err).WithField("path", info.Path).Warn("Could not digest new file")
		} else {
			pair.LocalDigest = digest
		}
	}

	if err := s.store.InsertPair(pair); err != nil {
		return false, err
	}
	return true, nil
}

// markMissing flips pairs under prefix whose local path no longer
// exists to locally deleted.
func (s *Scanner) markMissing(ctx context.Context, prefix string, seen map[string]bool) (bool, error) {
	pairs, err := s.store.PairsUnderLocalPath(prefix)
	if err != nil {
		return false, err
	}

	changed := false
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return changed, models.ErrEngineStopped
		}
		if pair.IsRoot() || seen[pair.LocalPath] {
			continue
		}
		if pair.LocalState == models.StateDeleted || pair.LocalState == models.StateUnsynchronized {
			continue
		}
		if s.local.Exists(pair.LocalPath) {
			continue
		}

		pair.LocalState = models.StateDeleted
		if err := s.store.UpdatePair(pair); err != nil {
			s.logger.WithError(err).WithField("path", pair.LocalPath).Warn("Could not mark pair deleted")
			continue
		}
		changed = true
	}
	return changed, nil
}

// MarkDeleted records a local deletion observed by the live watcher
// for a path and everything under it.
func (s *Scanner) MarkDeleted(ctx context.Context, relPath string) error {
	seen := make(map[string]bool)
	deleted, err := s.markMissing(ctx, relPath, seen)
	if err != nil {
		return err
	}
	if deleted {
		s.poke()
	}
	return nil
}

// poke wakes the reconciler without blocking.
func (s *Scanner) poke() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// cancelled adapts a context to the digest cancellation check.
func cancelled(ctx context.Context) func() bool {
	return func() bool { return ctx.Err() != nil }
}

// parentAndName splits a relative path for ignore checks.
func parentAndName(relPath string) (string, string) {
	if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
		return relPath[:i], relPath[i+1:]
	}
	return "", relPath
}
