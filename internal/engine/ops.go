package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/poller"
)

// Conflicts returns the pairs waiting on a user decision.
func (e *Engine) Conflicts() ([]*models.Pair, error) {
	return e.store.ConflictPairs()
}

// Errors returns the pairs blacklisted after repeated failures.
func (e *Engine) Errors() ([]*models.Pair, error) {
	return e.store.ErrorPairs(e.cfg.Sync.MaxErrors)
}

// Unsynchronized returns the pairs excluded from sync, by filter or by
// remote permission.
func (e *Engine) Unsynchronized() ([]*models.Pair, error) {
	return e.store.UnsynchronizedPairs()
}

// Sessions returns batch sessions still in flight.
func (e *Engine) Sessions() ([]*models.Session, error) {
	return e.store.ActiveSessions()
}

func (e *Engine) conflictedPair(pairID int64) (*models.Pair, error) {
	pair, err := e.store.GetPair(pairID)
	if err != nil {
		return nil, err
	}
	if pair.PairState != models.PairConflicted {
		return nil, fmt.Errorf("pair %d is %s, not conflicted", pairID, pair.PairState)
	}
	return pair, nil
}

// ResolveWithLocal settles a conflict by uploading the local version.
func (e *Engine) ResolveWithLocal(pairID int64) error {
	pair, err := e.conflictedPair(pairID)
	if err != nil {
		return err
	}

	pair.LocalState = models.StateResolved
	pair.RemoteState = models.StateUnknown
	if err := e.store.UpdatePair(pair); err != nil {
		return err
	}
	e.queue.Push(pair.ID)
	return nil
}

// ResolveWithRemote settles a conflict by downloading the remote
// version over the local one.
func (e *Engine) ResolveWithRemote(pairID int64) error {
	pair, err := e.conflictedPair(pairID)
	if err != nil {
		return err
	}

	pair.LocalState = models.StateUnknown
	pair.RemoteState = models.StateModified
	if err := e.store.UpdatePair(pair); err != nil {
		return err
	}
	e.queue.Push(pair.ID)
	return nil
}

// ResolveKeepBoth settles a conflict by renaming the local version to
// a conflict copy and downloading the remote one. The copy is adopted
// by the scanner as a fresh creation and uploaded in turn.
func (e *Engine) ResolveKeepBoth(ctx context.Context, pairID int64) error {
	pair, err := e.conflictedPair(pairID)
	if err != nil {
		return err
	}
	if pair.Folderish {
		return fmt.Errorf("pair %d is a folder, resolve with one side instead", pairID)
	}

	copyName := e.conflictCopyName(pair.LocalParentPath, pair.LocalName)
	copyPath, err := e.local.Rename(pair.LocalPath, copyName)
	if err != nil {
		return err
	}
	if err := e.local.RemoveRemoteID(copyPath); err != nil && !errors.Is(err, models.ErrXattrUnsupported) {
		e.logger.WithError(err).WithField("path", copyPath).Warn("Could not unbind conflict copy")
	}

	pair.LocalState = models.StateUnknown
	pair.RemoteState = models.StateModified
	if err := e.store.UpdatePair(pair); err != nil {
		return err
	}

	if err := e.scanner.ScanSubtree(ctx, pair.LocalParentPath); err != nil {
		e.logger.WithError(err).Warn("Could not scan conflict copy")
	}
	e.queue.Push(pair.ID)
	return nil
}

// conflictCopyName derives a free sibling name for the kept local
// version.
func (e *Engine) conflictCopyName(parent, name string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := fmt.Sprintf("%s (conflict copy)%s", stem, ext)
	for i := 2; ; i++ {
		rel := candidate
		if parent != "" {
			rel = parent + "/" + candidate
		}
		if !e.local.Exists(rel) {
			return candidate
		}
		candidate = fmt.Sprintf("%s (conflict copy %d)%s", stem, i, ext)
	}
}

// Filters returns the active remote-path filters.
func (e *Engine) Filters() ([]string, error) {
	return e.store.GetFilters()
}

// AddFilter excludes a remote subtree from sync. Already-synced rows
// under it flip to unsynchronized; local content is left alone.
func (e *Engine) AddFilter(remotePath string) error {
	if err := e.store.AddFilter(remotePath); err != nil {
		return err
	}
	e.pokeWake()
	return nil
}

// RemoveFilter re-includes a remote subtree. The change cursor is
// reset so the next poll replays the full change log and rebuilds the
// subtree.
func (e *Engine) RemoveFilter(remotePath string) error {
	if err := e.store.RemoveFilter(remotePath); err != nil {
		return err
	}
	if err := e.store.ReactivateUnder(remotePath); err != nil {
		return err
	}
	if err := e.store.DeleteConfig(poller.CursorKey); err != nil {
		return err
	}
	e.pokeWake()
	return nil
}

func (e *Engine) pokeWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
