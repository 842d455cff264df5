// Package poller pulls the remote change log on a schedule and
// records the observed remote side state of the affected pairs.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/store"
)

// CursorKey is the config-table key holding the last durably applied
// change log position. Deleting it forces a full change-log replay on
// the next poll.
const CursorKey = "remote_cursor"

// Poller drives the change log loop. Batches are applied before the
// cursor advances, so a crash replays a batch rather than losing one;
// replays are no-ops because observations are idempotent.
type Poller struct {
	gateway remote.Gateway
	store   *store.Store
	bus     *events.Bus
	reload  *config.ReloadableHolder
	logger  *events.Logger

	maxBackoff time.Duration
	wake       chan<- struct{}

	rootRef string
}

// New creates a poller. rootRef is the remote ref bound to the sync
// root; a deleted-root change for it stops the engine. The wake
// channel is poked after a batch that changed state.
func New(gateway remote.Gateway, st *store.Store, bus *events.Bus, reload *config.ReloadableHolder,
	maxBackoff time.Duration, rootRef string, wake chan<- struct{}, logger *events.Logger) *Poller {
	return &Poller{
		gateway:    gateway,
		store:      st,
		bus:        bus,
		reload:     reload,
		logger:     logger.WithField("component", "remote_poller"),
		maxBackoff: maxBackoff,
		wake:       wake,
		rootRef:    rootRef,
	}
}

// Run polls until the context is cancelled. Transient failures back
// off exponentially up to the configured maximum; an authorization
// failure publishes the credential event and parks the loop at the
// maximum interval until the context ends.
func (p *Poller) Run(ctx context.Context) error {
	backoff := time.Duration(0)

	for {
		interval := p.reload.Load().PollInterval
		if backoff > 0 {
			interval = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		err := p.PollOnce(ctx)
		switch {
		case err == nil:
			backoff = 0

		case errors.Is(err, context.Canceled):
			return err

		case errors.Is(err, models.ErrUnauthorized):
			p.logger.Error("Remote rejected credentials, pausing poll loop")
			p.bus.Publish(events.Event{Type: events.CredentialsInvalid, Error: err.Error()})
			backoff = p.maxBackoff

		default:
			if backoff == 0 {
				backoff = p.reload.Load().PollInterval
			}
			backoff *= 2
			if backoff > p.maxBackoff {
				backoff = p.maxBackoff
			}
			p.logger.WithError(err).WithField("backoff", backoff.String()).Warn("Change poll failed")
		}
	}
}

// PollOnce fetches and applies one change log batch, then persists the
// cursor.
func (p *Poller) PollOnce(ctx context.Context) error {
	cursor, err := p.store.GetConfig(CursorKey, "")
	if err != nil {
		return err
	}

	changes, next, err := p.gateway.Changes(ctx, cursor)
	if err != nil {
		return err
	}

	changed := false
	for _, change := range changes {
		didChange, err := p.apply(change)
		if err != nil {
			return fmt.Errorf("apply change %s %s: %w", change.Type, change.Ref, err)
		}
		changed = changed || didChange
	}

	if next != "" && next != cursor {
		if err := p.store.SetConfig(CursorKey, next); err != nil {
			return err
		}
	}

	if changed {
		p.poke()
	}
	return nil
}

// apply records one remote observation.
func (p *Poller) apply(change models.RemoteChange) (bool, error) {
	switch change.Type {
	case models.ChangeRootLost:
		if change.Ref == p.rootRef {
			p.logger.Error("Remote sync root was unregistered")
			p.bus.Publish(events.Event{Type: events.RootLost, RemoteRef: change.Ref})
		}
		return false, nil

	case models.ChangeDeleted:
		return p.applyDeleted(change.Ref)

	case models.ChangeCreated:
		return p.applyCreated(change)

	case models.ChangeUpdated, models.ChangeMoved:
		return p.applyUpdated(change)
	}

	p.logger.WithField("type", string(change.Type)).Debug("Ignoring unknown change type")
	return false, nil
}

func (p *Poller) applyDeleted(ref string) (bool, error) {
	pair, err := p.store.GetPairByRemoteRef(ref)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if pair.RemoteState == models.StateDeleted {
		return false, nil
	}

	pair.RemoteState = models.StateDeleted
	if err := p.store.UpdatePair(pair); err != nil {
		return false, p.ignoreRace(err, pair.ID)
	}
	return true, nil
}

func (p *Poller) applyCreated(change models.RemoteChange) (bool, error) {
	if change.Doc == nil {
		return false, nil
	}
	doc := *change.Doc

	// Replays and engine-originated creations land on an existing row.
	if pair, err := p.store.GetPairByRemoteRef(doc.Ref); err == nil {
		return p.refreshRemote(pair, doc)
	} else if !errors.Is(err, models.ErrNotFound) {
		return false, err
	}

	parentPath, ok, err := p.resolveParent(doc.ParentRef)
	if err != nil {
		return false, err
	}
	if !ok {
		// The parent is not under the sync root (or is filtered);
		// nothing to track.
		return false, nil
	}

	localPath := doc.Name
	if parentPath != "" {
		localPath = parentPath + "/" + doc.Name
	}

	// The remote tree mirrors the local one, so the rooted local path
	// doubles as the filter key.
	if filtered, err := p.store.IsFiltered("/" + localPath); err != nil {
		return false, err
	} else if filtered {
		return false, nil
	}

	pair := &models.Pair{
		Folderish:       doc.Folderish,
		RemoteRef:       doc.Ref,
		RemoteParentRef: doc.ParentRef,
		RemoteName:      doc.Name,
		RemoteDigest:    doc.Digest,
		LastRemoteMtime: doc.ModTime,
		LocalState:      models.StateUnknown,
		RemoteState:     models.StateCreated,
	}
	pair.UpdateLocal(localPath)
	pair.RemoteParentPath = "/" + parentPath

	// The local scan may have adopted the path first; fold the remote
	// side into that row instead of duplicating it.
	if existing, err := p.store.GetPairByLocalPath(localPath); err == nil {
		existing.RemoteRef = doc.Ref
		existing.RemoteParentRef = doc.ParentRef
		existing.RemoteParentPath = "/" + parentPath
		existing.RemoteName = doc.Name
		existing.RemoteDigest = doc.Digest
		existing.LastRemoteMtime = doc.ModTime
		existing.RemoteState = models.StateCreated
		if err := p.store.UpdatePair(existing); err != nil {
			return false, p.ignoreRace(err, existing.ID)
		}
		return true, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return false, err
	}

	if err := p.store.InsertPair(pair); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Poller) applyUpdated(change models.RemoteChange) (bool, error) {
	if change.Doc == nil {
		return false, nil
	}

	pair, err := p.store.GetPairByRemoteRef(change.Ref)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.refreshRemote(pair, *change.Doc)
}

// refreshRemote folds a remote document snapshot into a pair,
// classifying the observation as modified, moved or a no-op.
func (p *Poller) refreshRemote(pair *models.Pair, doc models.DocInfo) (bool, error) {
	moved := pair.RemoteParentRef != doc.ParentRef || pair.RemoteName != doc.Name
	modified := !pair.Folderish && doc.Digest != "" && doc.Digest != pair.RemoteDigest

	if !moved && !modified {
		return false, nil
	}

	pair.RemoteParentRef = doc.ParentRef
	pair.RemoteName = doc.Name
	pair.RemoteDigest = doc.Digest
	pair.LastRemoteMtime = doc.ModTime

	switch {
	case moved:
		pair.RemoteState = models.StateMoved
	case pair.RemoteState == models.StateSynchronized || pair.RemoteState == models.StateUnknown:
		pair.RemoteState = models.StateModified
	}

	if err := p.store.UpdatePair(pair); err != nil {
		return false, p.ignoreRace(err, pair.ID)
	}
	return true, nil
}

// resolveParent maps a remote parent ref to the local folder path of
// its pair. The sync root maps to "".
func (p *Poller) resolveParent(parentRef string) (string, bool, error) {
	if parentRef == p.rootRef {
		return "", true, nil
	}

	parent, err := p.store.GetPairByRemoteRef(parentRef)
	if errors.Is(err, models.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if parent.PairState == models.PairUnsynchronized {
		return "", false, nil
	}
	return parent.LocalPath, true, nil
}

// ignoreRace downgrades a lost version race to a debug log; the next
// poll or scan re-observes the pair.
func (p *Poller) ignoreRace(err error, pairID int64) error {
	if errors.Is(err, models.ErrCannotAcquire) {
		p.logger.WithField("pair_id", pairID).Debug("Observation lost a version race")
		return nil
	}
	return err
}

func (p *Poller) poke() {
	if p.wake == nil {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
