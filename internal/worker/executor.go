package worker

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/models"
)

// execute dispatches a claimed pair to its action.
func (p *Pool) execute(ctx context.Context, pair *models.Pair) error {
	switch pair.PairState {
	case models.PairLocallyCreated:
		return p.uploadNew(ctx, pair)

	case models.PairLocallyMovedCreated:
		// The remote counterpart is gone; the moved content is a fresh
		// creation.
		pair.RemoteRef = ""
		pair.RemoteParentRef = ""
		return p.uploadNew(ctx, pair)

	case models.PairRemotelyCreated:
		return p.downloadNew(ctx, pair)

	case models.PairLocallyModified, models.PairLocallyResolved:
		return p.uploadContent(ctx, pair)

	case models.PairRemotelyModified:
		return p.downloadContent(ctx, pair)

	case models.PairLocallyMovedRemotelyModified:
		if err := p.moveRemote(ctx, pair); err != nil {
			return err
		}
		return p.downloadContent(ctx, pair)

	case models.PairLocallyMoved:
		return p.moveRemote(ctx, pair)

	case models.PairRemotelyMoved:
		return p.moveLocal(ctx, pair)

	case models.PairLocallyDeleted:
		return p.deleteRemote(ctx, pair)

	case models.PairRemotelyDeleted:
		return p.deleteLocal(ctx, pair)

	case models.PairDeleted, models.PairUnknownDeleted, models.PairDeletedUnknown:
		// Nothing left to propagate on either side.
		return p.dropPair(pair)
	}

	return fmt.Errorf("no action for pair state %s", pair.PairState)
}

// parentRemoteRef resolves the remote folder a pair's operations
// target.
func (p *Pool) parentRemoteRef(pair *models.Pair) (string, error) {
	if pair.LocalParentPath == "" {
		return p.rootRef, nil
	}

	parent, err := p.store.GetPairByLocalPath(pair.LocalParentPath)
	if err != nil {
		return "", fmt.Errorf("resolve parent of %s: %w", pair.LocalPath, err)
	}
	if parent.RemoteRef == "" {
		return "", fmt.Errorf("parent of %s not uploaded yet", pair.LocalPath)
	}
	return parent.RemoteRef, nil
}

// markSynchronized persists the post-action steady state.
func (p *Pool) markSynchronized(pair *models.Pair) error {
	if info, err := p.local.GetInfo(pair.LocalPath); err == nil {
		pair.LastLocalMtime = info.ModTime
	}
	pair.LocalState = models.StateSynchronized
	pair.RemoteState = models.StateSynchronized
	return p.store.UpdatePair(pair)
}

// tagLocal binds the remote id to the local entry. Filesystems
// without attribute support lose move tracking, not correctness.
func (p *Pool) tagLocal(pair *models.Pair) {
	if err := p.local.SetRemoteID(pair.LocalPath, pair.RemoteRef); err != nil {
		if errors.Is(err, models.ErrXattrUnsupported) {
			p.logger.WithField("path", pair.LocalPath).Debug("No attribute support, skipping remote id tag")
			return
		}
		p.logger.WithError(err).WithField("path", pair.LocalPath).Warn("Could not tag local entry")
	}
}

// uploadNew creates the remote counterpart of a local entry.
func (p *Pool) uploadNew(ctx context.Context, pair *models.Pair) error {
	parentRef, err := p.parentRemoteRef(pair)
	if err != nil {
		return err
	}

	if pair.Folderish {
		doc, err := p.gateway.CreateFolder(ctx, parentRef, pair.LocalName)
		if err != nil {
			return err
		}
		pair.RemoteRef = doc.Ref
		pair.RemoteParentRef = doc.ParentRef
		pair.RemoteName = doc.Name
		pair.LastRemoteMtime = doc.ModTime
		p.tagLocal(pair)
		return p.markSynchronized(pair)
	}

	ref, digest, err := p.transferUp(ctx, pair, parentRef)
	if err != nil {
		return err
	}

	pair.RemoteRef = ref
	pair.RemoteParentRef = parentRef
	pair.RemoteName = pair.LocalName
	pair.LocalDigest = digest
	pair.RemoteDigest = digest
	p.tagLocal(pair)
	return p.markSynchronized(pair)
}

// downloadNew materializes a remote document locally.
func (p *Pool) downloadNew(ctx context.Context, pair *models.Pair) error {
	if pair.Folderish {
		_, err := p.local.MakeFolder(pair.LocalParentPath, pair.LocalName)
		if err != nil && !errors.Is(err, models.ErrDuplicationDisabled) {
			return err
		}
		p.tagLocal(pair)
		return p.markSynchronized(pair)
	}

	if err := p.transferDown(ctx, pair); err != nil {
		return err
	}
	p.tagLocal(pair)
	return p.markSynchronized(pair)
}

// uploadContent pushes changed local bytes to the existing remote
// document.
func (p *Pool) uploadContent(ctx context.Context, pair *models.Pair) error {
	if pair.Folderish {
		return p.markSynchronized(pair)
	}
	if pair.RemoteRef == "" {
		return p.uploadNew(ctx, pair)
	}

	digest, err := p.updateRemoteContent(ctx, pair)
	if err != nil {
		return err
	}

	pair.RemoteDigest = digest
	return p.markSynchronized(pair)
}

// downloadContent pulls changed remote bytes over the local file.
func (p *Pool) downloadContent(ctx context.Context, pair *models.Pair) error {
	if pair.Folderish {
		return p.markSynchronized(pair)
	}
	if err := p.transferDown(ctx, pair); err != nil {
		return err
	}
	return p.markSynchronized(pair)
}

// moveRemote propagates a local rename or reparent.
func (p *Pool) moveRemote(ctx context.Context, pair *models.Pair) error {
	if pair.RemoteRef == "" {
		return p.uploadNew(ctx, pair)
	}

	if pair.RemoteName != pair.LocalName {
		perms, err := p.gateway.UserPermissions(ctx, pair.RemoteRef)
		if err != nil {
			return err
		}
		if !perms.CanRename {
			return fmt.Errorf("rename %s: %w", pair.LocalPath, models.ErrForbidden)
		}

		doc, err := p.gateway.Rename(ctx, pair.RemoteRef, pair.LocalName)
		if err != nil {
			return err
		}
		pair.RemoteName = doc.Name
		pair.LastRemoteMtime = doc.ModTime
	}

	parentRef, err := p.parentRemoteRef(pair)
	if err != nil {
		return err
	}
	if parentRef != pair.RemoteParentRef {
		doc, err := p.gateway.Move(ctx, pair.RemoteRef, parentRef)
		if err != nil {
			return err
		}
		pair.RemoteParentRef = doc.ParentRef
		pair.LastRemoteMtime = doc.ModTime
	}

	return p.markSynchronized(pair)
}

// moveLocal propagates a remote rename or reparent to disk.
func (p *Pool) moveLocal(ctx context.Context, pair *models.Pair) error {
	newParent := ""
	if pair.RemoteParentRef != p.rootRef {
		parent, err := p.store.GetPairByRemoteRef(pair.RemoteParentRef)
		if err != nil {
			return fmt.Errorf("resolve new parent of %s: %w", pair.LocalPath, err)
		}
		newParent = parent.LocalPath
	}

	currentPath := pair.LocalPath

	if pair.LocalParentPath != newParent {
		moved, err := p.local.Move(currentPath, newParent)
		if err != nil {
			return err
		}
		currentPath = moved
	}

	if path.Base(currentPath) != pair.RemoteName {
		renamed, err := p.local.Rename(currentPath, pair.RemoteName)
		if err != nil {
			return err
		}
		currentPath = renamed
	}

	pair.UpdateLocal(currentPath)
	return p.markSynchronized(pair)
}

// deleteRemote propagates a local deletion.
func (p *Pool) deleteRemote(ctx context.Context, pair *models.Pair) error {
	if pair.RemoteRef == "" {
		return p.dropPair(pair)
	}

	perms, err := p.gateway.UserPermissions(ctx, pair.RemoteRef)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if err == nil && !perms.CanDelete {
		return fmt.Errorf("delete %s: %w", pair.LocalPath, models.ErrForbidden)
	}

	if err := p.gateway.Delete(ctx, pair.RemoteRef); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return p.dropPair(pair)
}

// deleteLocal propagates a remote deletion, honoring the configured
// deletion behavior.
func (p *Pool) deleteLocal(ctx context.Context, pair *models.Pair) error {
	if err := interact(ctx); err != nil {
		return err
	}

	var err error
	switch p.deletion {
	case config.DeletionPermanent:
		err = p.local.DeletePermanent(pair.LocalPath)
	default:
		err = p.local.Delete(pair.LocalPath)
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return p.dropPair(pair)
}

// dropPair removes the pair row, and for folders every descendant row
// swept away with it.
func (p *Pool) dropPair(pair *models.Pair) error {
	if pair.Folderish {
		children, err := p.store.PairsUnderLocalPath(pair.LocalPath)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.ID == pair.ID {
				continue
			}
			if err := p.store.RemovePair(child.ID); err != nil {
				return err
			}
		}
	}
	return p.store.RemovePair(pair.ID)
}
