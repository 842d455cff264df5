// Package remote defines the capability surface the engine consumes
// from the content repository. The engine never speaks the wire
// protocol directly; it sees documents, a change log and a small set
// of mutations.
package remote

import (
	"context"
	"io"

	"github.com/driftsync/driftsync/internal/models"
)

// Gateway is the abstract remote repository capability.
type Gateway interface {
	// Fetch returns the document for ref, or models.ErrNotFound.
	Fetch(ctx context.Context, ref string) (models.DocInfo, error)

	// ListChildren returns the direct children of a folderish ref.
	ListChildren(ctx context.Context, ref string) ([]models.DocInfo, error)

	// Download opens a content stream starting at offset. A stable
	// requestUID lets the server resume an interrupted transfer. The
	// returned digest and algorithm describe the complete content.
	Download(ctx context.Context, ref, requestUID string, offset int64) (DownloadResult, error)

	// Upload creates a document under parentRef. Idempotent for a
	// stable requestUID.
	Upload(ctx context.Context, parentRef, name, requestUID string, r io.Reader, size int64) (string, error)

	// CreateFolder creates a folderish document under parentRef. An
	// existing folder with the same name is returned, not duplicated.
	CreateFolder(ctx context.Context, parentRef, name string) (models.DocInfo, error)

	// UpdateContent replaces the content of ref and returns the new
	// digest.
	UpdateContent(ctx context.Context, ref, requestUID string, r io.Reader, size int64) (string, error)

	// Rename changes the document name in place.
	Rename(ctx context.Context, ref, newName string) (models.DocInfo, error)

	// Move reparents the document.
	Move(ctx context.Context, ref, newParentRef string) (models.DocInfo, error)

	// Delete removes the document.
	Delete(ctx context.Context, ref string) error

	// Lock and Unlock take and release the repository lock on ref.
	Lock(ctx context.Context, ref string) error
	Unlock(ctx context.Context, ref string) error

	// Changes returns the ordered change log after cursor and the
	// cursor for the next poll.
	Changes(ctx context.Context, cursor string) ([]models.RemoteChange, string, error)

	// UserPermissions returns what the current user may do to ref.
	UserPermissions(ctx context.Context, ref string) (models.Permissions, error)
}

// DownloadResult carries a content stream and its integrity metadata.
type DownloadResult struct {
	Body            io.ReadCloser
	Digest          string
	DigestAlgorithm string
	Size            int64
}
