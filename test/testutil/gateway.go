// Package testutil provides an in-memory remote repository and small
// helpers shared by the engine tests.
package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/remote"
)

// RootRef is the remote ref of the sync root in the fake repository.
const RootRef = "root"

type fakeDoc struct {
	info    models.DocInfo
	content []byte

	// uploadUID is the request uid that created the document, so a
	// retried upload is told apart from a name collision.
	uploadUID string
}

// FakeGateway is an in-memory remote repository implementing the
// Gateway interface, with an ordered change log and per-operation
// fault injection.
type FakeGateway struct {
	mu      sync.Mutex
	docs    map[string]*fakeDoc
	perms   map[string]models.Permissions
	changes []models.RemoteChange
	nextRef int

	// Faults maps an operation name (fetch, list, download, upload,
	// update, rename, move, delete, changes, permissions) to an error
	// returned instead of executing it.
	Faults map[string]error

	// Calls counts operations by name.
	Calls map[string]int
}

// NewFakeGateway creates an empty repository containing only the sync
// root.
func NewFakeGateway() *FakeGateway {
	g := &FakeGateway{
		docs:   make(map[string]*fakeDoc),
		perms:  make(map[string]models.Permissions),
		Faults: make(map[string]error),
		Calls:  make(map[string]int),
	}
	g.docs[RootRef] = &fakeDoc{info: models.DocInfo{
		Ref:       RootRef,
		Name:      "",
		Folderish: true,
		ModTime:   time.Now(),
	}}
	return g
}

func (g *FakeGateway) fault(op string) error {
	g.Calls[op]++
	if err, ok := g.Faults[op]; ok && err != nil {
		return err
	}
	return nil
}

func digestOf(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

func (g *FakeGateway) record(changeType models.ChangeType, ref string) {
	var doc *models.DocInfo
	if d, ok := g.docs[ref]; ok {
		copied := d.info
		doc = &copied
	}
	g.changes = append(g.changes, models.RemoteChange{
		Type:      changeType,
		Ref:       ref,
		Doc:       doc,
		EventTime: time.Now(),
	})
}

// Seed creates a document directly, bypassing the change log counters
// used for idempotency, and returns its ref. Content nil means a
// folder.
func (g *FakeGateway) Seed(parentRef, name string, content []byte) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.create(parentRef, name, content)
}

func (g *FakeGateway) create(parentRef, name string, content []byte) string {
	g.nextRef++
	ref := fmt.Sprintf("doc-%d", g.nextRef)

	doc := &fakeDoc{info: models.DocInfo{
		Ref:       ref,
		ParentRef: parentRef,
		Name:      name,
		Folderish: content == nil,
		ModTime:   time.Now(),
	}}
	if content != nil {
		doc.content = append([]byte(nil), content...)
		doc.info.Size = int64(len(content))
		doc.info.Digest = digestOf(content)
		doc.info.DigestAlgorithm = "md5"
	}
	g.docs[ref] = doc
	g.record(models.ChangeCreated, ref)
	return ref
}

// Content returns the stored bytes of ref.
func (g *FakeGateway) Content(ref string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	doc, ok := g.docs[ref]
	if !ok || doc.info.Folderish {
		return nil, false
	}
	return append([]byte(nil), doc.content...), true
}

// RefByName looks a document up by parent and name.
func (g *FakeGateway) RefByName(parentRef, name string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ref, doc := range g.docs {
		if doc.info.ParentRef == parentRef && doc.info.Name == name {
			return ref, true
		}
	}
	return "", false
}

// Exists reports whether ref is present.
func (g *FakeGateway) Exists(ref string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.docs[ref]
	return ok
}

// SetPermissions overrides the permissions reported for ref.
func (g *FakeGateway) SetPermissions(ref string, perms models.Permissions) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perms[ref] = perms
}

// Mutate updates a document's content out of band, as another client
// would.
func (g *FakeGateway) Mutate(ref string, content []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, ok := g.docs[ref]
	if !ok {
		return
	}
	doc.content = append([]byte(nil), content...)
	doc.info.Size = int64(len(content))
	doc.info.Digest = digestOf(content)
	doc.info.ModTime = time.Now()
	g.record(models.ChangeUpdated, ref)
}

// Remove deletes a document out of band.
func (g *FakeGateway) Remove(ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(ref)
}

func (g *FakeGateway) removeLocked(ref string) {
	if _, ok := g.docs[ref]; !ok {
		return
	}
	for childRef, doc := range g.docs {
		if doc.info.ParentRef == ref {
			g.removeLocked(childRef)
		}
	}
	delete(g.docs, ref)
	g.record(models.ChangeDeleted, ref)
}

// Gateway interface

func (g *FakeGateway) Fetch(ctx context.Context, ref string) (models.DocInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("fetch"); err != nil {
		return models.DocInfo{}, err
	}
	doc, ok := g.docs[ref]
	if !ok {
		return models.DocInfo{}, models.ErrNotFound
	}
	return doc.info, nil
}

func (g *FakeGateway) ListChildren(ctx context.Context, ref string) ([]models.DocInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("list"); err != nil {
		return nil, err
	}
	if _, ok := g.docs[ref]; !ok {
		return nil, models.ErrNotFound
	}

	var children []models.DocInfo
	for _, doc := range g.docs {
		if doc.info.ParentRef == ref && doc.info.Ref != RootRef {
			children = append(children, doc.info)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

func (g *FakeGateway) Download(ctx context.Context, ref, requestUID string, offset int64) (remote.DownloadResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("download"); err != nil {
		return remote.DownloadResult{}, err
	}
	doc, ok := g.docs[ref]
	if !ok || doc.info.Folderish {
		return remote.DownloadResult{}, models.ErrNotFound
	}
	if offset > int64(len(doc.content)) {
		offset = int64(len(doc.content))
	}

	return remote.DownloadResult{
		Body:            io.NopCloser(bytes.NewReader(doc.content[offset:])),
		Digest:          doc.info.Digest,
		DigestAlgorithm: "md5",
		Size:            doc.info.Size,
	}, nil
}

func (g *FakeGateway) Upload(ctx context.Context, parentRef, name, requestUID string, r io.Reader, size int64) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("upload"); err != nil {
		return "", err
	}
	if _, ok := g.docs[parentRef]; !ok {
		return "", models.ErrNotFound
	}

	// A retried upload (same request uid) lands on the same document;
	// any other writer hitting the name is a collision.
	for ref, doc := range g.docs {
		if doc.info.ParentRef == parentRef && doc.info.Name == name {
			if doc.uploadUID != requestUID {
				return "", &models.RemoteError{
					Kind: models.KindConflict, Op: "upload", Ref: ref,
					Status: 409, Message: "name already in use",
				}
			}
			doc.content = content
			doc.info.Size = int64(len(content))
			doc.info.Digest = digestOf(content)
			return ref, nil
		}
	}
	ref := g.create(parentRef, name, content)
	g.docs[ref].uploadUID = requestUID
	return ref, nil
}

func (g *FakeGateway) CreateFolder(ctx context.Context, parentRef, name string) (models.DocInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("create_folder"); err != nil {
		return models.DocInfo{}, err
	}
	if _, ok := g.docs[parentRef]; !ok {
		return models.DocInfo{}, models.ErrNotFound
	}
	for _, doc := range g.docs {
		if doc.info.ParentRef == parentRef && doc.info.Name == name && doc.info.Folderish {
			return doc.info, nil
		}
	}
	ref := g.create(parentRef, name, nil)
	return g.docs[ref].info, nil
}

func (g *FakeGateway) UpdateContent(ctx context.Context, ref, requestUID string, r io.Reader, size int64) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("update"); err != nil {
		return "", err
	}
	doc, ok := g.docs[ref]
	if !ok {
		return "", models.ErrNotFound
	}

	doc.content = content
	doc.info.Size = int64(len(content))
	doc.info.Digest = digestOf(content)
	doc.info.ModTime = time.Now()
	g.record(models.ChangeUpdated, ref)
	return doc.info.Digest, nil
}

func (g *FakeGateway) Rename(ctx context.Context, ref, newName string) (models.DocInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("rename"); err != nil {
		return models.DocInfo{}, err
	}
	doc, ok := g.docs[ref]
	if !ok {
		return models.DocInfo{}, models.ErrNotFound
	}

	doc.info.Name = newName
	doc.info.ModTime = time.Now()
	g.record(models.ChangeMoved, ref)
	return doc.info, nil
}

func (g *FakeGateway) Move(ctx context.Context, ref, newParentRef string) (models.DocInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("move"); err != nil {
		return models.DocInfo{}, err
	}
	doc, ok := g.docs[ref]
	if !ok {
		return models.DocInfo{}, models.ErrNotFound
	}
	if _, ok := g.docs[newParentRef]; !ok {
		return models.DocInfo{}, models.ErrNotFound
	}

	doc.info.ParentRef = newParentRef
	doc.info.ModTime = time.Now()
	g.record(models.ChangeMoved, ref)
	return doc.info, nil
}

func (g *FakeGateway) Delete(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("delete"); err != nil {
		return err
	}
	if _, ok := g.docs[ref]; !ok {
		return models.ErrNotFound
	}
	g.removeLocked(ref)
	return nil
}

func (g *FakeGateway) Lock(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fault("lock")
}

func (g *FakeGateway) Unlock(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fault("unlock")
}

func (g *FakeGateway) Changes(ctx context.Context, cursor string) ([]models.RemoteChange, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("changes"); err != nil {
		return nil, "", err
	}

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		start = n
	}
	if start > len(g.changes) {
		start = len(g.changes)
	}

	batch := make([]models.RemoteChange, len(g.changes)-start)
	copy(batch, g.changes[start:])
	return batch, strconv.Itoa(len(g.changes)), nil
}

func (g *FakeGateway) UserPermissions(ctx context.Context, ref string) (models.Permissions, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.fault("permissions"); err != nil {
		return models.Permissions{}, err
	}
	if perms, ok := g.perms[ref]; ok {
		return perms, nil
	}
	return models.Permissions{CanRename: true, CanDelete: true, CanUpdate: true, CanCreateChild: true}, nil
}

var _ remote.Gateway = (*FakeGateway)(nil)
