package localfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/models"
)

// Download temp-file convention: in-progress downloads are named
// .<name>.part and never surface as pair-state changes.
const (
	DownloadTmpPrefix = "."
	DownloadTmpSuffix = ".part"
)

// LocalStore centralizes every filesystem mutation under the sync root
// so identity tagging and permission juggling stay in one place.
type LocalStore struct {
	root     string
	trashDir string
	platform PlatformOps
	reload   *config.ReloadableHolder
	logger   *events.Logger

	caseOnce      sync.Once
	caseSensitive bool

	mu         sync.Mutex
	matcherSrc *config.Reloadable
	matcher    *Matcher
}

// NewLocalStore creates a store rooted at root. The trash directory
// must live outside the root so trashed entries do not re-appear as
// watcher events.
func NewLocalStore(root, trashDir string, platform PlatformOps, reload *config.ReloadableHolder, logger *events.Logger) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}

	return &LocalStore{
		root:     abs,
		trashDir: trashDir,
		platform: platform,
		reload:   reload,
		logger:   logger.WithField("component", "local_store"),
	}, nil
}

// Root returns the absolute sync root.
func (s *LocalStore) Root() string { return s.root }

// AbsPath resolves a root-relative path, refusing traversal outside
// the root.
func (s *LocalStore) AbsPath(relPath string) (string, error) {
	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("invalid path: contains null byte")
	}

	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if cleaned == "." {
		return s.root, nil
	}
	if strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid path: escapes sync root")
	}

	full := filepath.Join(s.root, cleaned)
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: escapes sync root")
	}
	return full, nil
}

// RelPath converts an absolute path under the root to the relative
// form used in pair rows.
func (s *LocalStore) RelPath(absPath string) (string, error) {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", absPath, err)
	}
	if rel == "." {
		return "", nil
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path outside sync root: %s", absPath)
	}
	return filepath.ToSlash(rel), nil
}

// GetInfo returns metadata for the entry at relPath.
func (s *LocalStore) GetInfo(relPath string) (models.FileInfo, error) {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return models.FileInfo{}, err
	}

	st, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return models.FileInfo{}, models.ErrNotFound
		}
		return models.FileInfo{}, fmt.Errorf("stat %s: %w", relPath, err)
	}

	remoteID, _ := s.platform.GetAttr(abs, AttrRemoteID)

	return models.FileInfo{
		Path:      relPath,
		Name:      filepath.Base(abs),
		Folderish: st.IsDir(),
		Size:      st.Size(),
		ModTime:   st.ModTime(),
		RemoteID:  remoteID,
	}, nil
}

// Exists reports whether relPath exists.
func (s *LocalStore) Exists(relPath string) bool {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// GetChildrenInfo lists direct children of relPath, skipping ignored
// names and in-progress temp files. Unreadable children are skipped
// with a warning, not an error.
func (s *LocalStore) GetChildrenInfo(relPath string) ([]models.FileInfo, error) {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("read dir %s: %w", relPath, err)
	}

	children := make([]models.FileInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if s.IsTempFile(name) || s.IsIgnored(relPath, name) {
			continue
		}

		childRel := joinRel(relPath, name)
		info, err := s.GetInfo(childRel)
		if err != nil {
			s.logger.WithError(err).WithField("path", childRel).Warn("Skipping unreadable child")
			continue
		}
		children = append(children, info)
	}
	return children, nil
}

// IsTempFile reports whether name follows the in-progress download
// naming convention.
func (s *LocalStore) IsTempFile(name string) bool {
	return strings.HasPrefix(name, DownloadTmpPrefix) && strings.HasSuffix(name, DownloadTmpSuffix)
}

// IsIgnored reports whether name under parent matches the configured
// ignore rules or carries a hidden/system attribute.
func (s *LocalStore) IsIgnored(parent, name string) bool {
	hidden := false
	if abs, err := s.AbsPath(joinRel(parent, name)); err == nil {
		hidden, _ = s.platform.Hidden(abs)
	}
	return s.currentMatcher().Match(name, hidden)
}

// currentMatcher rebuilds the matcher only when the reloadable config
// snapshot changed.
func (s *LocalStore) currentMatcher() *Matcher {
	snap := s.reload.Load()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.matcher == nil || s.matcherSrc != snap {
		s.matcher = NewMatcher(snap.IgnoredPrefixes, snap.IgnoredSuffixes, snap.IgnoredFiles)
		s.matcherSrc = snap
	}
	return s.matcher
}

// MakeFolder creates a folder under parent and returns its relative
// path. An existing target fails with ErrDuplicationDisabled.
func (s *LocalStore) MakeFolder(parent, name string) (string, error) {
	rel := joinRel(parent, name)
	abs, err := s.AbsPath(rel)
	if err != nil {
		return "", err
	}

	guard, err := s.unlockParent(abs)
	if err != nil {
		return "", err
	}
	defer guard.Release()

	if _, err := os.Stat(abs); err == nil {
		return "", models.ErrDuplicationDisabled
	}
	if err := os.Mkdir(abs, 0o755); err != nil {
		return "", wrapFSError("mkdir", rel, err)
	}
	return rel, nil
}

// MakeFile creates an empty file under parent and returns its relative
// path.
func (s *LocalStore) MakeFile(parent, name string) (string, error) {
	rel := joinRel(parent, name)
	abs, err := s.AbsPath(rel)
	if err != nil {
		return "", err
	}

	guard, err := s.unlockParent(abs)
	if err != nil {
		return "", err
	}
	defer guard.Release()

	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", models.ErrDuplicationDisabled
		}
		return "", wrapFSError("create", rel, err)
	}
	f.Close()
	return rel, nil
}

// Rename changes the name of relPath in place and returns the new
// relative path. Renames that differ only in case on a
// case-insensitive filesystem go through an intermediate name so the
// target never transiently collides with the source.
func (s *LocalStore) Rename(relPath, newName string) (string, error) {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return "", err
	}

	parent := filepath.Dir(abs)
	target := filepath.Join(parent, newName)
	newRel, err := s.RelPath(target)
	if err != nil {
		return "", err
	}

	guard, err := s.unlock(abs)
	if err != nil {
		return "", err
	}
	defer guard.Release()

	caseOnly := strings.EqualFold(filepath.Base(abs), newName) && filepath.Base(abs) != newName
	if caseOnly && !s.IsCaseSensitive() {
		tmp := filepath.Join(parent, fmt.Sprintf(".%s-%d%s", newName, time.Now().UnixNano(), DownloadTmpSuffix))
		if err := os.Rename(abs, tmp); err != nil {
			return "", wrapFSError("rename", relPath, err)
		}
		if err := os.Rename(tmp, target); err != nil {
			// Put the original name back before reporting.
			_ = os.Rename(tmp, abs)
			return "", wrapFSError("rename", relPath, err)
		}
		return newRel, nil
	}

	if _, err := os.Stat(target); err == nil {
		return "", models.ErrDuplicationDisabled
	}
	if err := os.Rename(abs, target); err != nil {
		return "", wrapFSError("rename", relPath, err)
	}
	return newRel, nil
}

// Move relocates relPath under newParent, keeping its name, and
// returns the new relative path.
func (s *LocalStore) Move(relPath, newParent string) (string, error) {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return "", err
	}

	newRel := joinRel(newParent, filepath.Base(abs))
	target, err := s.AbsPath(newRel)
	if err != nil {
		return "", err
	}

	guard, err := s.unlock(abs)
	if err != nil {
		return "", err
	}
	defer guard.Release()

	targetGuard, err := s.unlockParent(target)
	if err != nil {
		return "", err
	}
	defer targetGuard.Release()

	if _, err := os.Stat(target); err == nil {
		return "", models.ErrDuplicationDisabled
	}
	if err := os.Rename(abs, target); err != nil {
		return "", wrapFSError("move", relPath, err)
	}
	return newRel, nil
}

// Delete moves relPath into the engine trash so a remote deletion is
// recoverable by the user.
func (s *LocalStore) Delete(relPath string) error {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return err
	}

	guard, err := s.unlock(abs)
	if err != nil {
		return err
	}
	defer guard.Release()

	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrapFSError("trash", relPath, err)
	}

	if err := os.MkdirAll(s.trashDir, 0o700); err != nil {
		return wrapFSError("trash", relPath, err)
	}

	name := fmt.Sprintf("%s.%d", filepath.Base(abs), time.Now().UnixNano())
	if err := os.Rename(abs, filepath.Join(s.trashDir, name)); err != nil {
		// Cross-device root and trash cannot share a rename; fall
		// back to a permanent delete rather than failing the pair.
		s.logger.WithError(err).WithField("path", relPath).Warn("Trash rename failed, deleting permanently")
		return s.DeletePermanent(relPath)
	}
	return nil
}

// DeletePermanent removes relPath and any children without passing
// through the trash.
func (s *LocalStore) DeletePermanent(relPath string) error {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return err
	}

	guard, err := s.unlock(abs)
	if err != nil {
		return err
	}
	defer guard.Release()

	if err := os.RemoveAll(abs); err != nil {
		return wrapFSError("delete", relPath, err)
	}
	return nil
}

// FinalizeDownload atomically renames a completed temp download into
// its final place under the root.
func (s *LocalStore) FinalizeDownload(tmpPath, relPath string) error {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return err
	}

	guard, err := s.unlockParent(abs)
	if err != nil {
		return err
	}
	defer guard.Release()

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return wrapFSError("finalize", relPath, err)
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		return wrapFSError("finalize", relPath, err)
	}
	return nil
}

// OpenFile opens relPath for reading and returns its current size.
func (s *LocalStore) OpenFile(relPath string) (io.ReadCloser, int64, error) {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, models.ErrNotFound
		}
		if os.IsPermission(err) {
			return nil, 0, fmt.Errorf("open %s: %w", relPath, models.ErrUnreadable)
		}
		return nil, 0, wrapFSError("open", relPath, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, wrapFSError("open", relPath, err)
	}
	return f, st.Size(), nil
}

// TempPathFor returns the absolute in-progress download path used
// while fetching relPath, beside the final location.
func (s *LocalStore) TempPathFor(relPath string) (string, error) {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return "", err
	}
	dir, name := filepath.Split(abs)
	return filepath.Join(dir, DownloadTmpPrefix+name+DownloadTmpSuffix), nil
}

// GetRemoteID reads the remote identifier bound to relPath.
func (s *LocalStore) GetRemoteID(relPath string) (string, error) {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return "", err
	}
	return s.platform.GetAttr(abs, AttrRemoteID)
}

// SetRemoteID binds a remote identifier to relPath. Timestamps are
// restored afterwards so the tagging never looks like a content
// change to the watcher.
func (s *LocalStore) SetRemoteID(relPath, value string) error {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return err
	}

	st, statErr := os.Stat(abs)

	guard, err := s.unlock(abs)
	if err != nil {
		return err
	}
	defer guard.Release()

	if err := s.platform.SetAttr(abs, AttrRemoteID, value); err != nil {
		return err
	}

	if statErr == nil {
		if err := os.Chtimes(abs, st.ModTime(), st.ModTime()); err != nil {
			s.logger.WithError(err).WithField("path", relPath).Warn("Could not restore timestamps after tagging")
		}
	}
	return nil
}

// RemoveRemoteID clears the binding on relPath.
func (s *LocalStore) RemoveRemoteID(relPath string) error {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return err
	}
	return s.platform.RemoveAttr(abs, AttrRemoteID)
}

// SetRootMarker tags the sync root itself.
func (s *LocalStore) SetRootMarker(value string) error {
	return s.platform.SetAttr(s.root, AttrRootMarker, value)
}

// GetRootMarker reads the sync-root tag.
func (s *LocalStore) GetRootMarker() (string, error) {
	return s.platform.GetAttr(s.root, AttrRootMarker)
}

// SamePath reports whether two relative paths address the same entry.
// On a case-insensitive filesystem a stat on either spelling resolves
// to the same file, so spellings that differ only in case are one
// entry there.
func (s *LocalStore) SamePath(a, b string) bool {
	if a == b {
		return true
	}
	return !s.IsCaseSensitive() && strings.EqualFold(a, b)
}

// IsCaseSensitive probes the root filesystem once by creating a
// case-variant pair in a temp directory.
func (s *LocalStore) IsCaseSensitive() bool {
	s.caseOnce.Do(func() {
		dir, err := os.MkdirTemp(s.root, DownloadTmpPrefix+"casecheck")
		if err != nil {
			s.caseSensitive = true
			return
		}
		defer os.RemoveAll(dir)

		probe := filepath.Join(dir, "aaa")
		if err := os.WriteFile(probe, nil, 0o644); err != nil {
			s.caseSensitive = true
			return
		}
		_, err = os.Stat(filepath.Join(dir, "AAA"))
		s.caseSensitive = os.IsNotExist(err)
	})
	return s.caseSensitive
}

// unlock clears the read-only bit on absPath and its parent, returning
// a guard that restores both on release.
func (s *LocalStore) unlock(absPath string) (*lockGuard, error) {
	g := &lockGuard{}
	for _, p := range []string{filepath.Dir(absPath), absPath} {
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		if st.Mode().Perm()&0o200 == 0 {
			if err := os.Chmod(p, st.Mode().Perm()|0o200); err != nil {
				g.Release()
				return nil, fmt.Errorf("unlock %s: %w", p, err)
			}
			g.restore = append(g.restore, restoreMode{path: p, mode: st.Mode().Perm()})
		}
	}
	return g, nil
}

// unlockParent clears the read-only bit on the parent directory only,
// for operations that create absPath.
func (s *LocalStore) unlockParent(absPath string) (*lockGuard, error) {
	return s.unlock(filepath.Dir(absPath))
}

type restoreMode struct {
	path string
	mode os.FileMode
}

// lockGuard restores read-only bits cleared by unlock. Safe to release
// more than once.
type lockGuard struct {
	restore []restoreMode
}

// Release puts the original permissions back on all exit paths.
func (g *lockGuard) Release() {
	for i := len(g.restore) - 1; i >= 0; i-- {
		r := g.restore[i]
		_ = os.Chmod(r.path, r.mode)
	}
	g.restore = nil
}

// joinRel joins a relative parent and a name using forward slashes.
func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// wrapFSError translates common OS failures into the engine taxonomy.
func wrapFSError(op, relPath string, err error) error {
	if isNoSpace(err) {
		return fmt.Errorf("%s %s: %w", op, relPath, models.ErrNoSpaceLeft)
	}
	return fmt.Errorf("%s %s: %w", op, relPath, err)
}
