package models

import (
	"path"
	"time"
)

// FileInfo describes a local filesystem entry relative to the sync root.
type FileInfo struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Folderish bool      `json:"folderish"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mtime"`
	RemoteID  string    `json:"remote_id,omitempty"`
}

// Parent returns the relative path of the containing folder, empty for
// direct children of the sync root.
func (f *FileInfo) Parent() string {
	dir := path.Dir(f.Path)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
