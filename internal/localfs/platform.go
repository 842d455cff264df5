package localfs

// Extended-attribute keys used to bind local entries to remote
// documents. The binding survives renames and moves done outside the
// engine because it travels with the inode, not the path.
const (
	// AttrRemoteID holds the opaque remote identifier on every
	// tracked file and folder.
	AttrRemoteID = "driftsync.remote"
	// AttrRootMarker is applied only on the sync root.
	AttrRootMarker = "driftsync.root"
)

// PlatformOps is the small per-OS capability held by LocalStore.
// One concrete type per OS; chosen at construction time.
type PlatformOps interface {
	// GetAttr reads an extended attribute, returning "" when unset.
	GetAttr(absPath, key string) (string, error)
	// SetAttr writes an extended attribute.
	SetAttr(absPath, key, value string) error
	// RemoveAttr deletes an extended attribute; missing keys are not
	// an error.
	RemoveAttr(absPath, key string) error
	// Hidden reports whether the OS marks the entry hidden or system.
	Hidden(absPath string) (bool, error)
}
