package models

import "time"

// DocInfo describes a remote document.
type DocInfo struct {
	Ref             string    `json:"ref"`
	ParentRef       string    `json:"parent_ref"`
	Name            string    `json:"name"`
	Folderish       bool      `json:"folderish"`
	Size            int64     `json:"size"`
	Digest          string    `json:"digest,omitempty"`
	DigestAlgorithm string    `json:"digest_algorithm,omitempty"`
	ModTime         time.Time `json:"mtime"`
	Locked          bool      `json:"locked,omitempty"`
}

// Permissions are the remote operations the current user may perform on
// a document.
type Permissions struct {
	CanRename      bool `json:"can_rename"`
	CanDelete      bool `json:"can_delete"`
	CanUpdate      bool `json:"can_update"`
	CanCreateChild bool `json:"can_create_child"`
}

// ChangeType classifies an entry of the remote change log.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeMoved    ChangeType = "moved"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRootLost ChangeType = "root_lost"
)

// RemoteChange is one entry of the ordered remote change log.
type RemoteChange struct {
	Type      ChangeType `json:"type"`
	Ref       string     `json:"ref"`
	ParentRef string     `json:"parent_ref,omitempty"`
	Doc       *DocInfo   `json:"doc,omitempty"`
	EventTime time.Time  `json:"event_time"`
}
