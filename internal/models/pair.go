package models

import (
	"path"
	"time"
)

// State describes one side (local or remote) of a sync pair.
type State string

// Side states. A pair carries one State per side; the derived PairState
// is looked up from the combination of the two.
const (
	StateUnknown        State = "unknown"
	StateCreated        State = "created"
	StateModified       State = "modified"
	StateMoved          State = "moved"
	StateDeleted        State = "deleted"
	StateResolved       State = "resolved"
	StateSynchronized   State = "synchronized"
	StateUnsynchronized State = "unsynchronized"
)

// PairState is the summary status derived from the two side states.
type PairState string

const (
	PairUnknown                      PairState = "unknown"
	PairSynchronized                 PairState = "synchronized"
	PairLocallyCreated               PairState = "locally_created"
	PairRemotelyCreated              PairState = "remotely_created"
	PairLocallyModified              PairState = "locally_modified"
	PairRemotelyModified             PairState = "remotely_modified"
	PairLocallyMoved                 PairState = "locally_moved"
	PairLocallyMovedCreated          PairState = "locally_moved_created"
	PairLocallyMovedRemotelyModified PairState = "locally_moved_remotely_modified"
	PairRemotelyMoved                PairState = "remotely_moved"
	PairLocallyDeleted               PairState = "locally_deleted"
	PairRemotelyDeleted              PairState = "remotely_deleted"
	PairDeleted                      PairState = "deleted"
	PairConflicted                   PairState = "conflicted"
	PairLocallyResolved              PairState = "locally_resolved"
	PairUnsynchronized               PairState = "unsynchronized"
	PairUnknownDeleted               PairState = "unknown_deleted"
	PairDeletedUnknown               PairState = "deleted_unknown"
)

// statePair keys the transition table.
type statePair struct {
	local  State
	remote State
}

// pairStates maps the last known (local, remote) side states to the
// summary pair state. Combinations absent from the table are conflicts.
var pairStates = map[statePair]PairState{
	// Regular cases.
	{StateUnknown, StateUnknown}:           PairUnknown,
	{StateSynchronized, StateSynchronized}: PairSynchronized,
	{StateCreated, StateUnknown}:           PairLocallyCreated,
	{StateUnknown, StateCreated}:           PairRemotelyCreated,
	{StateModified, StateSynchronized}:     PairLocallyModified,
	{StateModified, StateUnknown}:          PairLocallyModified,
	{StateMoved, StateSynchronized}:        PairLocallyMoved,
	{StateMoved, StateDeleted}:             PairLocallyMovedCreated,
	{StateMoved, StateModified}:            PairLocallyMovedRemotelyModified,
	{StateSynchronized, StateModified}:     PairRemotelyModified,
	{StateUnknown, StateModified}:          PairRemotelyModified,
	{StateSynchronized, StateMoved}:        PairRemotelyMoved,
	{StateDeleted, StateSynchronized}:      PairLocallyDeleted,
	{StateSynchronized, StateDeleted}:      PairRemotelyDeleted,
	{StateDeleted, StateDeleted}:           PairDeleted,
	{StateSynchronized, StateUnknown}:      PairSynchronized,

	// Conflicts with automatic resolution.
	{StateCreated, StateDeleted}:  PairLocallyCreated,
	{StateDeleted, StateCreated}:  PairRemotelyCreated,
	{StateModified, StateDeleted}: PairConflicted,
	{StateDeleted, StateModified}: PairConflicted,
	{StateDeleted, StateMoved}:    PairRemotelyCreated,

	// Conflicts that need manual resolution.
	{StateModified, StateCreated}:  PairConflicted,
	{StateModified, StateModified}: PairConflicted,
	{StateCreated, StateCreated}:   PairConflicted,
	{StateCreated, StateModified}:  PairConflicted,
	{StateMoved, StateUnknown}:     PairConflicted,
	{StateMoved, StateMoved}:       PairConflicted,
	{StateMoved, StateCreated}:     PairConflicted,
	{StateResolved, StateModified}: PairConflicted,

	// Manually resolved cases.
	{StateResolved, StateUnknown}:      PairLocallyResolved,
	{StateResolved, StateSynchronized}: PairSynchronized,
	{StateCreated, StateSynchronized}:  PairSynchronized,
	{StateUnknown, StateSynchronized}:  PairSynchronized,

	// Inconsistent observations, resolved by a rescan.
	{StateUnknown, StateDeleted}: PairUnknownDeleted,
	{StateDeleted, StateUnknown}: PairDeletedUnknown,

	// Filtered documents.
	{StateUnsynchronized, StateUnknown}:      PairUnsynchronized,
	{StateUnsynchronized, StateCreated}:      PairUnsynchronized,
	{StateUnsynchronized, StateModified}:     PairUnsynchronized,
	{StateUnsynchronized, StateMoved}:        PairUnsynchronized,
	{StateUnsynchronized, StateSynchronized}: PairUnsynchronized,
	{StateUnsynchronized, StateDeleted}:      PairRemotelyDeleted,
}

// DerivePairState returns the summary state for a (local, remote)
// combination. Unlisted combinations are treated as conflicts so an
// unexpected observation never silently loses data.
func DerivePairState(local, remote State) PairState {
	if ps, ok := pairStates[statePair{local, remote}]; ok {
		return ps
	}
	return PairConflicted
}

// Terminal reports whether the pair state needs no further processing.
func (ps PairState) Terminal() bool {
	switch ps {
	case PairSynchronized, PairUnsynchronized, PairConflicted, PairDeleted:
		return true
	}
	return false
}

// Pair binds one local path to one remote document.
type Pair struct {
	ID              int64  `json:"id"`
	LocalPath       string `json:"local_path"`
	LocalParentPath string `json:"local_parent_path"`
	LocalName       string `json:"local_name"`
	Folderish       bool   `json:"folderish"`
	LocalDigest     string `json:"local_digest,omitempty"`

	RemoteRef        string `json:"remote_ref,omitempty"`
	RemoteParentRef  string `json:"remote_parent_ref,omitempty"`
	RemoteParentPath string `json:"remote_parent_path,omitempty"`
	RemoteName       string `json:"remote_name,omitempty"`
	RemoteDigest     string `json:"remote_digest,omitempty"`

	LastLocalMtime  time.Time `json:"last_local_mtime"`
	LastRemoteMtime time.Time `json:"last_remote_mtime"`

	LocalState  State     `json:"local_state"`
	RemoteState State     `json:"remote_state"`
	PairState   PairState `json:"pair_state"`

	Processor    int64     `json:"processor"`
	ErrorCount   int       `json:"error_count"`
	LastError    string    `json:"last_error,omitempty"`
	ErrorDetails string    `json:"last_error_details,omitempty"`
	NextRetry    time.Time `json:"next_retry_at,omitempty"`

	Version int64 `json:"version"`
	Session int64 `json:"session,omitempty"`
}

// IsRoot reports whether the pair represents the sync root itself.
func (p *Pair) IsRoot() bool {
	return p.LocalPath == ""
}

// Bound reports whether both sides of the mapping are set.
func (p *Pair) Bound() bool {
	return p.LocalPath != "" && p.RemoteRef != ""
}

// UpdateLocal moves the local path and recomputes the denormalized
// parent and name columns.
func (p *Pair) UpdateLocal(localPath string) {
	p.LocalPath = localPath
	p.LocalParentPath = parentOf(localPath)
	p.LocalName = path.Base(localPath)
}

// RefreshState recomputes PairState from the two side states.
func (p *Pair) RefreshState() {
	p.PairState = DerivePairState(p.LocalState, p.RemoteState)
}

func parentOf(rel string) string {
	dir := path.Dir(rel)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
