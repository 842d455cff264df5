package models

import "time"

// SessionStatus tracks the lifecycle of a batched submission.
type SessionStatus string

const (
	SessionOngoing   SessionStatus = "ongoing"
	SessionPaused    SessionStatus = "paused"
	SessionDone      SessionStatus = "done"
	SessionCancelled SessionStatus = "cancelled"
)

// Session groups pairs submitted together so aggregate progress can be
// reported to listeners.
type Session struct {
	UID           int64         `json:"uid"`
	Status        SessionStatus `json:"status"`
	TotalItems    int           `json:"total_items"`
	UploadedItems int           `json:"uploaded_items"`
	PlannedItems  int           `json:"planned_items"`
	CreatedOn     time.Time     `json:"created_on"`
	CompletedOn   time.Time     `json:"completed_on,omitempty"`
	Engine        string        `json:"engine"`
}

// Complete reports whether every planned item has been processed.
func (s *Session) Complete() bool {
	return s.UploadedItems >= s.TotalItems
}
