package worker

import (
	"sync"

	"github.com/driftsync/driftsync/internal/models"
)

// TransferProgress is a point-in-time view of one running transfer.
type TransferProgress struct {
	PairID      int64                    `json:"pair_id"`
	LocalPath   string                   `json:"local_path"`
	Direction   models.TransferDirection `json:"direction"`
	Transferred int64                    `json:"transferred"`
	TotalBytes  int64                    `json:"total_bytes"`
}

// ProgressRegistry tracks in-flight transfers for status reporting.
type ProgressRegistry struct {
	mu      sync.Mutex
	entries map[int64]TransferProgress
}

// NewProgressRegistry creates an empty registry.
func NewProgressRegistry() *ProgressRegistry {
	return &ProgressRegistry{entries: make(map[int64]TransferProgress)}
}

// Update records the state of a transfer.
func (r *ProgressRegistry) Update(p TransferProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.PairID] = p
}

// Remove drops a finished transfer.
func (r *ProgressRegistry) Remove(pairID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, pairID)
}

// Snapshot returns a copy of every running transfer.
func (r *ProgressRegistry) Snapshot() []TransferProgress {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TransferProgress, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	return out
}
