// Package reconcile turns recorded observations into scheduled work:
// it resolves trivial conflicts, surfaces the real ones, and feeds
// eligible pairs to the queue.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/store"
)

// defaultBatch bounds how many pairs one pass feeds to the queue.
const defaultBatch = 64

// Reconciler runs between the observers (scanner, watcher, poller)
// and the queue.
type Reconciler struct {
	store  *store.Store
	queue  *queue.Queue
	bus    *events.Bus
	logger *events.Logger

	wake     <-chan struct{}
	interval time.Duration
	batch    int

	mu   sync.Mutex
	seen map[int64]int64 // conflict id -> version already surfaced
}

// New creates a reconciler. The wake channel is poked by the
// observers; the interval is the fallback pass cadence.
func New(st *store.Store, q *queue.Queue, bus *events.Bus, wake <-chan struct{}, interval time.Duration, logger *events.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{
		store:    st,
		queue:    q,
		bus:      bus,
		logger:   logger.WithField("component", "reconciler"),
		wake:     wake,
		interval: interval,
		batch:    defaultBatch,
		seen:     make(map[int64]int64),
	}
}

// Run loops until the context ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Tick(ctx); err != nil {
			r.logger.WithError(err).Warn("Reconcile pass failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// Tick runs one reconcile pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return models.ErrEngineStopped
	}

	if err := r.resolveConflicts(); err != nil {
		return err
	}
	return r.dispatch()
}

// resolveConflicts clears conflicts that are not real: both sides
// carry the same content, or both sides created the same folder. The
// rest is surfaced to listeners once per version.
func (r *Reconciler) resolveConflicts() error {
	conflicts, err := r.store.ConflictPairs()
	if err != nil {
		return err
	}
	r.prune(conflicts)

	for _, pair := range conflicts {
		if r.tieBreak(pair) {
			pair.LocalState = models.StateSynchronized
			pair.RemoteState = models.StateSynchronized
			if err := r.store.UpdatePair(pair); err != nil {
				r.logger.WithError(err).WithField("pair_id", pair.ID).Warn("Could not auto-resolve conflict")
				continue
			}

			r.forget(pair.ID)
			r.bus.Publish(events.Event{
				Type:      events.PairSynced,
				PairID:    pair.ID,
				LocalPath: pair.LocalPath,
				RemoteRef: pair.RemoteRef,
			})
			continue
		}

		if r.surface(pair.ID, pair.Version) {
			r.logger.WithFields(map[string]interface{}{
				"pair_id": pair.ID,
				"path":    pair.LocalPath,
			}).Warn("Pair needs manual resolution")
			r.bus.Publish(events.Event{
				Type:      events.PairConflicted,
				PairID:    pair.ID,
				LocalPath: pair.LocalPath,
				RemoteRef: pair.RemoteRef,
			})
		}
	}
	return nil
}

// tieBreak reports whether a conflict resolves itself: identical
// digests mean the same content landed on both sides, and a folder
// that exists on both sides under the same name is simply merged.
func (r *Reconciler) tieBreak(pair *models.Pair) bool {
	if pair.Folderish {
		return pair.RemoteRef != "" && pair.LocalName == pair.RemoteName
	}
	return pair.LocalDigest != "" && pair.LocalDigest == pair.RemoteDigest
}

// dispatch feeds the runnable pairs to the queue in store order.
func (r *Reconciler) dispatch() error {
	pending, err := r.store.PendingPairs(r.batch)
	if err != nil {
		return err
	}
	for _, pair := range pending {
		r.queue.Push(pair.ID)
	}
	return nil
}

// surface reports whether this conflict version has not been
// published yet and marks it.
func (r *Reconciler) surface(id, version int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[id] == version {
		return false
	}
	r.seen[id] = version
	return true
}

func (r *Reconciler) forget(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, id)
}

// prune drops bookkeeping for pairs that left the conflicted state
// through a worker or a manual resolution, so the map tracks only
// live conflicts.
func (r *Reconciler) prune(conflicts []*models.Pair) {
	live := make(map[int64]bool, len(conflicts))
	for _, pair := range conflicts {
		live[pair.ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.seen {
		if !live[id] {
			delete(r.seen, id)
		}
	}
}
