// Package queue orders pairs for the worker pool: creations run
// parent-first, deletions child-first, dispatch rotates across
// sessions so one large session cannot starve the others, and failing
// pairs are blacklisted with exponential backoff.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/store"
)

// maxBackoffShift caps the exponential delay growth.
const maxBackoffShift = 10

// Queue is the mutex-guarded in-memory dispatch order. Durable
// scheduling state (error counts, retry times) lives in the store;
// the queue only holds what is currently runnable. Ready pairs are
// kept per session and popped round-robin across sessions. Pairs
// outside any session share lane zero.
type Queue struct {
	store  *store.Store
	bus    *events.Bus
	logger *events.Logger

	baseDelay time.Duration
	threshold int

	mu       sync.Mutex
	sessions map[int64][]int64
	ring     []int64
	next     int
	queued   map[int64]bool
	wake     chan struct{}

	rng *rand.Rand
}

// New creates an empty queue.
func New(st *store.Store, bus *events.Bus, baseDelay time.Duration, threshold int, logger *events.Logger) *Queue {
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Queue{
		store:     st,
		bus:       bus,
		logger:    logger.WithField("component", "queue"),
		baseDelay: baseDelay,
		threshold: threshold,
		sessions:  make(map[int64][]int64),
		queued:    make(map[int64]bool),
		wake:      make(chan struct{}, 1),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Push appends a pair id to its session lane unless it is already
// queued.
func (q *Queue) Push(pairID int64) {
	session := int64(0)
	if pair, err := q.store.GetPair(pairID); err == nil {
		session = pair.Session
	}

	q.mu.Lock()
	if q.queued[pairID] {
		q.mu.Unlock()
		return
	}
	q.queued[pairID] = true
	if len(q.sessions[session]) == 0 {
		q.ring = append(q.ring, session)
	}
	q.sessions[session] = append(q.sessions[session], pairID)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// PushAfter re-enqueues a pair after a delay, used when it is gated
// behind a parent or its children.
func (q *Queue) PushAfter(pairID int64, delay time.Duration) {
	time.AfterFunc(delay, func() { q.Push(pairID) })
}

// Pop blocks until a pair id is available or the context ends. Each
// pop takes the head of the next session lane in rotation.
func (q *Queue) Pop(ctx context.Context) (int64, error) {
	for {
		q.mu.Lock()
		if id, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, models.ErrEngineStopped
		case <-q.wake:
		}
	}
}

// popLocked advances the session ring by one lane. Drained lanes leave
// the ring so the rotation only visits sessions with queued work.
func (q *Queue) popLocked() (int64, bool) {
	if len(q.ring) == 0 {
		return 0, false
	}
	if q.next >= len(q.ring) {
		q.next = 0
	}

	session := q.ring[q.next]
	lane := q.sessions[session]
	id := lane[0]

	if len(lane) == 1 {
		delete(q.sessions, session)
		q.ring = append(q.ring[:q.next], q.ring[q.next+1:]...)
	} else {
		q.sessions[session] = lane[1:]
		q.next++
	}
	delete(q.queued, id)
	return id, true
}

// Len returns the number of queued pairs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Blocked reports whether a pair must wait for tree order: a creation
// whose parent is not synchronized yet, or a folder deletion with
// deletions still pending underneath.
func (q *Queue) Blocked(pair *models.Pair) (bool, error) {
	switch pair.PairState {
	case models.PairLocallyCreated, models.PairRemotelyCreated,
		models.PairLocallyMoved, models.PairLocallyMovedCreated, models.PairRemotelyMoved:
		return q.parentPending(pair)

	case models.PairLocallyDeleted, models.PairRemotelyDeleted:
		if !pair.Folderish {
			return false, nil
		}
		return q.childDeletionPending(pair)
	}
	return false, nil
}

func (q *Queue) parentPending(pair *models.Pair) (bool, error) {
	if pair.LocalParentPath == "" {
		return false, nil
	}

	parent, err := q.store.GetPairByLocalPath(pair.LocalParentPath)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return parent.PairState != models.PairSynchronized, nil
}

func (q *Queue) childDeletionPending(pair *models.Pair) (bool, error) {
	children, err := q.store.PairsUnderLocalPath(pair.LocalPath)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child.ID == pair.ID {
			continue
		}
		switch child.PairState {
		case models.PairLocallyDeleted, models.PairRemotelyDeleted:
			return true, nil
		}
	}
	return false, nil
}

// ReportError blacklists a pair after a failed attempt. The delay
// doubles per consecutive failure and is jittered by twenty percent
// either way; past the threshold the pair is surfaced as a persistent
// error but keeps its retry schedule.
func (q *Queue) ReportError(pair *models.Pair, cause error) {
	count := pair.ErrorCount + 1

	shift := count - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := q.baseDelay * time.Duration(1<<shift)

	q.mu.Lock()
	factor := 0.8 + 0.4*q.rng.Float64()
	q.mu.Unlock()
	delay = time.Duration(float64(delay) * factor)

	nextRetry := time.Now().Add(delay)
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}

	if err := q.store.RecordPairError(pair.ID, detail, detail, count, nextRetry); err != nil {
		q.logger.WithError(err).WithField("pair_id", pair.ID).Warn("Could not record pair error")
		return
	}

	entry := q.logger.WithFields(map[string]interface{}{
		"pair_id":     pair.ID,
		"path":        pair.LocalPath,
		"error_count": count,
		"next_retry":  nextRetry.Format(time.RFC3339),
	})
	if count >= q.threshold {
		entry.Error("Pair keeps failing")
		q.bus.Publish(events.Event{
			Type:      events.PairError,
			PairID:    pair.ID,
			LocalPath: pair.LocalPath,
			RemoteRef: pair.RemoteRef,
			Error:     detail,
			Details:   map[string]interface{}{"error_count": count},
		})
	} else {
		entry.Warn("Pair failed, backing off")
	}
}
