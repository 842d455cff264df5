// Package worker executes the scheduled pair actions against the
// local filesystem and the remote gateway.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/localfs"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/store"
)

// pauseProbe is how often an idle or paused worker re-checks its
// signals.
const pauseProbe = 100 * time.Millisecond

// gateRetry is the re-enqueue delay for a pair held back by tree
// order.
const gateRetry = 500 * time.Millisecond

// Pool runs the fixed set of workers. Pool size bounds concurrent
// pair actions; the transfer semaphore independently bounds the
// content transfers among them so bulk metadata work cannot starve
// bandwidth.
type Pool struct {
	queue   *queue.Queue
	store   *store.Store
	local   *localfs.LocalStore
	gateway remote.Gateway
	bus     *events.Bus
	logger  *events.Logger

	workers    int
	transfers  *semaphore.Weighted
	chunkSize  int64
	digestAlgo string
	deletion   config.DeletionBehavior
	rootRef    string

	progress *ProgressRegistry
	paused   atomic.Bool
}

// NewPool creates a pool from sync configuration. rootRef is the
// remote ref of the sync root, the upload target for top-level pairs.
func NewPool(q *queue.Queue, st *store.Store, local *localfs.LocalStore, gateway remote.Gateway,
	bus *events.Bus, cfg *config.SyncConfig, rootRef string, logger *events.Logger) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 2
	}
	maxTransfers := cfg.MaxTransfers
	if maxTransfers < 1 {
		maxTransfers = 5
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}

	return &Pool{
		queue:      q,
		store:      st,
		local:      local,
		gateway:    gateway,
		bus:        bus,
		logger:     logger.WithField("component", "worker_pool"),
		workers:    workers,
		transfers:  semaphore.NewWeighted(int64(maxTransfers)),
		chunkSize:  chunkSize,
		digestAlgo: "md5",
		deletion:   cfg.DeletionBehavior,
		rootRef:    rootRef,
		progress:   NewProgressRegistry(),
	}
}

// Progress exposes the in-flight transfer registry.
func (p *Pool) Progress() *ProgressRegistry { return p.progress }

// Pause stops new dequeues; in-flight actions finish cooperatively.
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume reverses Pause.
func (p *Pool) Resume() { p.paused.Store(false) }

// Paused reports the pause flag.
func (p *Pool) Paused() bool { return p.paused.Load() }

// Run blocks until the context ends, running every worker loop.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := int64(i + 1)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID int64) {
	logger := p.logger.WithField("worker", workerID)

	for {
		if ctx.Err() != nil {
			return
		}
		if p.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pauseProbe):
			}
			continue
		}

		pairID, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		p.processOne(ctx, workerID, pairID, logger)
	}
}

// processOne claims and executes one pair action.
func (p *Pool) processOne(ctx context.Context, workerID, pairID int64, logger *events.Logger) {
	pair, err := p.store.GetPair(pairID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.WithError(err).WithField("pair_id", pairID).Warn("Could not load pair")
		}
		return
	}
	if pair.PairState.Terminal() || pair.PairState == models.PairUnknown {
		return
	}

	blocked, err := p.queue.Blocked(pair)
	if err != nil {
		logger.WithError(err).WithField("pair_id", pairID).Warn("Could not evaluate tree order")
		return
	}
	if blocked {
		p.queue.PushAfter(pairID, gateRetry)
		return
	}

	claim, err := p.store.AcquirePair(pair.ID, workerID, pair.Version)
	if err != nil {
		// Raced another worker or a fresher observation; the
		// reconciler re-dispatches if work remains.
		return
	}
	defer claim.Release()

	logger = logger.WithFields(map[string]interface{}{
		"pair_id": pair.ID,
		"path":    pair.LocalPath,
		"state":   string(pair.PairState),
	})
	logger.Debug("Processing pair")

	if err := p.execute(ctx, pair); err != nil {
		p.handleFailure(pair, err, logger)
		return
	}

	if err := p.store.ClearPairError(pair.ID); err != nil {
		logger.WithError(err).Debug("Could not clear error bookkeeping")
	}

	p.bus.Publish(events.Event{
		Type:      events.PairSynced,
		PairID:    pair.ID,
		LocalPath: pair.LocalPath,
		RemoteRef: pair.RemoteRef,
	})
	p.advanceSession(pair, logger)
	logger.Debug("Pair processed")
}

// handleFailure applies the failure taxonomy to one failed action.
func (p *Pool) handleFailure(pair *models.Pair, cause error, logger *events.Logger) {
	if errors.Is(cause, models.ErrEngineStopped) || errors.Is(cause, context.Canceled) {
		// Interrupted, not failed; recovery resumes from the
		// persisted transfer state.
		return
	}

	kind := models.Classify(cause)
	logger = logger.WithError(cause).WithField("kind", string(kind))

	switch kind {
	case models.KindConflict:
		logger.Warn("Action conflicted")
		pair.LocalState = models.StateModified
		pair.RemoteState = models.StateModified
		if err := p.store.UpdatePair(pair); err != nil && !errors.Is(err, models.ErrCannotAcquire) {
			logger.WithError(err).Warn("Could not mark pair conflicted")
		}

	case models.KindUnauthorized:
		logger.Error("Remote rejected credentials")
		p.bus.Publish(events.Event{Type: events.CredentialsInvalid, Error: cause.Error()})

	case models.KindForbidden:
		logger.Warn("Operation not permitted remotely, marking pair unsynchronized")
		pair.LocalState = models.StateUnsynchronized
		if err := p.store.UpdatePair(pair); err != nil && !errors.Is(err, models.ErrCannotAcquire) {
			logger.WithError(err).Warn("Could not mark pair unsynchronized")
		}

	case models.KindNotFound:
		// The remote side vanished under us; record the observation
		// and let reconciliation decide.
		logger.Info("Remote document vanished mid-action")
		pair.RemoteState = models.StateDeleted
		if err := p.store.UpdatePair(pair); err != nil && !errors.Is(err, models.ErrCannotAcquire) {
			logger.WithError(err).Warn("Could not record remote deletion")
		}

	case models.KindFatal, models.KindCorruption:
		logger.Error("Action failed fatally")
		p.queue.ReportError(pair, cause)
		if pair.Session != 0 {
			if err := p.store.SetSessionStatus(pair.Session, models.SessionCancelled); err != nil {
				logger.WithError(err).Warn("Could not cancel session")
			}
		}

	default:
		logger.Warn("Action failed, will retry")
		p.queue.ReportError(pair, cause)
	}
}

// advanceSession bumps batch progress when the pair belongs to one.
func (p *Pool) advanceSession(pair *models.Pair, logger *events.Logger) {
	if pair.Session == 0 {
		return
	}

	sess, err := p.store.SessionItemDone(pair.Session)
	if err != nil {
		logger.WithError(err).WithField("session", pair.Session).Warn("Could not advance session")
		return
	}

	p.bus.Publish(events.Event{
		Type:      events.SessionProgress,
		SessionID: sess.UID,
		Details: map[string]interface{}{
			"uploaded": sess.UploadedItems,
			"total":    sess.TotalItems,
			"status":   string(sess.Status),
		},
	})
}

// interact is the cooperative cancellation probe for long actions.
func interact(ctx context.Context) error {
	if ctx.Err() != nil {
		return models.ErrEngineStopped
	}
	return nil
}
