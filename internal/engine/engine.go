// Package engine wires the sync components together and owns their
// lifecycle: start, pause, resume and stop, plus the operator surface
// for conflicts, filters and metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/localfs"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/poller"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/reconcile"
	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/watcher"
	"github.com/driftsync/driftsync/internal/worker"
)

// rootRefKey is the config-table key binding the database to one
// remote sync root. A mismatch means the database belongs to a
// different account or root and must not be reused.
const rootRefKey = "remote_root_ref"

// Status is the lifecycle state of the engine.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusStopping    Status = "stopping"
	StatusStopped     Status = "stopped"
)

// Engine owns every sync component and the goroutines they run on.
type Engine struct {
	cfg     *config.Config
	reload  *config.ReloadableHolder
	logger  *events.Logger
	bus     *events.Bus
	gateway remote.Gateway

	store *store.Store
	local *localfs.LocalStore

	wake    chan struct{}
	queue   *queue.Queue
	scanner *watcher.Scanner
	watch   *watcher.Watcher
	poll    *poller.Poller
	recon   *reconcile.Reconciler
	pool    *worker.Pool

	rootRef string

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// Metrics is a point-in-time snapshot for status surfaces.
type Metrics struct {
	Status    Status                    `json:"status"`
	QueueLen  int                       `json:"queue_len"`
	Pairs     map[models.PairState]int  `json:"pairs"`
	Transfers []worker.TransferProgress `json:"transfers,omitempty"`
}

// New builds an engine from validated configuration. It opens the
// state database and binds the local root, but touches the remote only
// when Start runs.
func New(cfg *config.Config, gateway remote.Gateway, logger *events.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Remote.RootRef == "" {
		return nil, fmt.Errorf("remote.root_ref is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger = logger.WithField("component", "engine")
	reload := config.NewReloadableHolder(config.DefaultReloadable(cfg))

	st, err := store.Open(cfg.DatabasePath(), cfg.BackupDir(), logger)
	if err != nil {
		return nil, err
	}

	local, err := localfs.NewLocalStore(cfg.Storage.RootDir, cfg.TrashDir(), localfs.NewPlatformOps(), reload, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	bus := events.NewBus(logger)
	wake := make(chan struct{}, 1)

	q := queue.New(st, bus, cfg.Sync.RetryBaseDelay, cfg.Sync.MaxErrors, logger)
	scanner := watcher.NewScanner(local, st, "md5", wake, logger)
	watch, err := watcher.NewWatcher(local, scanner, bus, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	rootRef := cfg.Remote.RootRef
	e := &Engine{
		cfg:     cfg,
		reload:  reload,
		logger:  logger,
		bus:     bus,
		gateway: gateway,
		store:   st,
		local:   local,
		wake:    wake,
		queue:   q,
		scanner: scanner,
		watch:   watch,
		poll:    poller.New(gateway, st, bus, reload, cfg.Sync.MaxPollBackoff, rootRef, wake, logger),
		recon:   reconcile.New(st, q, bus, wake, 0, logger),
		pool:    worker.NewPool(q, st, local, gateway, bus, &cfg.Sync, rootRef, logger),
		rootRef: rootRef,
		status:  StatusInitialized,
	}
	return e, nil
}

// Events exposes the engine event bus for listeners.
func (e *Engine) Events() *events.Bus { return e.bus }

// Status returns the lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Start brings the engine to running. Starting a running engine is a
// no-op; starting a paused one resumes it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusRunning:
		return nil
	case StatusPaused:
		e.pool.Resume()
		e.status = StatusRunning
		return nil
	case StatusStopping, StatusStopped:
		return models.ErrEngineStopped
	}

	if err := e.recover(); err != nil {
		return err
	}
	if err := e.bindRoot(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	if err := e.watch.Start(runCtx); err != nil {
		cancel()
		return err
	}

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return ignoreCancel(e.poll.Run(runCtx)) })
	g.Go(func() error { return ignoreCancel(e.recon.Run(runCtx)) })
	g.Go(func() error { return e.pool.Run(runCtx) })
	g.Go(func() error { return e.scanLoop(runCtx) })
	g.Go(func() error { return e.eventLoop(runCtx) })

	done := e.done
	go func() {
		if err := g.Wait(); err != nil {
			e.logger.WithError(err).Error("Engine loop exited with error")
		}
		close(done)
	}()

	e.status = StatusRunning
	e.logger.WithField("root", e.cfg.Storage.RootDir).Info("Engine started")
	return nil
}

// Pause halts new dequeues. In-flight actions finish cooperatively.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return
	}
	e.pool.Pause()
	e.status = StatusPaused
	e.logger.Info("Engine paused")
}

// Resume reverses Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPaused {
		return
	}
	e.pool.Resume()
	e.status = StatusRunning
	e.logger.Info("Engine resumed")
}

// Stop cancels every loop, waits for them to drain and closes the
// database. Safe to call from any state, more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	switch e.status {
	case StatusStopped:
		e.mu.Unlock()
		return nil
	case StatusInitialized:
		e.status = StatusStopped
		e.mu.Unlock()
		e.bus.Close()
		return e.store.Close()
	case StatusStopping:
		done := e.done
		e.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}

	e.status = StatusStopping
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	e.logger.Info("Engine stopping")
	cancel()
	e.watch.Stop()
	if done != nil {
		<-done
	}

	e.mu.Lock()
	e.status = StatusStopped
	e.mu.Unlock()

	e.bus.Close()
	err := e.store.Close()
	e.logger.Info("Engine stopped")
	return err
}

// recover resets claims and transfers left behind by a previous run.
func (e *Engine) recover() error {
	n, err := e.store.ResetStaleProcessors()
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.WithField("count", n).Info("Released stale pair claims")
	}

	if e.store.RebuildNeeded() {
		e.logger.Warn("State database was rebuilt, a full rescan will run")
	}

	transfers, err := e.store.ResumableTransfers()
	if err != nil {
		return err
	}
	for _, t := range transfers {
		e.logger.WithFields(map[string]interface{}{
			"pair_id":   t.PairID,
			"direction": string(t.Direction),
		}).Info("Resuming interrupted transfer")
		e.queue.Push(t.PairID)
	}
	return nil
}

// bindRoot verifies the remote root exists and pins the database and
// the local root directory to it.
func (e *Engine) bindRoot(ctx context.Context) error {
	doc, err := e.gateway.Fetch(ctx, e.rootRef)
	if err != nil {
		return fmt.Errorf("fetch sync root %s: %w", e.rootRef, err)
	}
	if !doc.Folderish {
		return fmt.Errorf("sync root %s is not a folder", e.rootRef)
	}

	stored, err := e.store.GetConfig(rootRefKey, "")
	if err != nil {
		return err
	}
	if stored == "" {
		if err := e.store.SetConfig(rootRefKey, e.rootRef); err != nil {
			return err
		}
	} else if stored != e.rootRef {
		return fmt.Errorf("state database is bound to root %s, not %s", stored, e.rootRef)
	}

	marker, err := e.local.GetRootMarker()
	if err == nil && marker != "" && marker != e.rootRef {
		return fmt.Errorf("local root is bound to remote root %s, not %s", marker, e.rootRef)
	}
	if err := e.local.SetRootMarker(e.rootRef); err != nil {
		e.logger.WithError(err).Debug("Could not tag the sync root")
	}
	return nil
}

// scanLoop runs the initial full scan and the periodic safety rescans.
func (e *Engine) scanLoop(ctx context.Context) error {
	if err := e.scanner.ScanAll(ctx); err != nil && ctx.Err() == nil {
		e.logger.WithError(err).Error("Initial scan failed")
	}

	interval := e.cfg.Sync.ScanInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.scanner.ScanAll(ctx); err != nil && ctx.Err() == nil {
				e.logger.WithError(err).Warn("Periodic scan failed")
			}
		}
	}
}

// eventLoop reacts to engine-level events: a lost root stops the
// engine, invalid credentials pause it.
func (e *Engine) eventLoop(ctx context.Context) error {
	sub, cancel := e.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			switch evt.Type {
			case events.RootLost:
				e.logger.Error("Sync root lost, stopping engine")
				go e.Stop()
			case events.CredentialsInvalid:
				e.logger.Error("Credentials rejected, pausing engine")
				e.Pause()
			}
		}
	}
}

// ignoreCancel keeps a clean shutdown from looking like a failure.
func ignoreCancel(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, models.ErrEngineStopped) {
		return nil
	}
	return err
}

// Metrics returns a snapshot of the engine state.
func (e *Engine) Metrics() (Metrics, error) {
	counts, err := e.store.CountByPairState()
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		Status:    e.Status(),
		QueueLen:  e.queue.Len(),
		Pairs:     counts,
		Transfers: e.pool.Progress().Snapshot(),
	}, nil
}
