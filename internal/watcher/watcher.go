package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/driftsync/driftsync/internal/events"
	"github.com/driftsync/driftsync/internal/localfs"
	"github.com/driftsync/driftsync/internal/models"
)

// defaultDebounce is how long an observation rests before it is
// applied, long enough to fold editor safe-save sequences into one
// logical event.
const defaultDebounce = 500 * time.Millisecond

type obsKind int

const (
	obsCreated obsKind = iota
	obsModified
	obsDeleted
	// obsVanished is a rename source: either the first half of a
	// safe-save (a create follows on the same path) or a move out of
	// the root (nothing follows).
	obsVanished
)

type observation struct {
	kind obsKind
	at   time.Time
}

// Watcher turns OS notifications into recorded local observations.
// Raw events rest in a pending set for a debounce window so bursts on
// the same path collapse before anything is written.
type Watcher struct {
	local   *localfs.LocalStore
	scanner *Scanner
	bus     *events.Bus
	logger  *events.Logger

	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*observation

	rescans  chan string
	rootLost bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a live watcher. Call Start to begin delivery.
func NewWatcher(local *localfs.LocalStore, scanner *Scanner, bus *events.Bus, logger *events.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	return &Watcher{
		local:    local,
		scanner:  scanner,
		bus:      bus,
		logger:   logger.WithField("component", "watcher"),
		fsw:      fsw,
		debounce: defaultDebounce,
		pending:  make(map[string]*observation),
		rescans:  make(chan string, 16),
	}, nil
}

// Start registers watches over the whole tree and launches the event
// and rescan loops.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watchTree(""); err != nil {
		return fmt.Errorf("watch sync root: %w", err)
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.rescanLoop(ctx)
	return nil
}

// Stop halts delivery and waits for the loops to drain.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	_ = w.fsw.Close()
	w.wg.Wait()
}

// watchTree adds non-recursive watches for relPath and every folder
// under it.
func (w *Watcher) watchTree(relPath string) error {
	abs, err := w.local.AbsPath(relPath)
	if err != nil {
		return err
	}
	if err := w.fsw.Add(abs); err != nil {
		return err
	}

	children, err := w.local.GetChildrenInfo(relPath)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, info := range children {
		if !info.Folderish {
			continue
		}
		if err := w.watchTree(info.Path); err != nil {
			w.logger.WithError(err).WithField("path", info.Path).Warn("Could not watch folder")
		}
	}
	return nil
}

// eventLoop consumes raw notifications and flushes rested
// observations on a short tick.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.absorb(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("Notification queue overflowed, scheduling full rescan")
				w.requestRescan("")
			} else {
				w.logger.WithError(err).Warn("Watcher error")
			}

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// absorb folds one raw notification into the pending set.
func (w *Watcher) absorb(ev fsnotify.Event) {
	relPath, err := w.local.RelPath(ev.Name)
	if err != nil {
		return
	}

	if relPath == "" {
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			w.emitRootLost()
		}
		return
	}

	parent, name := parentAndName(relPath)
	if w.local.IsTempFile(name) || w.local.IsIgnored(parent, name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	prev := w.pending[relPath]

	switch {
	case ev.Has(fsnotify.Create):
		if prev != nil && prev.kind == obsVanished {
			// Safe save: the editor renamed the original away and put a
			// fresh file in its place.
			w.pending[relPath] = &observation{kind: obsModified, at: now}
			return
		}
		w.pending[relPath] = &observation{kind: obsCreated, at: now}

	case ev.Has(fsnotify.Write):
		if prev != nil && prev.kind == obsCreated {
			// A create followed by writes is still one creation.
			prev.at = now
			return
		}
		w.pending[relPath] = &observation{kind: obsModified, at: now}

	case ev.Has(fsnotify.Remove):
		w.pending[relPath] = &observation{kind: obsDeleted, at: now}

	case ev.Has(fsnotify.Rename):
		// The destination is unknown here. A create on the same path
		// turns this into a modification; a create elsewhere in the
		// root adopts the content as a new pair; silence means the
		// path left the root and counts as a deletion.
		w.pending[relPath] = &observation{kind: obsVanished, at: now}
	}
}

// flush applies observations that have rested for the debounce
// window.
func (w *Watcher) flush(ctx context.Context) {
	if !w.local.Exists("") {
		w.emitRootLost()
		return
	}

	cutoff := time.Now().Add(-w.debounce)

	w.mu.Lock()
	var ready []string
	for path, obs := range w.pending {
		if obs.at.Before(cutoff) {
			ready = append(ready, path)
		}
	}
	batch := make(map[string]obsKind, len(ready))
	for _, path := range ready {
		batch[path] = w.pending[path].kind
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for path, kind := range batch {
		w.apply(ctx, path, kind)
	}
}

// apply writes one rested observation through the scanner.
func (w *Watcher) apply(ctx context.Context, relPath string, kind obsKind) {
	switch kind {
	case obsDeleted, obsVanished:
		if w.local.Exists(relPath) {
			// Recreated before the flush; pick the content up instead.
			w.applyPresent(ctx, relPath)
			return
		}
		if err := w.scanner.MarkDeleted(ctx, relPath); err != nil {
			w.logger.WithError(err).WithField("path", relPath).Warn("Could not record deletion")
		}

	case obsCreated, obsModified:
		w.applyPresent(ctx, relPath)
	}
}

// applyPresent records the current on-disk state of relPath. New
// folders get watches and a subtree scan since notifications before
// the watch existed were lost.
func (w *Watcher) applyPresent(ctx context.Context, relPath string) {
	info, err := w.local.GetInfo(relPath)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			w.logger.WithError(err).WithField("path", relPath).Warn("Could not stat changed path")
		}
		return
	}

	changed, err := w.scanner.applyInfo(ctx, info)
	if err != nil {
		w.logger.WithError(err).WithField("path", relPath).Warn("Could not record observation")
		return
	}
	if changed {
		w.scanner.poke()
	}

	if info.Folderish {
		if err := w.watchTree(relPath); err != nil {
			w.logger.WithError(err).WithField("path", relPath).Warn("Could not watch new folder")
		}
		w.requestRescan(relPath)
	}
}

// requestRescan queues a subtree rescan, falling back to a drop when
// the channel is full (a pending full rescan covers it).
func (w *Watcher) requestRescan(relPath string) {
	select {
	case w.rescans <- relPath:
	default:
		w.logger.WithField("path", relPath).Debug("Rescan queue full, dropping request")
	}
}

// rescanLoop serializes subtree rescans off the event path.
func (w *Watcher) rescanLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case relPath := <-w.rescans:
			var err error
			if relPath == "" {
				err = w.scanner.ScanAll(ctx)
			} else {
				err = w.scanner.ScanSubtree(ctx, relPath)
			}
			if err != nil && !errors.Is(err, models.ErrEngineStopped) {
				w.logger.WithError(err).WithField("path", relPath).Warn("Rescan failed")
			}
		}
	}
}

// emitRootLost publishes the root loss once.
func (w *Watcher) emitRootLost() {
	w.mu.Lock()
	already := w.rootLost
	w.rootLost = true
	w.mu.Unlock()

	if already {
		return
	}
	w.logger.Error("Sync root disappeared")
	w.bus.Publish(events.Event{Type: events.RootLost})
}
