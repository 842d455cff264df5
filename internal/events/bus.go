package events

import (
	"sync"
	"time"
)

// Type identifies an engine event on the side channel.
type Type string

const (
	PairSynced         Type = "pair_synced"
	PairConflicted     Type = "pair_conflicted"
	PairError          Type = "pair_error"
	SessionProgress    Type = "session_progress"
	RootLost           Type = "root_lost"
	CredentialsInvalid Type = "credentials_invalid"
)

// Event is the structured payload delivered to listeners.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	PairID    int64                  `json:"pair_id,omitempty"`
	LocalPath string                 `json:"local_path,omitempty"`
	RemoteRef string                 `json:"remote_ref,omitempty"`
	SessionID int64                  `json:"session_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Bus fans engine events out to subscribers. Publishing never blocks;
// a subscriber that falls behind loses events.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger *Logger
}

// NewBus creates an event bus.
func NewBus(logger *Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.WithField("component", "event_bus"),
	}
}

// Subscribe registers a listener. The returned cancel function must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, 256)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.WithField("type", evt.Type).Debug("Subscriber full, dropping event")
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
