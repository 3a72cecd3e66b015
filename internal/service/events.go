package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/logger"
)

// EventType names an event published on the EventBus.
type EventType string

const (
	EventTallyChanged        EventType = "tally.changed"
	EventLoggedIn            EventType = "auth.logged_in"
	EventLoggedOut           EventType = "auth.logged_out"
	EventSubmissionQueued    EventType = "submission.queued"
	EventSubmissionSynced    EventType = "submission.synced"
	EventSubmissionHeld      EventType = "submission.held"
	EventDrainCompleted      EventType = "sync.drain_completed"
	EventConnectivityChanged EventType = "connectivity.changed"
)

// Event is a notification for collaborators of the core.
type Event struct {
	Type EventType   `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data,omitempty"`
}

// LoggedOut is the data of EventLoggedOut.
type LoggedOut struct {
	Reason string `json:"reason"`
}

// SubmissionEvent is the data of the submission events.
type SubmissionEvent struct {
	SubmissionID string `json:"submission_id,omitempty"`
	RemoteID     int64  `json:"remote_id,omitempty"`
	ProjectID    int64  `json:"project_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ConnectivityEvent is the data of EventConnectivityChanged.
type ConnectivityEvent struct {
	Online bool `json:"online"`
}

// EventBus is an in-process pub/sub. Delivery never blocks the publisher:
// a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	log    *zap.Logger
}

// NewEventBus creates an event bus.
func NewEventBus(log *zap.Logger) *EventBus {
	return &EventBus{
		subs: make(map[int]chan Event),
		log:  logger.OrNop(log).Named("events"),
	}
}

// Subscribe returns a channel receiving every event published from now on
// and a function that cancels the subscription and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber. A nil bus drops the event.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Debug("subscriber too slow, event dropped", zap.Int("subscriber", id), zap.String("type", string(e.Type)))
		}
	}
}

// Close closes every subscription.
func (b *EventBus) Close() {
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
