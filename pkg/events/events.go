package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventReplicaMerged         EventType = "replica.merged"
	EventReplicaConflict       EventType = "replica.conflict"
	EventSyncStarted           EventType = "sync.started"
	EventSyncCompleted         EventType = "sync.completed"
	EventSyncFailed            EventType = "sync.failed"
	EventNodeOffline           EventType = "node.offline"
	EventNodeOnline            EventType = "node.online"
	EventVectorClockPrune      EventType = "vector_clock_prune"
	EventVerificationCompleted EventType = "verification.completed"
	EventCircuitStateChange    EventType = "circuit.state_change"
	EventStorageCompacted      EventType = "storage.compacted"
)

// Event is one in-process notification
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	ReplicaID string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers. Buffers are bounded; when a
// subscriber's buffer is full the event is dropped for that subscriber
// and counted, so memory never grows under a stalled consumer.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	dropped     atomic.Uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. Never blocks the
// caller: if the broker buffer is full the event is dropped and
// counted.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded due to full buffers
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
