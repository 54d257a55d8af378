package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventNodeDiscovered EventType = "node.discovered"
	EventNodeFree       EventType = "node.free"
	EventNodeRendering  EventType = "node.rendering"
	EventNodeError      EventType = "node.error"
	EventJobQueued      EventType = "job.queued"
	EventJobStarted     EventType = "job.started"
	EventJobDone        EventType = "job.done"
	EventJobFailed      EventType = "job.failed"
	EventJobCancelled   EventType = "job.cancelled"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event represents a farm event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// filter selects event types; an empty filter accepts everything
type filter map[EventType]struct{}

func (f filter) accepts(t EventType) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[t]
	return ok
}

// Broker fans farm events out to subscribers. Publishing never blocks the
// farm: events are dropped when the queue or a subscriber is full.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]filter

	queue    chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
	dropped  uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]filter),
		queue:       make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins delivering events
func (b *Broker) Start() {
	go b.run()
}

// Stop ends delivery. Subscribers are not closed; call Unsubscribe.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	f := make(filter, len(types))
	for _, t := range types {
		f[t] = struct{}{}
	}

	sub := make(Subscriber, subscriberSize)

	b.mu.Lock()
	b.subscribers[sub] = f
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub and closes it. Unknown subscribers are ignored.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish stamps the event with an ID and time when missing and queues it
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.queue <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, f := range b.subscribers {
		if !f.accepts(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Slow subscriber
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were discarded because the queue was full
func (b *Broker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
