package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventJobStarted, Message: "job started"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventJobStarted, ev.Type)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	b.Unsubscribe(sub1)
	b.Unsubscribe(sub1)
	assert.Equal(t, 1, b.SubscriberCount())

	_, ok := <-sub1
	assert.False(t, ok, "unsubscribed channel should be closed")
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// Not started: the queue fills up and the rest is dropped

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventNodeDiscovered})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	require.Len(t, b.queue, cap(b.queue))
	assert.Equal(t, uint64(500-queueSize), b.Dropped())
	b.Stop()
	b.Stop()
}

func TestSubscribeFiltersTypes(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	jobs := b.Subscribe(EventJobDone, EventJobFailed)
	all := b.Subscribe()

	b.Publish(&Event{Type: EventNodeDiscovered})
	b.Publish(&Event{Type: EventJobDone})

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("unfiltered subscriber missed an event")
		}
	}

	select {
	case ev := <-jobs:
		assert.Equal(t, EventJobDone, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber missed job.done")
	}

	select {
	case ev := <-jobs:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
