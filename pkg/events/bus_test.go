package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeTaskEnqueued, Message: "Task enqueued"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, TypeTaskEnqueued, evt.Type)
			assert.False(t, evt.Timestamp.IsZero(), "timestamp is filled in on publish")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeQueueEmpty})
	b.Publish(Event{Type: TypeTaskClaimed}) // buffer full: dropped

	evt := <-ch
	assert.Equal(t, TypeQueueEmpty, evt.Type)

	select {
	case evt := <-ch:
		t.Fatalf("expected the second event to be dropped, got %s", evt.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsub := b.Subscribe(1)
	require.Equal(t, 1, b.SubscriberCount())

	unsub()
	unsub() // second call is a no-op

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())
}

func TestCloseStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe(1)

	b.Close()
	b.Close() // idempotent
	b.Publish(Event{Type: TypeTaskCompleted})

	_, open := <-ch
	assert.False(t, open, "subscriber channel is closed with the bus")
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBus()
	b.Close()

	ch, unsub := b.Subscribe(1)
	unsub()

	_, open := <-ch
	assert.False(t, open)
}

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus

	b.Publish(Event{Type: TypeTaskFailed})
	assert.Zero(t, b.SubscriberCount())
	b.Close()

	ch, unsub := b.Subscribe(1)
	unsub()
	_, open := <-ch
	assert.False(t, open)
}
