// Package push receives board change notifications from the control
// plane over a Redis stream and fans them out to local subscribers.
package push

import (
	"sync"

	"agentboard/internal/model"
)

type boardEventSubscriber struct {
	id     int64
	entity model.BoardEntity
	ch     chan model.BoardEvent
}

// Broker fans board events out to in-process subscribers. Publishing
// never blocks: a full subscriber buffer drops its oldest event to
// make room, and a subscriber that still cannot accept misses the
// event.
type Broker struct {
	mu          sync.Mutex
	closed      bool
	nextID      int64
	nextSeq     int64
	bufferSize  int
	subscribers map[int64]boardEventSubscriber
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broker{
		bufferSize:  bufferSize,
		subscribers: make(map[int64]boardEventSubscriber),
	}
}

// Subscribe registers a listener, optionally filtered to one entity
// kind. The cancel func releases the subscription.
func (b *Broker) Subscribe(entity model.BoardEntity) (<-chan model.BoardEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.BoardEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	subscriber := boardEventSubscriber{
		id:     b.nextID,
		entity: entity,
		ch:     ch,
	}
	b.subscribers[subscriber.id] = subscriber
	return ch, func() {
		b.unsubscribe(subscriber.id)
	}
}

// Publish assigns the event's local sequence and delivers it to every
// matching subscriber. Returns the number of deliveries. Delivery
// happens under the lock so an unsubscribe can never close a channel
// mid-send; every send is non-blocking, so the lock is never held
// waiting on a receiver.
func (b *Broker) Publish(event model.BoardEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.nextSeq++
	event.Sequence = b.nextSeq

	delivered := 0
	for _, subscriber := range b.subscribers {
		if subscriber.entity != "" && subscriber.entity != event.Entity {
			continue
		}
		if tryPublishEvent(subscriber.ch, event) {
			delivered++
		}
	}
	return delivered
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, subscriber := range b.subscribers {
		close(subscriber.ch)
		delete(b.subscribers, id)
	}
}

func (b *Broker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscriber, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(subscriber.ch)
}

func tryPublishEvent(ch chan model.BoardEvent, event model.BoardEvent) bool {
	select {
	case ch <- event:
		return true
	default:
		// Drop one stale event and retry once so fanout never blocks.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}
}
