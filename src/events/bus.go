// Package events fans bot events out to subscribers (the websocket
// stream, tests, whatever else cares). Publishing never blocks: a
// subscriber that cannot keep up loses events rather than stalling the
// trading loop.
package events

import (
	"sync"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/model"
)

const subscriberBuffer = 64

// Bus is a buffered fan-out of model.Event.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan model.Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan model.Event)}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release it.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan model.Event, subscriberBuffer)
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

// Publish delivers the event to every subscriber, dropping it for any
// whose buffer is full.
func (b *Bus) Publish(event model.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			logger.WithFields(logger.Fields{
				"subscriber": id,
				"type":       event.Type,
			}).Debug("event dropped, slow subscriber")
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
