// Package events is the in-process fan-out joining the pipeline to
// analytics and webhook delivery. Publishing never blocks the send path:
// a subscriber that cannot keep up drops events and logs the overflow.
package events

import (
	"sync"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

const subscriberBuffer = 1024

// Bus distributes domain events to registered subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan *domain.Event
	done bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer and returns its channel. The channel is
// closed by Close.
func (b *Bus) Subscribe() <-chan *domain.Event {
	ch := make(chan *domain.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev *domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.done {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Warn("event subscriber overflow, event dropped",
				"tenant_id", ev.TenantID,
				"type", string(ev.Type))
		}
	}
}

// Close stops the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for _, ch := range b.subs {
		close(ch)
	}
}
