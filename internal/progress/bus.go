// Package progress fans pipeline progress events out to live subscribers.
//
// Delivery is best effort and live only: a subscriber sees events published
// while it is subscribed, in publish order, and nothing from before it joined.
// Publish never blocks. A subscriber that cannot keep up is evicted and its
// channel closed, so a consumer never observes a silent gap.
package progress

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/vidscan/internal/metrics"
	"github.com/jonathan/vidscan/internal/types"
)

// DefaultBuffer is used when NewBus is given a non-positive buffer size.
const DefaultBuffer = 64

// Publisher accepts progress events.
type Publisher interface {
	Publish(event types.ProgressEvent)
}

// Subscription is a live feed of events. C is closed on Unsubscribe,
// on eviction, or when the bus closes.
type Subscription struct {
	C <-chan types.ProgressEvent

	id      uint64
	videoID uuid.UUID
	ch      chan types.ProgressEvent
}

// Bus is an in-process broadcast of progress events.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	log    *zap.Logger
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a subscriber. A zero videoID receives every job's events.
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus) Subscribe(videoID uuid.UUID) *Subscription {
	ch := make(chan types.ProgressEvent, b.buffer)
	sub := &Subscription{C: ch, ch: ch, videoID: videoID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	metrics.BusSubscribers.Inc()
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// Publish delivers event to every matching subscriber without blocking.
func (b *Bus) Publish(event types.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.videoID != uuid.Nil && sub.videoID != event.VideoID {
			continue
		}
		select {
		case sub.ch <- event:
			metrics.BusEvents.WithLabelValues("delivered").Inc()
		default:
			metrics.BusEvents.WithLabelValues("evicted").Inc()
			b.log.Warn("evicting slow progress subscriber",
				zap.Uint64("subscriber", sub.id),
				zap.String("video_id", event.VideoID.String()))
			b.remove(sub)
		}
	}
}

// Len reports the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		b.remove(sub)
	}
}

// remove must be called with b.mu held.
func (b *Bus) remove(sub *Subscription) {
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
	metrics.BusSubscribers.Dec()
}
