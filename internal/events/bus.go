package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Bus distributes events to subscribers.
//
// Publish never blocks on a slow subscriber: when a subscriber's buffer is
// full the event is dropped for that subscriber only and the subscription is
// marked lagged. A lagged subscriber is expected to request a full state
// resync (KindRequestState) rather than replay of the dropped events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	capacity    int
	logger      *slog.Logger
	closed      bool

	counter atomic.Uint64
}

// Subscription is one subscriber's slot on the bus.
type Subscription struct {
	id      string
	ch      chan Event
	filter  Filter
	ctx     context.Context
	cancel  context.CancelFunc
	created time.Time

	received atomic.Int64
	dropped  atomic.Int64
	lagged   atomic.Bool
}

// Events returns the receive channel. It is closed on unsubscribe or bus close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Lagged reports whether events were dropped for this subscriber since the
// last ResyncDone.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Dropped returns the total number of events dropped for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// ResyncDone clears the lag mark after the subscriber has refreshed its
// state from storage.
func (s *Subscription) ResyncDone() { s.lagged.Store(false) }

// NewBus creates a bus whose subscribers default to the given buffer
// capacity.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*Subscription),
		capacity:    capacity,
		logger:      logger,
	}
}

// Publish sends ev to every matching subscriber and returns how many
// received it. Publishing on a closed bus is an error.
func (b *Bus) Publish(ctx context.Context, ev Event) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, fmt.Errorf("event bus is closed")
	}

	delivered := 0
	for _, sub := range b.subscribers {
		select {
		case <-sub.ctx.Done():
			continue
		default:
		}

		if !sub.filter.Matches(ev) {
			continue
		}

		select {
		case sub.ch <- ev:
			delivered++
			sub.received.Add(1)
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
			sub.dropped.Add(1)
			if !sub.lagged.Swap(true) {
				// First drop since the last resync: nudge the subscriber to
				// refresh from storage. Best effort; the Lagged flag is the
				// authoritative signal.
				select {
				case sub.ch <- New(KindRequestState, nil):
				default:
				}
			}
			b.logger.Warn("dropped event for slow subscriber",
				"subscriber", sub.id, "kind", ev.Kind, "dropped_total", sub.dropped.Load())
		}
	}
	return delivered, nil
}

// Subscribe registers a new subscriber. The returned cleanup must be called
// to release the slot. bufferSize <= 0 uses the bus default.
func (b *Bus) Subscribe(ctx context.Context, filter Filter, bufferSize int) (*Subscription, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = b.capacity
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		id:      fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), b.counter.Add(1)),
		ch:      make(chan Event, bufferSize),
		filter:  filter,
		ctx:     subCtx,
		cancel:  cancel,
		created: time.Now(),
	}
	b.subscribers[sub.id] = sub

	return sub, func() { b.unsubscribe(sub.id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	sub.cancel()
	close(sub.ch)
	delete(b.subscribers, id)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts the bus down. Idempotent; Publish fails afterwards.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subscribers {
		sub.cancel()
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}
