// Package eventbus implements the process-local Event Bus (C8):
// fire-and-forget, non-blocking publish with two-lane backpressure.
// Non-droppable events (task_completed, registry_changed,
// tool_execution) always get delivered, buffered if necessary;
// droppable, high-frequency events (log, progress) are dropped oldest-
// first when a subscriber falls behind, with an overflow marker folded
// into the next delivered event of that kind.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/synthloop/evoagent/pkg/types"
)

const (
	highPriBuffer = 256
	lowPriBuffer  = 64
)

// droppableIndex maps a droppable event type to a fixed slot used to
// track per-kind overflow counts; -1 for a non-droppable type.
func droppableIndex(t types.EventType) int {
	switch t {
	case types.EventLog:
		return 0
	case types.EventProgress:
		return 1
	default:
		return -1
	}
}

// subscriber is one consumer's merged delivery channel plus the two
// lanes that feed it.
type subscriber struct {
	id      uint64
	highPri chan types.Event
	lowPri  chan types.Event
	merged  chan types.Event
	dropped atomic.Int64
	// overflow tracks, per droppable kind, how many events of that kind
	// have been dropped since the last one actually delivered. It is
	// folded into the next delivered event of that kind and reset.
	overflow [2]atomic.Int64
	closed   atomic.Bool
	cancel   context.CancelFunc
}

func newSubscriber(id uint64) *subscriber {
	s := &subscriber{
		id:      id,
		highPri: make(chan types.Event, highPriBuffer),
		lowPri:  make(chan types.Event, lowPriBuffer),
		merged:  make(chan types.Event, highPriBuffer),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.mergeLoop(ctx)
	return s
}

// mergeLoop prioritizes highPri strictly over lowPri: every iteration
// first drains any immediately-available highPri event before
// considering lowPri.
func (s *subscriber) mergeLoop(ctx context.Context) {
	defer close(s.merged)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.highPri:
			s.deliver(ctx, ev)
		default:
			select {
			case <-ctx.Done():
				return
			case ev := <-s.highPri:
				s.deliver(ctx, ev)
			case ev := <-s.lowPri:
				s.deliver(ctx, ev)
			}
		}
	}
}

func (s *subscriber) deliver(ctx context.Context, ev types.Event) {
	if idx := droppableIndex(ev.Type); idx >= 0 {
		if n := s.overflow[idx].Swap(0); n > 0 {
			ev.OverflowDropped = int(n)
		}
	}
	select {
	case s.merged <- ev:
	case <-ctx.Done():
	}
}

func (s *subscriber) publish(ev types.Event) {
	if idx := droppableIndex(ev.Type); idx >= 0 {
		select {
		case s.lowPri <- ev:
		default:
			// Drop the oldest queued low-priority event to make room,
			// then enqueue the new one. If the lane drained between the
			// failed send and this drain, just enqueue directly.
			select {
			case <-s.lowPri:
				s.dropped.Add(1)
				s.overflow[idx].Add(1)
			default:
			}
			select {
			case s.lowPri <- ev:
			default:
			}
		}
		return
	}
	// Non-droppable: block the publisher goroutine briefly rather than
	// ever discard a lifecycle event. The channel is generously
	// buffered, so this only blocks a genuinely wedged subscriber.
	s.highPri <- ev
}

func (s *subscriber) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// Bus is the process-local publish/subscribe hub.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	logger *slog.Logger
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subs:   map[uint64]*subscriber{},
		logger: slog.Default().With("component", "eventbus"),
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Events returns the channel of events for this subscription.
func (s *Subscription) Events() <-chan types.Event { return s.sub.merged }

// Dropped returns the number of droppable events discarded so far
// because this subscriber fell behind.
func (s *Subscription) Dropped() int64 { return s.sub.dropped.Load() }

// Close stops delivery to this subscription and releases its
// goroutine.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub.id)
	s.bus.mu.Unlock()
	s.sub.close()
}

// Subscribe registers a new subscriber and returns a handle to drain
// its events.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := newSubscriber(b.nextID)
	b.subs[sub.id] = sub
	return &Subscription{bus: b, sub: sub}
}

// Publish fans ev out to every current subscriber. Publish itself
// never blocks on a slow subscriber for droppable events; it may
// briefly block for non-droppable events so lifecycle events are never
// silently lost.
func (b *Bus) Publish(ev types.Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.publish(ev)
	}
}

// SubscriberCount reports the number of currently active subscribers,
// for observability.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
