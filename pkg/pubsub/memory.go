package pubsub

import (
	"context"
	"sync"

	"github.com/qabelwerk/blockd/pkg/metrics"
)

// subscriptionBuffer bounds the per-subscriber queue. A slow consumer loses
// messages instead of stalling publishers.
const subscriptionBuffer = 16

// MemoryBus is a process-local Bus for single-node deployments and tests.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[*memorySubscription]struct{}
	closed  bool
	metrics *metrics.Gateway
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(m *metrics.Gateway) *MemoryBus {
	return &MemoryBus{
		subs:    make(map[*memorySubscription]struct{}),
		metrics: m,
	}
}

type memorySubscription struct {
	bus      *MemoryBus
	pattern  string
	wildcard bool
	events   chan Event
	once     sync.Once
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.events)
		s.bus.metrics.PubSubClosed()
	})
	return nil
}

func (s *memorySubscription) matches(channel string) bool {
	if s.wildcard {
		return matchChannel(s.pattern, channel)
	}
	return s.pattern == channel
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			// Slow consumer; drop.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string, wildcard bool) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:      b,
		pattern:  channel,
		wildcard: wildcard,
		events:   make(chan Event, subscriptionBuffer),
	}
	b.subs[sub] = struct{}{}
	b.metrics.PubSubOpened()
	return sub, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
