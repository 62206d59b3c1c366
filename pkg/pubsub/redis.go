package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gomodule/redigo/redis"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/metrics"
)

// RedisBus implements the Bus on a redis broker. Publishes borrow a pooled
// connection; every subscription holds a dedicated one for the duration of
// its websocket.
type RedisBus struct {
	pool    *redis.Pool
	metrics *metrics.Gateway
}

// NewRedisBus creates a bus on top of an existing pool.
func NewRedisBus(pool *redis.Pool, m *metrics.Gateway) *RedisBus {
	return &RedisBus{pool: pool, metrics: m}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pubsub: encode event: %w", err)
	}

	conn := b.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("PUBLISH", channel, data); err != nil {
		return fmt.Errorf("pubsub: redis PUBLISH: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string, wildcard bool) (Subscription, error) {
	psc := redis.PubSubConn{Conn: b.pool.Get()}

	var err error
	if wildcard {
		err = psc.PSubscribe(channel)
	} else {
		err = psc.Subscribe(channel)
	}
	if err != nil {
		psc.Conn.Close()
		return nil, fmt.Errorf("pubsub: subscribe %q: %w", channel, err)
	}

	sub := &redisSubscription{
		psc:      psc,
		channel:  channel,
		wildcard: wildcard,
		events:   make(chan Event, subscriptionBuffer),
		metrics:  b.metrics,
	}
	b.metrics.PubSubOpened()
	go sub.receive()
	return sub, nil
}

type redisSubscription struct {
	psc      redis.PubSubConn
	channel  string
	wildcard bool
	events   chan Event
	once     sync.Once
	metrics  *metrics.Gateway
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

// receive pumps broker messages into the event channel until the connection
// dies, which is also how Close stops it.
func (s *redisSubscription) receive() {
	defer close(s.events)

	for {
		switch v := s.psc.Receive().(type) {
		case redis.Message:
			var event Event
			if err := json.Unmarshal(v.Data, &event); err != nil {
				logger.Warn("dropping malformed pubsub message", "channel", v.Channel, "error", err)
				continue
			}
			select {
			case s.events <- event:
			default:
				// Slow consumer; drop.
			}
		case redis.Subscription:
			if v.Count == 0 {
				return
			}
		case error:
			return
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.wildcard {
			err = s.psc.PUnsubscribe(s.channel)
		} else {
			err = s.psc.Unsubscribe(s.channel)
		}
		if cerr := s.psc.Conn.Close(); err == nil {
			err = cerr
		}
		s.metrics.PubSubClosed()
	})
	return err
}

var _ Bus = (*RedisBus)(nil)
