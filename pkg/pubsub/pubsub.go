// Package pubsub fans mutation events out to websocket subscribers. Channels
// are object store keys; prefix subscriptions use a glob pattern so one
// subscription covers every path under a prefix.
//
// Delivery is best-effort. The broker may drop messages under load and a
// failed publish never rolls back the write it announces.
package pubsub

import (
	"context"
	"errors"
)

// Operation names match the HTTP verbs that cause them.
const (
	OperationPost   = "POST"
	OperationDelete = "DELETE"
)

// ErrClosed is returned when publishing on or subscribing to a closed bus.
var ErrClosed = errors.New("pubsub: bus closed")

// Event is the message broadcast for a mutation. ETag is set for stores
// only.
type Event struct {
	Operation string `json:"operation"`
	Prefix    string `json:"prefix"`
	Path      string `json:"path"`
	ETag      string `json:"etag,omitempty"`
}

// Bus is the broker contract.
type Bus interface {
	// Publish broadcasts event on the literal channel.
	Publish(ctx context.Context, channel string, event Event) error

	// Subscribe opens a subscription. With wildcard set, channel is a glob
	// pattern matched against the literal channel of each publish.
	Subscribe(ctx context.Context, channel string, wildcard bool) (Subscription, error)
}

// Subscription is one consumer of a channel or pattern.
type Subscription interface {
	// Events yields decoded events in arrival order. The channel is closed
	// when the subscription dies.
	Events() <-chan Event

	// Close unsubscribes and releases the underlying connection.
	Close() error
}

// matchChannel reports whether a glob pattern matches a literal channel.
// Only '*' is supported; it matches any run of characters, slashes included,
// like the broker-side pattern matching it mirrors.
func matchChannel(pattern, channel string) bool {
	for len(pattern) > 0 {
		if pattern[0] == '*' {
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(channel); i++ {
				if matchChannel(pattern, channel[i:]) {
					return true
				}
			}
			return false
		}
		if len(channel) == 0 || pattern[0] != channel[0] {
			return false
		}
		pattern = pattern[1:]
		channel = channel[1:]
	}
	return len(channel) == 0
}
