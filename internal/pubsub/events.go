// Package pubsub provides a generic publish/subscribe fan-out used to tail
// internal streams (log entries) without coupling producers to observers.
package pubsub

import (
	"context"
	"time"
)

// Event wraps a published payload with the instant it was published.
type Event[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher fans a typed payload out to all subscribers.
type Publisher[T any] interface {
	Publish(payload T)
}
