// Package transport moves lifecycle events between producers and consumers
// over a pluggable broker boundary. The backend set is closed: an in-process
// buffer for tests and embedding, Redis Streams, and RabbitMQ. All backends
// satisfy the same consume contract, so the consumer loop is backend-agnostic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/zjrosen/stemtrace/internal/event"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport is closed")

// Transport is the broker-agnostic publish/consume boundary.
//
// Publish is best-effort on the producer path: the producer adapter swallows
// and logs any error it returns, so a broker outage never affects the
// caller's own execution. Consume returns a stream of envelopes plus an
// error channel; a value on the error channel means the stream has died and
// the caller may retry Consume after its backoff policy allows.
type Transport interface {
	Publish(ctx context.Context, env event.Envelope) error
	Consume(ctx context.Context) (<-chan event.Envelope, <-chan error)
	Close() error
}

// Options carries backend-independent transport settings.
type Options struct {
	// Prefix namespaces all stream keys and queue names.
	Prefix string
	// TTL bounds broker-side retention of published entries.
	TTL time.Duration
	// ConsumerGroup names the logical consumer group for stream backends.
	ConsumerGroup string
	// ConsumerName identifies this consumer within the group.
	ConsumerName string
	// Prefetch bounds unacknowledged in-flight deliveries for queue backends.
	Prefetch int
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "stemtrace"
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.ConsumerGroup == "" {
		o.ConsumerGroup = o.Prefix + ":consumers"
	}
	if o.ConsumerName == "" {
		o.ConsumerName = "consumer-1"
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 64
	}
	return o
}

// supportedSchemes maps URL schemes to backend constructors.
var supportedSchemes = map[string]func(rawURL string, opts Options) (Transport, error){
	"memory": func(string, Options) (Transport, error) { return NewMemory(), nil },
	"redis":  newRedis,
	"rediss": newRedis,
	"amqp":   newAMQP,
	"amqps":  newAMQP,
}

// UnsupportedSchemeError is returned by FromURL for unrecognized schemes.
type UnsupportedSchemeError struct {
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	schemes := make([]string, 0, len(supportedSchemes))
	for s := range supportedSchemes {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return fmt.Sprintf("unsupported broker scheme %q (supported: %s)",
		e.Scheme, strings.Join(schemes, ", "))
}

// FromURL constructs a transport for the given broker URL, selecting the
// backend by scheme. Configuration problems surface here, at construction,
// never at runtime.
func FromURL(rawURL string, opts Options) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	construct, ok := supportedSchemes[u.Scheme]
	if !ok {
		return nil, &UnsupportedSchemeError{Scheme: u.Scheme}
	}
	return construct(rawURL, opts.withDefaults())
}
