// Package stream carries lifecycle events between the tenant registry and the
// dependent services over an at-least-once, append-only log.
package stream

import (
	"context"
	"time"
)

// Stream names shared by publisher and consumers.
const (
	LifecycleStream   = "tenant.lifecycle"
	DeadLetterStream  = "tenant.lifecycle.dlq"
	fieldKey          = "key"
	fieldPayload      = "payload"
	defaultFetchCount = 64
)

// Message is one delivery of a log entry to a consumer group member.
type Message struct {
	ID      string
	Key     string
	Payload []byte
	// Redelivered is set when the message was reclaimed after its previous
	// delivery went unacknowledged.
	Redelivered bool
}

// Publisher appends payloads to a stream. A nil error means the transport
// acknowledged the write.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) (string, error)
}

// Subscriber delivers messages of a single consumer group member.
type Subscriber interface {
	// Fetch returns stale unacknowledged messages first, then new ones. It may
	// block up to the subscriber's configured wait when nothing is available.
	Fetch(ctx context.Context, max int) ([]Message, error)
	Ack(ctx context.Context, ids ...string) error
}

// GroupConfig tunes a consumer group member.
type GroupConfig struct {
	Stream   string
	Group    string
	Consumer string
	// MinIdle is how long a delivered message stays unacknowledged before it is
	// handed out again.
	MinIdle time.Duration
	// Block bounds how long Fetch waits for new messages.
	Block time.Duration
}

func (c GroupConfig) withDefaults() GroupConfig {
	if c.Stream == "" {
		c.Stream = LifecycleStream
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 30 * time.Second
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	return c
}
