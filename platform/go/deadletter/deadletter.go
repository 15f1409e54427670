// Package deadletter parks events that exhausted their retry budget so an
// operator can remediate them.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/licensing-saas/platform/go/metrics"
	"github.com/zenGate-Global/licensing-saas/platform/go/stream"
)

// Sources of parked letters.
const (
	SourceOutbox       = "outbox"
	SourceConsumer     = "consumer"
	SourceProvisioning = "provisioning"
)

// Letter is one parked event.
type Letter struct {
	ID        int64           `json:"id,omitempty"`
	Source    string          `json:"source"`
	EventID   uuid.UUID       `json:"eventId"`
	TenantID  uuid.UUID       `json:"tenantId"`
	EventType string          `json:"eventType,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	ParkedAt  time.Time       `json:"parkedAt"`
}

// Sink is any externally observable parking destination.
type Sink interface {
	Park(ctx context.Context, l Letter) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, l Letter) error

func (f SinkFunc) Park(ctx context.Context, l Letter) error { return f(ctx, l) }

// ErrPartial is wrapped by MultiSink when some sinks recorded the letter and
// others failed. Parking again would duplicate the recorded copies.
var ErrPartial = errors.New("dead letter partially parked")

// Parked reports whether a Park result means the letter was recorded by at
// least one sink.
func Parked(err error) bool {
	return err == nil || errors.Is(err, ErrPartial)
}

// MultiSink parks into every sink and joins their errors; one failing sink does
// not prevent the others from recording the letter.
type MultiSink []Sink

func (m MultiSink) Park(ctx context.Context, l Letter) error {
	if l.ParkedAt.IsZero() {
		l.ParkedAt = time.Now().UTC()
	}
	var errs []error
	recorded := 0
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Park(ctx, l); err != nil {
			errs = append(errs, err)
			continue
		}
		recorded++
	}
	if len(errs) == 0 {
		return nil
	}
	if recorded > 0 {
		return fmt.Errorf("%w: %w", ErrPartial, errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// LogSink writes letters as structured error logs.
type LogSink struct {
	log *zap.Logger
	m   *metrics.Metrics
}

func NewLogSink(log *zap.Logger, m *metrics.Metrics) *LogSink {
	if log == nil {
		panic("deadletter: logger is required")
	}
	return &LogSink{log: log, m: m}
}

func (s *LogSink) Park(_ context.Context, l Letter) error {
	s.m.DeadLettered(l.Source)
	s.log.Error("event parked in dead-letter",
		zap.String("source", l.Source),
		zap.String("event_id", l.EventID.String()),
		zap.String("tenant_id", l.TenantID.String()),
		zap.String("event_type", l.EventType),
		zap.Int("attempts", l.Attempts),
		zap.String("reason", l.Reason),
	)
	return nil
}

// StreamSink appends letters to a secondary stream.
type StreamSink struct {
	pub stream.Publisher
}

func NewStreamSink(pub stream.Publisher) *StreamSink {
	if pub == nil {
		panic("deadletter: publisher is required")
	}
	return &StreamSink{pub: pub}
}

func (s *StreamSink) Park(ctx context.Context, l Letter) error {
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if _, err := s.pub.Publish(ctx, l.TenantID.String(), body); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// MemorySink keeps letters in memory.
type MemorySink struct {
	mu      sync.Mutex
	letters []Letter
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Park(_ context.Context, l Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, l)
	return nil
}

// Letters returns a copy of the parked letters.
func (s *MemorySink) Letters() []Letter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Letter, len(s.letters))
	copy(out, s.letters)
	return out
}

var (
	_ Sink = MultiSink(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = (*StreamSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*PostgresSink)(nil)
)
