// Package consumer feeds lifecycle events from the transport to a service's
// provisioning orchestrator, in per-tenant order and exactly once in effect.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/licensing-saas/platform/go/deadletter"
	"github.com/zenGate-Global/licensing-saas/platform/go/lanes"
	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
	"github.com/zenGate-Global/licensing-saas/platform/go/metrics"
	"github.com/zenGate-Global/licensing-saas/platform/go/provisioning"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
	"github.com/zenGate-Global/licensing-saas/platform/go/stream"
)

// Handler applies one event. *provisioning.Orchestrator satisfies it.
type Handler interface {
	Handle(ctx context.Context, e lifecycle.Event) error
}

type Config struct {
	Service     string
	BatchSize   int
	Concurrency int
	// ErrorBackoff paces Fetch retries after transport failures.
	ErrorBackoff retry.Policy
	// IdleWait pauses Run after an empty fetch, for subscribers that do not
	// block themselves.
	IdleWait time.Duration
}

type Option func(*Consumer)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

type blocker struct {
	msgID   string
	eventID uuid.UUID
}

// Consumer is one member of a service's consumer group.
type Consumer struct {
	cfg     Config
	sub     stream.Subscriber
	handler Handler
	dedupe  Dedupe
	sink    deadletter.Sink
	lanes   *lanes.Dispatcher
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}
	// a tenant whose message failed waits for that message to be redelivered
	blocked map[uuid.UUID]blocker
}

func New(cfg Config, sub stream.Subscriber, handler Handler, dedupe Dedupe, sink deadletter.Sink, log *zap.Logger, opts ...Option) *Consumer {
	if sub == nil {
		panic("consumer requires subscriber")
	}
	if handler == nil {
		panic("consumer requires handler")
	}
	if dedupe == nil {
		panic("consumer requires dedupe store")
	}
	if sink == nil {
		panic("consumer requires dead-letter sink")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Service = strings.TrimSpace(cfg.Service)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	cfg.ErrorBackoff = cfg.ErrorBackoff.OrDefault()

	c := &Consumer{
		cfg:      cfg,
		sub:      sub,
		handler:  handler,
		dedupe:   dedupe,
		sink:     sink,
		lanes:    lanes.New(cfg.Concurrency),
		log:      log.With(zap.String("service", cfg.Service)),
		inflight: make(map[string]struct{}),
		blocked:  make(map[uuid.UUID]blocker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is done, then waits for running lanes to stop.
// Messages not yet acknowledged stay pending and are redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.lanes.Wait()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := c.Poll(ctx)
		if err == nil {
			failures = 0
			if n == 0 && c.cfg.IdleWait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.cfg.IdleWait):
				}
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		wait := c.cfg.ErrorBackoff.Delay(failures)
		c.log.Warn("fetch lifecycle events failed", zap.Int("failures", failures), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Poll fetches one batch and schedules it. It returns the number of messages
// fetched; their processing continues in the background (see Wait).
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.sub.Fetch(ctx, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, m := range msgs {
		c.dispatch(ctx, m)
	}
	c.metrics.SetActiveLanes(c.lanes.Active())
	return len(msgs), nil
}

// Wait blocks until every scheduled message has been processed.
func (c *Consumer) Wait() {
	c.lanes.Wait()
}

func (c *Consumer) dispatch(ctx context.Context, m stream.Message) {
	c.mu.Lock()
	_, running := c.inflight[m.ID]
	c.mu.Unlock()
	if running {
		return
	}

	e, err := lifecycle.Decode(m.Payload)
	if err != nil {
		c.parkMalformed(ctx, m, err)
		return
	}

	if !c.admit(ctx, m, e) {
		c.metrics.ConsumerMessage(c.cfg.Service, "deferred")
		return
	}

	c.mu.Lock()
	c.inflight[m.ID] = struct{}{}
	c.mu.Unlock()

	c.lanes.Submit(ctx, e.TenantID.String(), func(ctx context.Context) {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, m.ID)
			c.mu.Unlock()
		}()
		c.process(ctx, m, e)
	})
}

// admit decides whether m may be queued now. A blocked tenant only takes its
// blocking message, or anything behind it when that message is already queued
// in the lane. A blocker settled elsewhere (found in the dedupe set) releases
// the tenant.
func (c *Consumer) admit(ctx context.Context, m stream.Message, e lifecycle.Event) bool {
	c.mu.Lock()
	b, blocked := c.blocked[e.TenantID]
	_, blockerQueued := c.inflight[b.msgID]
	c.mu.Unlock()

	if !blocked || b.msgID == m.ID || blockerQueued {
		return true
	}

	seen, err := c.dedupe.Seen(ctx, b.eventID)
	if err != nil || !seen {
		return false
	}
	c.unblock(e.TenantID, b.msgID)
	return true
}

func (c *Consumer) process(ctx context.Context, m stream.Message, e lifecycle.Event) {
	log := c.log.With(
		zap.String("message_id", m.ID),
		zap.String("event_id", e.EventID.String()),
		zap.String("tenant_id", e.TenantID.String()),
		zap.String("event_type", string(e.Type)),
	)

	c.mu.Lock()
	b, blocked := c.blocked[e.TenantID]
	c.mu.Unlock()
	if blocked && b.msgID != m.ID {
		// an earlier message of this tenant failed in this lane
		c.metrics.ConsumerMessage(c.cfg.Service, "deferred")
		return
	}

	seen, err := c.dedupe.Seen(ctx, e.EventID)
	if err != nil {
		log.Warn("dedupe lookup failed", zap.Error(err))
		c.block(e, m)
		return
	}
	if seen {
		c.settle(ctx, log, m, e, "duplicate")
		return
	}

	err = c.handler.Handle(ctx, e)
	switch {
	case err == nil:
	case errors.Is(err, provisioning.ErrParked):
		log.Warn("lifecycle event parked", zap.Error(err))
	default:
		if ctx.Err() == nil {
			log.Warn("lifecycle event failed; awaiting redelivery", zap.Bool("redelivered", m.Redelivered), zap.Error(err))
		}
		c.metrics.ConsumerMessage(c.cfg.Service, "failed")
		c.block(e, m)
		return
	}

	if err := c.dedupe.Mark(ctx, e); err != nil {
		// handlers are idempotent, so redelivery is safe
		log.Warn("mark processed failed", zap.Error(err))
		c.block(e, m)
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "parked"
	}
	c.settle(ctx, log, m, e, outcome)
}

func (c *Consumer) settle(ctx context.Context, log *zap.Logger, m stream.Message, e lifecycle.Event, outcome string) {
	if err := c.sub.Ack(ctx, m.ID); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
	c.unblock(e.TenantID, m.ID)
	c.metrics.ConsumerMessage(c.cfg.Service, outcome)
}

func (c *Consumer) block(e lifecycle.Event, m stream.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[e.TenantID] = blocker{msgID: m.ID, eventID: e.EventID}
}

func (c *Consumer) unblock(tenantID uuid.UUID, msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blocked[tenantID]; ok && b.msgID == msgID {
		delete(c.blocked, tenantID)
	}
}

// Blocked reports whether the tenant waits for a failed message.
func (c *Consumer) Blocked(tenantID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blocked[tenantID]
	return ok
}

func (c *Consumer) parkMalformed(ctx context.Context, m stream.Message, cause error) {
	letter := deadletter.Letter{
		Source:   deadletter.SourceConsumer,
		Payload:  validJSON(m.Payload),
		Reason:   fmt.Sprintf("%s: %v", c.cfg.Service, cause),
		Attempts: 1,
	}
	if id, err := uuid.Parse(m.Key); err == nil {
		letter.TenantID = id
	}
	if err := c.sink.Park(ctx, letter); err != nil {
		if !deadletter.Parked(err) {
			c.log.Error("park malformed message", zap.String("message_id", m.ID), zap.Error(err))
			return
		}
		c.log.Warn("dead-letter sink partially failed", zap.String("message_id", m.ID), zap.Error(err))
	}
	if err := c.sub.Ack(ctx, m.ID); err != nil {
		c.log.Warn("ack failed", zap.String("message_id", m.ID), zap.Error(err))
	}
	c.metrics.ConsumerMessage(c.cfg.Service, "malformed")
}

func validJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
