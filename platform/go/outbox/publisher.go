package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zenGate-Global/licensing-saas/platform/go/deadletter"
	"github.com/zenGate-Global/licensing-saas/platform/go/metrics"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
	"github.com/zenGate-Global/licensing-saas/platform/go/stream"
)

// Config tunes the polling loop.
type Config struct {
	// Owner identifies this publisher in row leases; defaults to host-pid.
	Owner          string
	PollInterval   time.Duration
	Lease          time.Duration
	BatchSize      int
	Parallelism    int
	PublishTimeout time.Duration
	// Retry shapes the per-entry backoff; MaxAttempts triggers dead-lettering.
	Retry retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	c.Retry = c.Retry.OrDefault()
	return c
}

// PassResult summarises one publishing pass.
type PassResult struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}

// Publisher moves outbox entries to the transport.
type Publisher struct {
	store     Store
	transport stream.Publisher
	sink      deadletter.Sink
	cfg       Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithMetrics records publish outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// NewPublisher panics on missing dependencies.
func NewPublisher(store Store, transport stream.Publisher, sink deadletter.Sink, cfg Config, log *zap.Logger, opts ...Option) *Publisher {
	if store == nil {
		panic("outbox publisher: store is required")
	}
	if transport == nil {
		panic("outbox publisher: transport is required")
	}
	if sink == nil {
		panic("outbox publisher: dead-letter sink is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Publisher{
		store:     store,
		transport: transport,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	p.log = log.With(zap.String("outbox_owner", p.cfg.Owner))
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled. A pass that published something is
// followed immediately by another so a backlog drains without waiting.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Info("outbox publisher started", zap.Duration("poll_interval", p.cfg.PollInterval))
	defer p.log.Info("outbox publisher stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		res, err := p.PublishPending(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("outbox pass failed", zap.Error(err))
		}

		wait := p.cfg.PollInterval
		if err == nil && res.Published > 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// PublishPending runs a single pass: claim head-of-line entries, publish them
// and record the outcome of each.
func (p *Publisher) PublishPending(ctx context.Context) (PassResult, error) {
	now := p.now()
	entries, err := p.store.Claim(ctx, Claim{Owner: p.cfg.Owner, Until: now.Add(p.cfg.Lease)}, p.cfg.BatchSize, now)
	if err != nil {
		return PassResult{}, err
	}

	res := PassResult{Claimed: len(entries)}
	if len(entries) == 0 {
		return res, nil
	}

	// siblings keep running when one store call fails
	outcomes := make([]outcome, len(entries))
	var g errgroup.Group
	g.SetLimit(p.cfg.Parallelism)
	for i := range entries {
		i := i
		g.Go(func() error {
			o, err := p.publishOne(ctx, entries[i])
			outcomes[i] = o
			return err
		})
	}
	err = g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomePublished:
			res.Published++
		case outcomeFailed:
			res.Failed++
		case outcomeDeadLettered:
			res.Failed++
			res.DeadLettered++
		}
	}
	return res, err
}

// Drain repeats passes until one publishes nothing.
func (p *Publisher) Drain(ctx context.Context) (PassResult, error) {
	var total PassResult
	for {
		res, err := p.PublishPending(ctx)
		total.Claimed += res.Claimed
		total.Published += res.Published
		total.Failed += res.Failed
		total.DeadLettered += res.DeadLettered
		if err != nil || res.Published == 0 {
			return total, err
		}
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomePublished
	outcomeFailed
	outcomeDeadLettered
)

// publishOne only returns store errors; transport failures are recorded on the
// entry and retried on a later pass.
func (p *Publisher) publishOne(ctx context.Context, e Entry) (outcome, error) {
	log := p.log.With(
		zap.Int64("seq", e.Seq),
		zap.String("event_id", e.EventID.String()),
		zap.String("tenant_id", e.AggregateID.String()),
		zap.String("event_type", string(e.EventType)),
	)

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	_, pubErr := p.transport.Publish(pubCtx, e.AggregateID.String(), e.Payload)
	cancel()

	if pubErr != nil && ctx.Err() != nil {
		// cancelled mid-publish; the lease expires and the entry is claimed again
		return outcomeNone, ctx.Err()
	}

	now := p.now()
	if pubErr == nil {
		if err := p.store.MarkPublished(ctx, e.Seq, p.cfg.Owner, now); err != nil {
			// the transport has the event; a lost lease only means a duplicate publish later
			log.Warn("outbox entry published but not marked", zap.Error(err))
			return outcomeNone, nilIfLeaseLost(err)
		}
		p.metrics.OutboxAcked(e.CreatedAt)
		log.Debug("outbox entry published")
		return outcomePublished, nil
	}

	attempts := e.Attempts + 1
	reason := pubErr.Error()

	if p.cfg.Retry.Exhausted(attempts) {
		if err := p.store.MarkDeadLettered(ctx, e.Seq, p.cfg.Owner, attempts, now, reason); err != nil {
			return outcomeNone, nilIfLeaseLost(err)
		}
		p.metrics.OutboxFailed(true)
		log.Error("outbox entry dead-lettered", zap.Int("attempts", attempts), zap.Error(pubErr))

		letter := deadletter.Letter{
			Source:    deadletter.SourceOutbox,
			EventID:   e.EventID,
			TenantID:  e.AggregateID,
			EventType: string(e.EventType),
			Payload:   e.Payload,
			Reason:    reason,
			Attempts:  attempts,
			ParkedAt:  now,
		}
		if err := p.sink.Park(ctx, letter); err != nil {
			log.Error("dead-letter sink failed", zap.Error(err))
		}
		return outcomeDeadLettered, nil
	}

	next := now.Add(p.cfg.Retry.Delay(attempts))
	if err := p.store.MarkFailed(ctx, e.Seq, p.cfg.Owner, attempts, next, reason); err != nil {
		return outcomeNone, nilIfLeaseLost(err)
	}
	p.metrics.OutboxFailed(false)
	log.Warn("outbox publish failed; will retry", zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(pubErr))
	return outcomeFailed, nil
}

func nilIfLeaseLost(err error) error {
	if errors.Is(err, ErrLeaseLost) {
		return nil
	}
	return err
}
