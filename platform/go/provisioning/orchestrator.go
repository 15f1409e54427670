package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zenGate-Global/licensing-saas/platform/go/deadletter"
	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
	"github.com/zenGate-Global/licensing-saas/platform/go/metrics"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenant"
)

var (
	// ErrParked is returned once an event has been handed to the dead-letter
	// sink. The event is settled from the caller's point of view.
	ErrParked = errors.New("event parked in dead-letter")
	// ErrProvisioningFailure describes the underlying failure of a parked event.
	ErrProvisioningFailure = errors.New("provisioning failed")
)

// Evictor drops cached connections of a tenant.
type Evictor interface {
	Evict(tenantID uuid.UUID)
}

// EvictorFunc adapts a function to Evictor.
type EvictorFunc func(tenantID uuid.UUID)

func (f EvictorFunc) Evict(tenantID uuid.UUID) { f(tenantID) }

// Config tunes an Orchestrator.
type Config struct {
	Service           string
	DatabasePrefix    string
	WorkerConcurrency int
	StepTimeout       time.Duration
	Retry             retry.Policy
}

type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

type handlerFunc func(ctx context.Context, e lifecycle.Event) error

// Orchestrator drives one service's ProvisioningRecords through their states
// in response to lifecycle events.
type Orchestrator struct {
	cfg      Config
	records  RecordStore
	prov     Provisioner
	evictor  Evictor
	sink     deadletter.Sink
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	locks    *keyedMutex
	slots    *semaphore.Weighted
	handlers map[lifecycle.Type]handlerFunc
}

func NewOrchestrator(cfg Config, records RecordStore, prov Provisioner, evictor Evictor, sink deadletter.Sink, log *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if records == nil {
		panic("orchestrator requires record store")
	}
	if prov == nil {
		panic("orchestrator requires provisioner")
	}
	if sink == nil {
		panic("orchestrator requires dead-letter sink")
	}
	if evictor == nil {
		evictor = EvictorFunc(func(uuid.UUID) {})
	}
	if log == nil {
		log = zap.NewNop()
	}

	cfg.Service = strings.TrimSpace(cfg.Service)
	if cfg.Service == "" {
		return nil, errors.New("service name is required")
	}
	if _, err := tenant.DatabaseName(cfg.DatabasePrefix, uuid.New()); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	cfg.Retry = cfg.Retry.OrDefault()

	o := &Orchestrator{
		cfg:     cfg,
		records: records,
		prov:    prov,
		evictor: evictor,
		sink:    sink,
		log:     log.With(zap.String("service", cfg.Service)),
		now:     time.Now,
		locks:   newKeyedMutex(),
		slots:   semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.handlers = map[lifecycle.Type]handlerFunc{
		lifecycle.TypeCreated: o.handleCreated,
		lifecycle.TypeUpdated: o.handleUpdated,
		lifecycle.TypeDeleted: o.handleDeleted,
	}
	return o, nil
}

// Service is the name of the service this orchestrator provisions for.
func (o *Orchestrator) Service() string { return o.cfg.Service }

// Handle applies one lifecycle event. Events of one tenant are applied one at a
// time; different tenants proceed in parallel up to WorkerConcurrency.
//
// A nil return means the event took effect (or was a no-op). ErrParked means it
// was dead-lettered. Any other error leaves the event unsettled and the caller
// must redeliver it.
func (o *Orchestrator) Handle(ctx context.Context, e lifecycle.Event) error {
	start := o.now()
	if err := e.Validate(); err != nil {
		return o.park(ctx, e, err, 0)
	}
	handler, ok := o.handlers[e.Type]
	if !ok {
		return o.park(ctx, e, fmt.Errorf("%w: no handler for %s", lifecycle.ErrMalformed, e.Type), 0)
	}

	unlock, err := o.locks.Lock(ctx, e.TenantID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.slots.Release(1)

	log := o.log.With(
		zap.String("tenant_id", e.TenantID.String()),
		zap.String("event_id", e.EventID.String()),
		zap.String("event_type", string(e.Type)),
	)

	attempts := 0
	err = retry.Do(ctx, o.cfg.Retry, persistence.IsTransient, func(ctx context.Context) error {
		attempts++
		return handler(ctx, e)
	}, func(attempt int, err error, wait time.Duration) {
		o.metrics.ProvisioningRetried(o.cfg.Service)
		log.Warn("lifecycle step failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err == nil {
		o.metrics.ObserveEvent(o.cfg.Service, string(e.Type), "ok", start)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		o.metrics.ObserveEvent(o.cfg.Service, string(e.Type), "cancelled", start)
		return ctxErr
	}

	log.Error("lifecycle event failed", zap.Int("attempts", attempts), zap.Error(err))
	o.markFailed(ctx, e, err)
	o.metrics.ObserveEvent(o.cfg.Service, string(e.Type), "parked", start)
	return o.park(ctx, e, err, attempts)
}

func (o *Orchestrator) handleCreated(ctx context.Context, e lifecycle.Event) error {
	rec, found, err := o.load(ctx, e.TenantID)
	if err != nil {
		return err
	}
	if found && rec.State.Retired() {
		o.log.Debug("created for retired tenant ignored", zap.String("tenant_id", e.TenantID.String()))
		return nil
	}
	rec.applyProfile(e)

	if rec.State == StateProvisioned {
		// only outstanding migrations
		version, err := o.migrate(ctx, e.TenantID)
		if err != nil {
			return err
		}
		if version == rec.MigrationVersion {
			return nil
		}
		rec.MigrationVersion = version
		return o.save(ctx, &rec)
	}

	rec.State = StateProvisioning
	rec.Attempts++
	if err := o.save(ctx, &rec); err != nil {
		return err
	}

	if err := o.step(ctx, func(ctx context.Context) error {
		return o.prov.EnsureDatabase(ctx, e.TenantID)
	}); err != nil {
		return err
	}

	version, err := o.migrate(ctx, e.TenantID)
	if err != nil {
		return err
	}
	rec.MigrationVersion = version

	if err := o.step(ctx, func(ctx context.Context) error {
		return o.prov.RefreshProfile(ctx, rec)
	}); err != nil {
		return err
	}

	rec.State = StateProvisioned
	rec.LastError = nil
	if err := o.save(ctx, &rec); err != nil {
		return err
	}
	o.log.Info("tenant provisioned",
		zap.String("tenant_id", e.TenantID.String()),
		zap.String("database", rec.DatabaseName),
		zap.Int("migration_version", version),
	)
	return nil
}

func (o *Orchestrator) handleUpdated(ctx context.Context, e lifecycle.Event) error {
	rec, found, err := o.load(ctx, e.TenantID)
	if err != nil {
		return err
	}
	if found && rec.State.Retired() {
		return nil
	}
	if !rec.applyProfile(e) {
		o.log.Debug("stale update ignored",
			zap.String("tenant_id", e.TenantID.String()),
			zap.Time("occurred_at", e.OccurredAt),
		)
		return nil
	}
	if err := o.save(ctx, &rec); err != nil {
		return err
	}

	if rec.State != StateProvisioned {
		return nil
	}
	return o.step(ctx, func(ctx context.Context) error {
		return o.prov.RefreshProfile(ctx, rec)
	})
}

func (o *Orchestrator) handleDeleted(ctx context.Context, e lifecycle.Event) error {
	rec, found, err := o.load(ctx, e.TenantID)
	if err != nil {
		return err
	}
	if rec.State == StateRetired {
		return nil
	}

	retiredAt := e.OccurredAt
	if !found {
		rec.State = StateRetired
		rec.Active = false
		rec.RetiredAt = &retiredAt
		if err := o.save(ctx, &rec); err != nil {
			return err
		}
		o.evictor.Evict(e.TenantID)
		o.log.Info("tombstone recorded for unknown tenant", zap.String("tenant_id", e.TenantID.String()))
		return nil
	}

	rec.State = StateRetiring
	rec.Active = false
	if err := o.save(ctx, &rec); err != nil {
		return err
	}

	o.evictor.Evict(e.TenantID)
	if err := o.step(ctx, func(ctx context.Context) error {
		return o.prov.Retire(ctx, e.TenantID)
	}); err != nil {
		return err
	}
	// a resolve that raced the first eviction may have cached a pool again
	o.evictor.Evict(e.TenantID)

	rec.State = StateRetired
	rec.RetiredAt = &retiredAt
	rec.LastError = nil
	if err := o.save(ctx, &rec); err != nil {
		return err
	}
	o.log.Info("tenant retired", zap.String("tenant_id", e.TenantID.String()))
	return nil
}

// load returns the stored record, or a fresh Unprovisioned one when missing.
func (o *Orchestrator) load(ctx context.Context, tenantID uuid.UUID) (Record, bool, error) {
	var rec Record
	err := o.step(ctx, func(ctx context.Context) error {
		var err error
		rec, err = o.records.Get(ctx, o.cfg.Service, tenantID)
		return err
	})
	if errors.Is(err, ErrRecordNotFound) {
		name, err := tenant.DatabaseName(o.cfg.DatabasePrefix, tenantID)
		if err != nil {
			return Record{}, false, err
		}
		now := o.now().UTC()
		return Record{
			Service:      o.cfg.Service,
			TenantID:     tenantID,
			DatabaseName: name,
			State:        StateUnprovisioned,
			CreatedAt:    now,
			UpdatedAt:    now,
		}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (o *Orchestrator) save(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = o.now().UTC()
	return o.step(ctx, func(ctx context.Context) error {
		return o.records.Save(ctx, *rec)
	})
}

func (o *Orchestrator) migrate(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var version int
	err := o.step(ctx, func(ctx context.Context) error {
		var err error
		version, err = o.prov.Migrate(ctx, tenantID)
		return err
	})
	return version, err
}

// step bounds a single external call by StepTimeout.
func (o *Orchestrator) step(ctx context.Context, fn func(ctx context.Context) error) error {
	if o.cfg.StepTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	return fn(ctx)
}

// markFailed records the failure on the record. Provisioning becomes Failed;
// Retiring stays Retiring so a redelivered Deleted resumes it.
func (o *Orchestrator) markFailed(ctx context.Context, e lifecycle.Event, cause error) {
	rec, found, err := o.load(ctx, e.TenantID)
	if err != nil {
		o.log.Error("load record after failure", zap.String("tenant_id", e.TenantID.String()), zap.Error(err))
		return
	}
	if !found && e.Type != lifecycle.TypeCreated {
		return
	}

	msg := cause.Error()
	rec.LastError = &msg
	if e.Type == lifecycle.TypeCreated && !rec.State.Retired() && rec.State != StateProvisioned {
		rec.State = StateFailed
	}
	if err := o.save(ctx, &rec); err != nil {
		o.log.Error("save failed record", zap.String("tenant_id", e.TenantID.String()), zap.Error(err))
	}
}

// park hands the event to the dead-letter sink. When no sink recorded it the
// event is not settled and the caller must redeliver it.
func (o *Orchestrator) park(ctx context.Context, e lifecycle.Event, cause error, attempts int) error {
	payload, err := lifecycle.Encode(e)
	if err != nil {
		payload = nil
	}

	letter := deadletter.Letter{
		Source:    deadletter.SourceProvisioning,
		EventID:   e.EventID,
		TenantID:  e.TenantID,
		EventType: string(e.Type),
		Payload:   payload,
		Reason:    fmt.Sprintf("%s: %v", o.cfg.Service, cause),
		Attempts:  attempts,
		ParkedAt:  o.now().UTC(),
	}
	if err := o.sink.Park(ctx, letter); err != nil {
		if !deadletter.Parked(err) {
			return fmt.Errorf("park event %s: %w", e.EventID, errors.Join(err, cause))
		}
		o.log.Warn("dead-letter sink partially failed",
			zap.String("tenant_id", e.TenantID.String()),
			zap.String("event_id", e.EventID.String()),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %w: %w", ErrParked, ErrProvisioningFailure, cause)
}
