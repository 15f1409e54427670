// Package tenantdb resolves a (service, tenant) pair to a pooled connection to
// the tenant's physical database and caches the pool for later requests.
package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zenGate-Global/licensing-saas/platform/go/metrics"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
	"github.com/zenGate-Global/licensing-saas/platform/go/provisioning"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenant"
)

var (
	// ErrTenantUnknown means the tenant has no provisioned database yet.
	ErrTenantUnknown = errors.New("tenant unknown")
	// ErrTenantRetired means the tenant was deleted; its database is refused.
	ErrTenantRetired = errors.New("tenant retired")
	// ErrConnectionFailure means the database could not be reached.
	ErrConnectionFailure = errors.New("tenant database connection failure")
)

// DB is a tenant connection pool. *pgxpool.Pool satisfies it.
type DB interface {
	persistence.Querier
	persistence.TxBeginner
	Ping(ctx context.Context) error
	Close()
}

// Opener builds a pool for dsn.
type Opener func(ctx context.Context, dsn string) (DB, error)

// PgxOpener opens pgx pools with cfg applied to every tenant.
func PgxOpener(cfg persistence.PoolConfig) Opener {
	return func(ctx context.Context, dsn string) (DB, error) {
		pool, err := persistence.NewPool(ctx, cfg.WithConnString(dsn))
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
}

// Records is the read side of the provisioning record store.
type Records interface {
	Get(ctx context.Context, service string, tenantID uuid.UUID) (provisioning.Record, error)
}

// Target describes how to reach one service's tenant databases.
type Target struct {
	Template string
	Prefix   string
}

type Config struct {
	Targets         map[string]Target
	ConnectTimeout  time.Duration
	ConnectRetry    retry.Policy
	IdleTimeout     time.Duration
	JanitorInterval time.Duration
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

type key struct {
	service  string
	tenantID uuid.UUID
}

func (k key) String() string { return k.service + "/" + k.tenantID.String() }

type entry struct {
	key      key
	db       DB
	refs     int
	lastUsed time.Time
	evicted  bool
}

// Resolver caches one pool per (service, tenant). Creation for a key happens
// at most once at a time; different keys never wait on each other.
type Resolver struct {
	cfg     Config
	records Records
	open    Opener
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	flights singleflight.Group

	mu      sync.Mutex
	entries map[key]*entry
	epochs  map[uuid.UUID]uint64
}

func NewResolver(cfg Config, records Records, open Opener, log *zap.Logger, opts ...Option) *Resolver {
	if records == nil {
		panic("resolver requires record store")
	}
	if open == nil {
		panic("resolver requires opener")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	cfg.ConnectRetry = cfg.ConnectRetry.OrDefault()

	r := &Resolver{
		cfg:     cfg,
		records: records,
		open:    open,
		log:     log,
		now:     time.Now,
		entries: make(map[key]*entry),
		epochs:  make(map[uuid.UUID]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a leased handle to the tenant's database for service. The
// caller must Release it.
func (r *Resolver) Resolve(ctx context.Context, service string, tenantID uuid.UUID) (*Handle, error) {
	start := r.now()
	k := key{service: strings.TrimSpace(service), tenantID: tenantID}

	if h := r.acquire(k, nil); h != nil {
		r.metrics.ObserveResolve(k.service, "hit", start)
		return h, nil
	}

	target, ok := r.cfg.Targets[k.service]
	if !ok {
		return nil, fmt.Errorf("tenantdb: service %q is not configured", k.service)
	}

	// an eviction between creation and lease sends us round again
	for range 3 {
		ch := r.flights.DoChan(k.String(), func() (any, error) {
			// detached so one caller giving up does not fail the others
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ConnectTimeout)
			defer cancel()
			return r.create(cctx, k, target)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			r.metrics.ObserveResolve(k.service, "cancelled", start)
			return nil, ctx.Err()
		case res = <-ch:
		}
		if res.Err != nil {
			r.metrics.ObserveResolve(k.service, resultLabel(res.Err), start)
			return nil, res.Err
		}

		if h := r.acquire(k, res.Val.(*entry)); h != nil {
			r.metrics.ObserveResolve(k.service, "miss", start)
			return h, nil
		}
	}

	r.metrics.ObserveResolve(k.service, "error", start)
	return nil, fmt.Errorf("%w: %s evicted while connecting", ErrConnectionFailure, k)
}

// acquire leases the cached entry for k. When want is set, only that entry is
// accepted.
func (r *Resolver) acquire(k key, want *entry) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[k]
	if !ok || e.evicted || (want != nil && e != want) {
		return nil
	}
	e.refs++
	e.lastUsed = r.now()
	return &Handle{r: r, e: e}
}

func (r *Resolver) create(ctx context.Context, k key, target Target) (*entry, error) {
	r.mu.Lock()
	if e, ok := r.entries[k]; ok && !e.evicted {
		r.mu.Unlock()
		return e, nil
	}
	epoch := r.epochs[k.tenantID]
	r.mu.Unlock()

	if err := r.admit(ctx, k); err != nil {
		return nil, err
	}

	dsn, err := tenant.ConnString(target.Template, target.Prefix, k.tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	var db DB
	err = retry.Do(ctx, r.cfg.ConnectRetry, persistence.IsTransient, func(ctx context.Context) error {
		d, err := r.open(ctx, dsn)
		if err != nil {
			return err
		}
		if err := d.Ping(ctx); err != nil {
			d.Close()
			return err
		}
		db = d
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		r.log.Warn("tenant database connect failed; retrying",
			zap.String("service", k.service),
			zap.String("tenant_id", k.tenantID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		r.metrics.PoolCreated(k.service, false)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	r.mu.Lock()
	if r.epochs[k.tenantID] != epoch {
		r.mu.Unlock()
		db.Close()
		r.log.Info("tenant evicted while connecting; pool discarded",
			zap.String("service", k.service),
			zap.String("tenant_id", k.tenantID.String()),
		)
		if err := r.admit(ctx, k); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s evicted while connecting", ErrConnectionFailure, k)
	}
	e := &entry{key: k, db: db, lastUsed: r.now()}
	r.entries[k] = e
	r.mu.Unlock()

	r.metrics.PoolCreated(k.service, true)
	r.log.Debug("tenant pool opened",
		zap.String("service", k.service),
		zap.String("tenant_id", k.tenantID.String()),
	)
	return e, nil
}

// admit checks that the tenant may be connected to.
func (r *Resolver) admit(ctx context.Context, k key) error {
	rec, err := r.records.Get(ctx, k.service, k.tenantID)
	if errors.Is(err, provisioning.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrTenantUnknown, k)
	}
	if err != nil {
		return fmt.Errorf("%w: lookup %s: %w", ErrConnectionFailure, k, err)
	}
	switch {
	case rec.State.Retired():
		return fmt.Errorf("%w: %s", ErrTenantRetired, k)
	case rec.State != provisioning.StateProvisioned:
		return fmt.Errorf("%w: %s is %s", ErrTenantUnknown, k, rec.State)
	}
	return nil
}

// Evict drops every cached pool of the tenant. Pools still leased are closed
// once their last handle is released. Creations already in flight discard
// their result.
func (r *Resolver) Evict(tenantID uuid.UUID) {
	r.mu.Lock()
	r.epochs[tenantID]++
	var victims []*entry
	for k, e := range r.entries {
		if k.tenantID == tenantID {
			victims = append(victims, r.detach(e)...)
		}
	}
	r.mu.Unlock()

	r.closeAll(victims, "evicted")
}

// detach removes e from the cache and returns it when it can be closed now.
// r.mu must be held.
func (r *Resolver) detach(e *entry) []*entry {
	delete(r.entries, e.key)
	e.evicted = true
	if e.refs == 0 {
		return []*entry{e}
	}
	return nil
}

func (r *Resolver) closeAll(victims []*entry, reason string) {
	for _, e := range victims {
		e.db.Close()
		r.metrics.PoolEvicted(e.key.service, reason)
		r.log.Debug("tenant pool closed",
			zap.String("service", e.key.service),
			zap.String("tenant_id", e.key.tenantID.String()),
			zap.String("reason", reason),
		)
	}
}

func (r *Resolver) release(e *entry) {
	r.mu.Lock()
	e.refs--
	e.lastUsed = r.now()
	closeNow := e.evicted && e.refs == 0
	r.mu.Unlock()

	if closeNow {
		r.closeAll([]*entry{e}, "evicted")
	}
}

// Len reports the number of cached pools.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close evicts everything. Leased pools close on release.
func (r *Resolver) Close() {
	r.mu.Lock()
	var victims []*entry
	for _, e := range r.entries {
		r.epochs[e.key.tenantID]++
		victims = append(victims, r.detach(e)...)
	}
	r.mu.Unlock()

	r.closeAll(victims, "shutdown")
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTenantUnknown):
		return "unknown"
	case errors.Is(err, ErrTenantRetired):
		return "retired"
	default:
		return "error"
	}
}

// Handle is a lease on a tenant pool.
type Handle struct {
	r    *Resolver
	e    *entry
	once sync.Once
}

// DB returns the leased pool. It must not be used after Release.
func (h *Handle) DB() DB { return h.e.db }

// Release returns the lease. Calling it more than once is harmless.
func (h *Handle) Release() {
	h.once.Do(func() { h.r.release(h.e) })
}

// WithTx runs fn in a transaction on the tenant database.
func (h *Handle) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return persistence.WithTx(ctx, h.e.db, fn)
}
