package tenantdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/licensing-saas/platform/go/provisioning"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
)

const testService = "documents"

type fakeDB struct {
	dsn    string
	closed atomic.Bool
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (f *fakeDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeDB) Ping(context.Context) error { return nil }
func (f *fakeDB) Close()                     { f.closed.Store(true) }

type fakeOpener struct {
	mu     sync.Mutex
	opened []*fakeDB
	fail   []error
	gate   chan struct{}
	calls  atomic.Int32
}

func (o *fakeOpener) Open(ctx context.Context, dsn string) (DB, error) {
	o.calls.Add(1)
	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.fail) > 0 {
		err := o.fail[0]
		o.fail = o.fail[1:]
		return nil, err
	}
	db := &fakeDB{dsn: dsn}
	o.opened = append(o.opened, db)
	return db, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	resolver *Resolver
	records  *provisioning.MemoryRecordStore
	opener   *fakeOpener
	clock    *testClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		records: provisioning.NewMemoryRecordStore(),
		opener:  &fakeOpener{},
		clock:   &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.resolver = NewResolver(Config{
		Targets: map[string]Target{
			testService: {Template: "postgres://app:pw@db:5432/{database}?sslmode=disable", Prefix: testService},
		},
		ConnectRetry: retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
		IdleTimeout:  5 * time.Minute,
	}, f.records, f.opener.Open, nil, WithClock(f.clock.Now))
	return f
}

func (f fixture) setState(t *testing.T, tenantID uuid.UUID, state provisioning.State) {
	t.Helper()
	require.NoError(t, f.records.Save(context.Background(), provisioning.Record{
		Service:  testService,
		TenantID: tenantID,
		State:    state,
	}))
}

func TestResolveCreatesOnePoolUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	f.setState(t, tenantID, provisioning.StateProvisioned)
	f.opener.gate = make(chan struct{})

	const callers = 32
	handles := make(chan *Handle, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.resolver.Resolve(context.Background(), testService, tenantID)
			require.NoError(t, err)
			handles <- h
		}()
	}

	require.Eventually(t, func() bool { return f.opener.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(f.opener.gate)
	wg.Wait()
	close(handles)

	require.Equal(t, 1, f.opener.count())
	first := f.opener.opened[0]
	require.Contains(t, first.dsn, "/documents_")
	for h := range handles {
		require.Same(t, first, h.DB())
		h.Release()
	}
	require.Equal(t, 1, f.resolver.Len())
	require.False(t, first.closed.Load())
}

func TestResolveDifferentTenantsDoNotBlockEachOther(t *testing.T) {
	f := newFixture(t)
	slow, fast := uuid.New(), uuid.New()
	f.setState(t, slow, provisioning.StateProvisioned)
	f.setState(t, fast, provisioning.StateProvisioned)

	blocked := make(chan struct{})
	f.resolver.open = func(ctx context.Context, dsn string) (DB, error) {
		if dsn == mustDSN(t, slow) {
			select {
			case <-blocked:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &fakeDB{dsn: dsn}, nil
	}

	go func() {
		h, err := f.resolver.Resolve(context.Background(), testService, slow)
		if err == nil {
			h.Release()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := f.resolver.Resolve(ctx, testService, fast)
	require.NoError(t, err)
	h.Release()
	close(blocked)
}

func TestResolveRefusesUnknownAndRetiredTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, testService, uuid.New())
	require.ErrorIs(t, err, ErrTenantUnknown)

	provisioningTenant := uuid.New()
	f.setState(t, provisioningTenant, provisioning.StateProvisioning)
	_, err = f.resolver.Resolve(ctx, testService, provisioningTenant)
	require.ErrorIs(t, err, ErrTenantUnknown)

	for _, state := range []provisioning.State{provisioning.StateRetiring, provisioning.StateRetired} {
		id := uuid.New()
		f.setState(t, id, state)
		_, err = f.resolver.Resolve(ctx, testService, id)
		require.ErrorIs(t, err, ErrTenantRetired)
	}

	_, err = f.resolver.Resolve(ctx, "billing", uuid.New())
	require.Error(t, err)

	require.Zero(t, f.opener.count())
	require.Zero(t, f.resolver.Len())
}

func TestResolveSucceedsOnceProvisioningCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()

	f.setState(t, tenantID, provisioning.StateProvisioning)
	_, err := f.resolver.Resolve(ctx, testService, tenantID)
	require.ErrorIs(t, err, ErrTenantUnknown)

	f.setState(t, tenantID, provisioning.StateProvisioned)
	h, err := f.resolver.Resolve(ctx, testService, tenantID)
	require.NoError(t, err)
	h.Release()
}

func TestResolveDoesNotCacheFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	f.setState(t, tenantID, provisioning.StateProvisioned)
	f.opener.fail = []error{errors.New("password authentication failed")}

	_, err := f.resolver.Resolve(ctx, testService, tenantID)
	require.ErrorIs(t, err, ErrConnectionFailure)
	require.Zero(t, f.resolver.Len())

	h, err := f.resolver.Resolve(ctx, testService, tenantID)
	require.NoError(t, err)
	h.Release()
	require.Equal(t, int32(2), f.opener.calls.Load())
}

func TestResolveRetriesTransientConnectErrors(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	f.setState(t, tenantID, provisioning.StateProvisioned)
	f.opener.fail = []error{retry.Transient(errors.New("connection refused"))}

	h, err := f.resolver.Resolve(context.Background(), testService, tenantID)
	require.NoError(t, err)
	h.Release()
	require.Equal(t, int32(2), f.opener.calls.Load())
}

func TestEvictClosesPoolAfterLastRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	f.setState(t, tenantID, provisioning.StateProvisioned)

	h1, err := f.resolver.Resolve(ctx, testService, tenantID)
	require.NoError(t, err)
	h2, err := f.resolver.Resolve(ctx, testService, tenantID)
	require.NoError(t, err)
	db := f.opener.opened[0]

	f.setState(t, tenantID, provisioning.StateRetiring)
	f.resolver.Evict(tenantID)
	require.Zero(t, f.resolver.Len())
	require.False(t, db.closed.Load())

	h1.Release()
	h1.Release()
	require.False(t, db.closed.Load())
	h2.Release()
	require.True(t, db.closed.Load())

	_, err = f.resolver.Resolve(ctx, testService, tenantID)
	require.ErrorIs(t, err, ErrTenantRetired)
}

func TestEvictDuringCreationDiscardsPool(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	f.setState(t, tenantID, provisioning.StateProvisioned)
	f.opener.gate = make(chan struct{})

	result := make(chan error, 1)
	go func() {
		h, err := f.resolver.Resolve(context.Background(), testService, tenantID)
		if h != nil {
			h.Release()
		}
		result <- err
	}()

	require.Eventually(t, func() bool { return f.opener.calls.Load() == 1 }, time.Second, time.Millisecond)
	f.setState(t, tenantID, provisioning.StateRetiring)
	f.resolver.Evict(tenantID)
	close(f.opener.gate)

	require.ErrorIs(t, <-result, ErrTenantRetired)
	require.Zero(t, f.resolver.Len())
	require.Equal(t, 1, f.opener.count())
	require.True(t, f.opener.opened[0].closed.Load())
}

func TestResolveHonoursCallerCancellation(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	f.setState(t, tenantID, provisioning.StateProvisioned)
	f.opener.gate = make(chan struct{})
	defer close(f.opener.gate)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(ctx, testService, tenantID)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.opener.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSweepEvictsIdleAndRevalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idle, retiring, busy := uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{idle, retiring, busy} {
		f.setState(t, id, provisioning.StateProvisioned)
	}

	h, err := f.resolver.Resolve(ctx, testService, idle)
	require.NoError(t, err)
	h.Release()

	f.clock.Advance(4 * time.Minute)
	h, err = f.resolver.Resolve(ctx, testService, retiring)
	require.NoError(t, err)
	h.Release()
	held, err := f.resolver.Resolve(ctx, testService, busy)
	require.NoError(t, err)
	defer held.Release()
	require.Equal(t, 3, f.resolver.Len())

	f.setState(t, retiring, provisioning.StateRetiring)
	f.clock.Advance(2 * time.Minute)
	f.resolver.Sweep(ctx)

	require.Equal(t, 1, f.resolver.Len())
	h, err = f.resolver.Resolve(ctx, testService, busy)
	require.NoError(t, err)
	h.Release()
	require.Same(t, held.DB(), h.DB())

	_, err = f.resolver.Resolve(ctx, testService, retiring)
	require.ErrorIs(t, err, ErrTenantRetired)
}

func TestCloseShutsEverything(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	f.setState(t, tenantID, provisioning.StateProvisioned)

	h, err := f.resolver.Resolve(context.Background(), testService, tenantID)
	require.NoError(t, err)
	h.Release()

	f.resolver.Close()
	require.Zero(t, f.resolver.Len())
	require.True(t, f.opener.opened[0].closed.Load())
}

func mustDSN(t *testing.T, tenantID uuid.UUID) string {
	t.Helper()
	return "postgres://app:pw@db:5432/documents_" + stripDashes(tenantID) + "?sslmode=disable"
}

func stripDashes(id uuid.UUID) string {
	out := make([]byte, 0, 32)
	for _, c := range id.String() {
		if c != '-' {
			out = append(out, byte(c))
		}
	}
	return string(out)
}
