package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/licensing-saas/platform/go/deadletter"
	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
	"github.com/zenGate-Global/licensing-saas/platform/go/stream"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func appendEvent(t *testing.T, store *MemoryStore, e lifecycle.Event) Entry {
	t.Helper()
	entry, err := NewEntry(e)
	require.NoError(t, err)
	out, err := store.Append(entry)
	require.NoError(t, err)
	return out
}

func created(tenantID uuid.UUID, at time.Time) lifecycle.Event {
	return lifecycle.NewCreated(tenantID, lifecycle.CreatedPayload{Name: "DMV", AgencyCode: "DMV-" + tenantID.String()[:4], ContactEmail: "ops@dmv.example", CreatedAt: at}, at)
}

func newTestPublisher(store Store, transport stream.Publisher, sink deadletter.Sink, clock *testClock, policy retry.Policy) *Publisher {
	return NewPublisher(store, transport, sink, Config{Owner: "publisher-a", Lease: 30 * time.Second, Retry: policy}, nil, WithClock(clock.Now))
}

func TestPublisherPreservesPerTenantOrder(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewMemoryStore()
	transport := stream.NewMemory(stream.LifecycleStream)

	t1, t2 := uuid.New(), uuid.New()
	at := clock.Now()
	name := "Renamed"
	want := []Entry{
		appendEvent(t, store, created(t1, at)),
		appendEvent(t, store, lifecycle.NewUpdated(t1, lifecycle.UpdatedPayload{Name: &name, Active: true}, at)),
		appendEvent(t, store, created(t2, at)),
		appendEvent(t, store, lifecycle.NewDeleted(t1, at)),
	}

	p := newTestPublisher(store, transport, deadletter.NewMemorySink(), clock, retry.Policy{})

	first, err := p.PublishPending(ctx)
	require.NoError(t, err)
	require.Equal(t, PassResult{Claimed: 2, Published: 2}, first)

	total, err := p.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total.Published)

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	var t1Events []uuid.UUID
	for _, msg := range transport.Messages() {
		if msg.Key != t1.String() {
			continue
		}
		e, err := lifecycle.Decode(msg.Payload)
		require.NoError(t, err)
		t1Events = append(t1Events, e.EventID)
	}
	require.Equal(t, []uuid.UUID{want[0].EventID, want[1].EventID, want[3].EventID}, t1Events)
}

func TestPublisherBacksOffAndKeepsHeadOfLine(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewMemoryStore()
	transport := stream.NewMemory(stream.LifecycleStream)
	policy := retry.Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2}

	tenantID := uuid.New()
	head := appendEvent(t, store, created(tenantID, clock.Now()))
	appendEvent(t, store, lifecycle.NewDeleted(tenantID, clock.Now()))

	p := newTestPublisher(store, transport, deadletter.NewMemorySink(), clock, policy)

	transport.FailNext(1, nil)
	res, err := p.PublishPending(ctx)
	require.NoError(t, err)
	require.Equal(t, PassResult{Claimed: 1, Failed: 1}, res)

	entries := store.Entries()
	require.Equal(t, 1, entries[0].Attempts)
	require.NotNil(t, entries[0].LastError)
	require.Equal(t, clock.Now().Add(time.Second), entries[0].NextAttemptAt)

	// the delayed head blocks the tenant's later entry
	res, err = p.PublishPending(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Claimed)
	require.Zero(t, transport.Len())

	clock.Advance(time.Second)
	_, err = p.Drain(ctx)
	require.NoError(t, err)

	msgs := transport.Messages()
	require.Len(t, msgs, 2)
	first, err := lifecycle.Decode(msgs[0].Payload)
	require.NoError(t, err)
	require.Equal(t, head.EventID, first.EventID)
}

type failingMarkStore struct {
	*MemoryStore
	failSeq int64
}

func (s failingMarkStore) MarkPublished(ctx context.Context, seq int64, owner string, at time.Time) error {
	if seq == s.failSeq {
		return errors.New("connection reset")
	}
	return s.MemoryStore.MarkPublished(ctx, seq, owner, at)
}

// slowTransport delays publishes of one key and fails them if ctx ends first.
type slowTransport struct {
	*stream.Memory
	slowKey string
	delay   time.Duration
	started chan struct{}
}

func (t *slowTransport) Publish(ctx context.Context, key string, payload []byte) (string, error) {
	if key == t.slowKey {
		if t.started != nil {
			close(t.started)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(t.delay):
		}
	}
	return t.Memory.Publish(ctx, key, payload)
}

func TestPublisherStoreErrorDoesNotFailSiblings(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	mem := NewMemoryStore()
	t1, t2 := uuid.New(), uuid.New()
	broken := appendEvent(t, mem, created(t1, clock.Now()))
	appendEvent(t, mem, created(t2, clock.Now()))

	transport := &slowTransport{Memory: stream.NewMemory(stream.LifecycleStream), slowKey: t2.String(), delay: 50 * time.Millisecond}
	p := newTestPublisher(failingMarkStore{MemoryStore: mem, failSeq: broken.Seq}, transport, deadletter.NewMemorySink(), clock, retry.Policy{MaxAttempts: 2})

	res, err := p.PublishPending(ctx)
	require.Error(t, err)
	require.Equal(t, 1, res.Published)
	require.Zero(t, res.Failed)

	for _, e := range mem.Entries() {
		require.Zero(t, e.Attempts)
		if e.AggregateID == t2 {
			require.NotNil(t, e.PublishedAt)
		}
	}
}

func TestPublisherCancellationDoesNotCountAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := newTestClock()
	store := NewMemoryStore()
	tenantID := uuid.New()
	appendEvent(t, store, created(tenantID, clock.Now()))

	transport := &slowTransport{Memory: stream.NewMemory(stream.LifecycleStream), slowKey: tenantID.String(), delay: time.Minute, started: make(chan struct{})}
	p := newTestPublisher(store, transport, deadletter.NewMemorySink(), clock, retry.Policy{MaxAttempts: 1})

	go func() {
		<-transport.started
		cancel()
	}()
	res, err := p.PublishPending(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, res.Failed)

	entries := store.Entries()
	require.Zero(t, entries[0].Attempts)
	require.Nil(t, entries[0].DeadLetteredAt)
	require.Nil(t, entries[0].LastError)
}

func TestPublisherDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewMemoryStore()
	transport := stream.NewMemory(stream.LifecycleStream)
	sink := deadletter.NewMemorySink()
	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1}

	tenantID := uuid.New()
	head := appendEvent(t, store, created(tenantID, clock.Now()))
	next := appendEvent(t, store, lifecycle.NewDeleted(tenantID, clock.Now()))

	p := newTestPublisher(store, transport, sink, clock, policy)
	transport.FailNext(3, nil)

	for i := 0; i < 3; i++ {
		_, err := p.PublishPending(ctx)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	entries := store.Entries()
	require.NotNil(t, entries[0].DeadLetteredAt)
	require.Equal(t, 3, entries[0].Attempts)

	letters := sink.Letters()
	require.Len(t, letters, 1)
	require.Equal(t, head.EventID, letters[0].EventID)
	require.Equal(t, deadletter.SourceOutbox, letters[0].Source)

	// later entries of the tenant are no longer held back
	res, err := p.PublishPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Published)
	e, err := lifecycle.Decode(transport.Messages()[0].Payload)
	require.NoError(t, err)
	require.Equal(t, next.EventID, e.EventID)
}

func TestPublisherRestartPublishesAfterLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewMemoryStore()
	transport := stream.NewMemory(stream.LifecycleStream)

	entry := appendEvent(t, store, created(uuid.New(), clock.Now()))

	// a publisher claims the entry and dies before publishing
	claimed, err := store.Claim(ctx, Claim{Owner: "crashed", Until: clock.Now().Add(30 * time.Second)}, 10, clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	restarted := NewPublisher(store, transport, deadletter.NewMemorySink(), Config{Owner: "publisher-b", Lease: 30 * time.Second}, nil, WithClock(clock.Now))

	res, err := restarted.PublishPending(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Claimed)

	clock.Advance(31 * time.Second)
	res, err = restarted.PublishPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Published)

	e, err := lifecycle.Decode(transport.Messages()[0].Payload)
	require.NoError(t, err)
	require.Equal(t, entry.EventID, e.EventID)

	// the crashed owner can no longer touch the row
	require.ErrorIs(t, store.MarkPublished(ctx, entry.Seq, "crashed", clock.Now()), ErrLeaseLost)
}

func TestPublisherRunStopsOnCancel(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	transport := stream.NewMemory(stream.LifecycleStream)
	appendEvent(t, store, created(uuid.New(), clock.Now()))

	p := NewPublisher(store, transport, deadletter.NewMemorySink(), Config{PollInterval: 10 * time.Millisecond}, nil, WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return transport.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestMemoryStoreRejectsDuplicateEvent(t *testing.T) {
	store := NewMemoryStore()
	entry, err := NewEntry(created(uuid.New(), time.Now()))
	require.NoError(t, err)

	_, err = store.Append(entry)
	require.NoError(t, err)
	_, err = store.Append(entry)
	require.ErrorIs(t, err, ErrDuplicateEvent)
}
