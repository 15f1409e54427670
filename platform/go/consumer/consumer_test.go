package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/licensing-saas/platform/go/deadletter"
	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
	"github.com/zenGate-Global/licensing-saas/platform/go/provisioning"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
	"github.com/zenGate-Global/licensing-saas/platform/go/stream"
)

const testGroup = "documents"

var retryFast = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}

type recordingHandler struct {
	mu       sync.Mutex
	handled  []lifecycle.Event
	failures map[uuid.UUID]error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{failures: make(map[uuid.UUID]error)}
}

func (h *recordingHandler) failOnce(eventID uuid.UUID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[eventID] = err
}

func (h *recordingHandler) Handle(_ context.Context, e lifecycle.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, e)
	if err, ok := h.failures[e.EventID]; ok {
		delete(h.failures, e.EventID)
		return err
	}
	return nil
}

func (h *recordingHandler) forTenant(tenantID uuid.UUID) []lifecycle.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []lifecycle.Type
	for _, e := range h.handled {
		if e.TenantID == tenantID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
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
	log      *stream.Memory
	clock    *testClock
	handler  *recordingHandler
	dedupe   *MemoryDedupe
	sink     *deadletter.MemorySink
	consumer *Consumer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		log:     stream.NewMemory(stream.LifecycleStream),
		clock:   &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		handler: newRecordingHandler(),
		dedupe:  NewMemoryDedupe(),
		sink:    deadletter.NewMemorySink(),
	}
	f.log.SetClock(f.clock.Now)
	group := f.log.Group(stream.GroupConfig{Group: testGroup, Consumer: "worker-1", MinIdle: 30 * time.Second})
	f.consumer = New(Config{Service: testGroup, Concurrency: 4}, group, f.handler, f.dedupe, f.sink, nil)
	return f
}

func (f fixture) publish(t *testing.T, events ...lifecycle.Event) {
	t.Helper()
	for _, e := range events {
		payload, err := lifecycle.Encode(e)
		require.NoError(t, err)
		_, err = f.log.Publish(context.Background(), e.TenantID.String(), payload)
		require.NoError(t, err)
	}
}

func (f fixture) poll(t *testing.T) int {
	t.Helper()
	n, err := f.consumer.Poll(context.Background())
	require.NoError(t, err)
	f.consumer.Wait()
	return n
}

func createdEvent(tenantID uuid.UUID, at time.Time) lifecycle.Event {
	return lifecycle.NewCreated(tenantID, lifecycle.CreatedPayload{Name: "DMV", AgencyCode: "DMV", ContactEmail: "ops@dmv.example", CreatedAt: at}, at)
}

func updatedEvent(tenantID uuid.UUID, at time.Time) lifecycle.Event {
	name := "DMV North"
	return lifecycle.NewUpdated(tenantID, lifecycle.UpdatedPayload{Name: &name, Active: true}, at)
}

func TestConsumerAppliesEventsInTenantOrder(t *testing.T) {
	f := newFixture(t)
	t1, t2 := uuid.New(), uuid.New()
	at := f.clock.Now()
	first := createdEvent(t1, at)

	f.publish(t, first, createdEvent(t2, at), updatedEvent(t1, at.Add(time.Second)), lifecycle.NewDeleted(t1, at.Add(2*time.Second)))
	require.Equal(t, 4, f.poll(t))

	require.Equal(t, []lifecycle.Type{lifecycle.TypeCreated, lifecycle.TypeUpdated, lifecycle.TypeDeleted}, f.handler.forTenant(t1))
	require.Equal(t, []lifecycle.Type{lifecycle.TypeCreated}, f.handler.forTenant(t2))
	require.Zero(t, f.log.Pending(testGroup))
	require.Equal(t, 4, f.dedupe.Len())

	// the transport delivers the same event again
	f.publish(t, first)
	f.poll(t)
	require.Equal(t, 4, f.handler.count())
	require.Zero(t, f.log.Pending(testGroup))
}

func TestConsumerParksMalformedMessages(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	_, err := f.log.Publish(context.Background(), tenantID.String(), []byte(`{"type":"Renamed"}`))
	require.NoError(t, err)
	_, err = f.log.Publish(context.Background(), tenantID.String(), []byte(`not json`))
	require.NoError(t, err)

	f.poll(t)

	require.Zero(t, f.handler.count())
	require.Zero(t, f.log.Pending(testGroup))
	letters := f.sink.Letters()
	require.Len(t, letters, 2)
	require.Equal(t, deadletter.SourceConsumer, letters[0].Source)
	require.Equal(t, tenantID, letters[0].TenantID)
	require.JSONEq(t, `"not json"`, string(letters[1].Payload))
}

func TestConsumerAcksMalformedMessageWhenOneSinkRecordedIt(t *testing.T) {
	log := stream.NewMemory(stream.LifecycleStream)
	mem := deadletter.NewMemorySink()
	sink := deadletter.MultiSink{
		mem,
		deadletter.SinkFunc(func(context.Context, deadletter.Letter) error { return errors.New("dlq down") }),
	}
	group := log.Group(stream.GroupConfig{Group: testGroup, Consumer: "worker-1", MinIdle: time.Nanosecond})
	c := New(Config{Service: testGroup, Concurrency: 1}, group, newRecordingHandler(), NewMemoryDedupe(), sink, nil)

	_, err := log.Publish(context.Background(), uuid.NewString(), []byte(`not json`))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Poll(context.Background())
		require.NoError(t, err)
		c.Wait()
	}

	require.Zero(t, log.Pending(testGroup))
	require.Len(t, mem.Letters(), 1)
}

func TestConsumerBlocksTenantUntilFailedMessageSucceeds(t *testing.T) {
	f := newFixture(t)
	t1, t2 := uuid.New(), uuid.New()
	at := f.clock.Now()
	created := createdEvent(t1, at)
	f.handler.failOnce(created.EventID, errors.New("connection reset"))

	f.publish(t, created, updatedEvent(t1, at.Add(time.Second)), createdEvent(t2, at))
	f.poll(t)

	require.Equal(t, []lifecycle.Type{lifecycle.TypeCreated}, f.handler.forTenant(t1))
	require.Equal(t, []lifecycle.Type{lifecycle.TypeCreated}, f.handler.forTenant(t2))
	require.True(t, f.consumer.Blocked(t1))
	require.Equal(t, 2, f.log.Pending(testGroup))

	// nothing is reclaimed before MinIdle
	require.Zero(t, f.poll(t))

	f.clock.Advance(31 * time.Second)
	require.Equal(t, 2, f.poll(t))

	require.Equal(t, []lifecycle.Type{lifecycle.TypeCreated, lifecycle.TypeCreated, lifecycle.TypeUpdated}, f.handler.forTenant(t1))
	require.False(t, f.consumer.Blocked(t1))
	require.Zero(t, f.log.Pending(testGroup))
}

func TestConsumerSettlesParkedEvents(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	created := createdEvent(tenantID, f.clock.Now())
	f.handler.failOnce(created.EventID, fmt.Errorf("%w: migration 0002 failed", provisioning.ErrParked))

	f.publish(t, created, updatedEvent(tenantID, f.clock.Now().Add(time.Second)))
	f.poll(t)

	require.Equal(t, []lifecycle.Type{lifecycle.TypeCreated, lifecycle.TypeUpdated}, f.handler.forTenant(tenantID))
	require.False(t, f.consumer.Blocked(tenantID))
	require.Zero(t, f.log.Pending(testGroup))
	seen, err := f.dedupe.Seen(context.Background(), created.EventID)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestConsumerUnblocksWhenBlockerSettledElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := uuid.New()
	at := f.clock.Now()
	created := createdEvent(tenantID, at)
	f.handler.failOnce(created.EventID, errors.New("connection reset"))

	f.publish(t, created)
	f.poll(t)
	require.True(t, f.consumer.Blocked(tenantID))

	// another group member took the message over and settled it
	require.NoError(t, f.dedupe.Mark(ctx, created))
	msgs := f.log.Messages()
	require.NoError(t, f.log.Group(stream.GroupConfig{Group: testGroup}).Ack(ctx, msgs[0].ID))

	f.publish(t, updatedEvent(tenantID, at.Add(time.Second)))
	f.poll(t)

	require.Equal(t, []lifecycle.Type{lifecycle.TypeCreated, lifecycle.TypeUpdated}, f.handler.forTenant(tenantID))
	require.False(t, f.consumer.Blocked(tenantID))
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	log := stream.NewMemory(stream.LifecycleStream)
	handler := newRecordingHandler()
	group := log.Group(stream.GroupConfig{Group: testGroup, Consumer: "worker-1"})
	c := New(Config{Service: testGroup, IdleWait: time.Millisecond}, group, handler, NewMemoryDedupe(), deadletter.NewMemorySink(), nil)

	tenantID := uuid.New()
	payload, err := lifecycle.Encode(createdEvent(tenantID, time.Now()))
	require.NoError(t, err)
	_, err = log.Publish(context.Background(), tenantID.String(), payload)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return handler.count() == 1 && log.Pending(testGroup) == 0 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

type flakySubscriber struct {
	stream.Subscriber
	mu    sync.Mutex
	fails int
}

func (s *flakySubscriber) Fetch(ctx context.Context, max int) ([]stream.Message, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return nil, stream.ErrUnavailable
	}
	s.mu.Unlock()
	return s.Subscriber.Fetch(ctx, max)
}

func TestConsumerRunSurvivesFetchFailures(t *testing.T) {
	log := stream.NewMemory(stream.LifecycleStream)
	handler := newRecordingHandler()
	sub := &flakySubscriber{Subscriber: log.Group(stream.GroupConfig{Group: testGroup}), fails: 2}
	c := New(Config{Service: testGroup, IdleWait: time.Millisecond, ErrorBackoff: retryFast}, sub, handler, NewMemoryDedupe(), deadletter.NewMemorySink(), nil)

	tenantID := uuid.New()
	payload, err := lifecycle.Encode(createdEvent(tenantID, time.Now()))
	require.NoError(t, err)
	_, err = log.Publish(context.Background(), tenantID.String(), payload)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, time.Millisecond)
}
