package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable is returned by Memory when a publish failure was injected.
var ErrUnavailable = errors.New("stream unavailable")

// Memory is an in-process stream with consumer-group semantics close to Redis
// Streams: per-group cursors, a pending list per group and reclaim after
// MinIdle. It backs tests and single-process development setups.
type Memory struct {
	mu      sync.Mutex
	name    string
	log     []Message
	groups  map[string]*memoryGroupState
	seq     int64
	failN   int
	failErr error
	now     func() time.Time
}

type memoryGroupState struct {
	cursor  int
	pending map[string]*pendingEntry
	order   []string
}

type pendingEntry struct {
	msg         Message
	deliveredAt time.Time
	deliveries  int
}

// NewMemory returns an empty stream.
func NewMemory(name string) *Memory {
	return &Memory{name: name, groups: make(map[string]*memoryGroupState), now: time.Now}
}

// SetClock replaces the time source; tests use it to age pending deliveries.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailNext makes the next n publishes fail with err (ErrUnavailable if nil).
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrUnavailable
	}
	m.failN, m.failErr = n, err
}

func (m *Memory) Publish(ctx context.Context, key string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failN > 0 {
		m.failN--
		return "", m.failErr
	}

	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	body := make([]byte, len(payload))
	copy(body, payload)
	m.log = append(m.log, Message{ID: id, Key: key, Payload: body})
	return id, nil
}

// Messages returns a copy of everything appended so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.log))
	copy(out, m.log)
	return out
}

// Len reports the number of appended messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}

// Pending reports how many deliveries of group are unacknowledged.
func (m *Memory) Pending(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[group]; ok {
		return len(g.pending)
	}
	return 0
}

// Group returns a subscriber for a consumer group. All members of a group
// share one cursor and one pending list.
func (m *Memory) Group(cfg GroupConfig) *MemoryGroup {
	cfg = cfg.withDefaults()
	if cfg.Group == "" {
		panic("memory group: group is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[cfg.Group]; !ok {
		m.groups[cfg.Group] = &memoryGroupState{pending: make(map[string]*pendingEntry)}
	}
	return &MemoryGroup{stream: m, group: cfg.Group, minIdle: cfg.MinIdle}
}

// MemoryGroup is a Subscriber over Memory. Fetch never blocks.
type MemoryGroup struct {
	stream  *Memory
	group   string
	minIdle time.Duration
}

func (g *MemoryGroup) Fetch(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = defaultFetchCount
	}

	m := g.stream
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.groups[g.group]
	now := m.now()
	var out []Message

	for _, id := range state.order {
		if len(out) >= max {
			return out, nil
		}
		p, ok := state.pending[id]
		if !ok || now.Sub(p.deliveredAt) < g.minIdle {
			continue
		}
		p.deliveredAt = now
		p.deliveries++
		msg := p.msg
		msg.Redelivered = true
		out = append(out, msg)
	}

	for state.cursor < len(m.log) && len(out) < max {
		msg := m.log[state.cursor]
		state.cursor++
		state.pending[msg.ID] = &pendingEntry{msg: msg, deliveredAt: now, deliveries: 1}
		state.order = append(state.order, msg.ID)
		out = append(out, msg)
	}
	return out, nil
}

func (g *MemoryGroup) Ack(ctx context.Context, ids ...string) error {
	m := g.stream
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.groups[g.group]
	for _, id := range ids {
		delete(state.pending, id)
	}

	kept := state.order[:0]
	for _, id := range state.order {
		if _, ok := state.pending[id]; ok {
			kept = append(kept, id)
		}
	}
	state.order = kept
	return nil
}

var (
	_ Publisher  = (*Memory)(nil)
	_ Subscriber = (*MemoryGroup)(nil)
	_ Publisher  = (*RedisPublisher)(nil)
	_ Subscriber = (*RedisGroup)(nil)
)
