package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

// Dedupe is the durable set of events a service has already settled.
type Dedupe interface {
	Seen(ctx context.Context, eventID uuid.UUID) (bool, error)
	Mark(ctx context.Context, e lifecycle.Event) error
}

// MemoryDedupe keeps the set in memory.
type MemoryDedupe struct {
	mu   sync.Mutex
	seen map[uuid.UUID]struct{}
}

func NewMemoryDedupe() *MemoryDedupe {
	return &MemoryDedupe{seen: make(map[uuid.UUID]struct{})}
}

func (d *MemoryDedupe) Seen(_ context.Context, eventID uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[eventID]
	return ok, nil
}

func (d *MemoryDedupe) Mark(_ context.Context, e lifecycle.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[e.EventID] = struct{}{}
	return nil
}

func (d *MemoryDedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// PostgresDedupe stores the set in processed_events.
type PostgresDedupe struct {
	db      persistence.Querier
	service string
}

func NewPostgresDedupe(db persistence.Querier, service string) *PostgresDedupe {
	if db == nil {
		panic("dedupe requires db")
	}
	service = strings.TrimSpace(service)
	if service == "" {
		panic("dedupe requires service name")
	}
	return &PostgresDedupe{db: db, service: service}
}

func (d *PostgresDedupe) Seen(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var seen bool
	err := d.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE service = $1 AND event_id = $2)`,
		d.service, eventID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return seen, nil
}

func (d *PostgresDedupe) Mark(ctx context.Context, e lifecycle.Event) error {
	_, err := d.db.Exec(ctx, `
        INSERT INTO processed_events (service, event_id, tenant_id, event_type)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (service, event_id) DO NOTHING`,
		d.service, e.EventID, e.TenantID, string(e.Type),
	)
	if err != nil {
		return fmt.Errorf("mark processed event: %w", err)
	}
	return nil
}

var (
	_ Dedupe = (*MemoryDedupe)(nil)
	_ Dedupe = (*PostgresDedupe)(nil)
)
