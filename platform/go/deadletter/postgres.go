package deadletter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

// PostgresSink stores letters in the dead_letters table.
type PostgresSink struct {
	db persistence.Querier
}

func NewPostgresSink(db persistence.Querier) *PostgresSink {
	if db == nil {
		panic("deadletter: db is required")
	}
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Park(ctx context.Context, l Letter) error {
	var payload any
	if len(l.Payload) > 0 {
		payload = []byte(l.Payload)
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO dead_letters (source, event_id, tenant_id, event_type, payload, reason, attempts, parked_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))`,
		l.Source, nullUUID(l.EventID), nullUUID(l.TenantID), l.EventType, payload, l.Reason, l.Attempts, nullTime(l),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListOpen returns unresolved letters, oldest first.
func (s *PostgresSink) ListOpen(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
        SELECT id, source, event_id, tenant_id, COALESCE(event_type, ''), payload, reason, attempts, parked_at
        FROM dead_letters
        WHERE resolved_at IS NULL
        ORDER BY parked_at, id
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Letter
	for rows.Next() {
		var l Letter
		var eventID, tenantID *uuid.UUID
		var payload []byte
		if err := rows.Scan(&l.ID, &l.Source, &eventID, &tenantID, &l.EventType, &payload, &l.Reason, &l.Attempts, &l.ParkedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if eventID != nil {
			l.EventID = *eventID
		}
		if tenantID != nil {
			l.TenantID = *tenantID
		}
		l.Payload = payload
		out = append(out, l)
	}
	return out, rows.Err()
}

// Resolve marks a letter as handled.
func (s *PostgresSink) Resolve(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE dead_letters SET resolved_at = now() WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("dead letter not found or already resolved")
	}
	return nil
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func nullTime(l Letter) any {
	if l.ParkedAt.IsZero() {
		return nil
	}
	return l.ParkedAt
}
