package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

// Table is the outbox table name.
const Table = "outbox"

const entryColumns = `seq, event_id, aggregate_id, event_type, payload, created_at, attempts,
    next_attempt_at, last_error, locked_by, locked_until, published_at, dead_lettered_at`

// Enqueue inserts e using q, which must be the transaction that performs the
// tenant change the event describes.
func Enqueue(ctx context.Context, q persistence.Querier, e Entry) (Entry, error) {
	row := q.QueryRow(ctx, `
        INSERT INTO `+Table+` (event_id, aggregate_id, event_type, payload, created_at, next_attempt_at)
        VALUES ($1, $2, $3, $4, $5, $5)
        RETURNING `+entryColumns,
		e.EventID, e.AggregateID, string(e.EventType), e.Payload, e.CreatedAt,
	)
	out, err := scanEntry(row)
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return out, nil
}

// PostgresStore implements Store over the outbox table.
type PostgresStore struct {
	db persistence.Querier
}

func NewPostgresStore(db persistence.Querier) *PostgresStore {
	if db == nil {
		panic("outbox: db is required")
	}
	return &PostgresStore{db: db}
}

// Claim picks head-of-line entries only: an entry is claimable when no older
// pending entry of the same tenant exists, so a tenant's events leave in commit
// order even with several publishers. SKIP LOCKED keeps publishers from
// waiting on each other.
func (s *PostgresStore) Claim(ctx context.Context, c Claim, limit int, now time.Time) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
        WITH candidates AS (
            SELECT o.seq
            FROM `+Table+` o
            WHERE o.published_at IS NULL
              AND o.dead_lettered_at IS NULL
              AND o.next_attempt_at <= $1
              AND (o.locked_until IS NULL OR o.locked_until < $1)
              AND NOT EXISTS (
                  SELECT 1 FROM `+Table+` p
                  WHERE p.aggregate_id = o.aggregate_id
                    AND p.seq < o.seq
                    AND p.published_at IS NULL
                    AND p.dead_lettered_at IS NULL
              )
            ORDER BY o.seq
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        UPDATE `+Table+` AS t
        SET locked_by = $3, locked_until = $4
        FROM candidates
        WHERE t.seq = candidates.seq
        RETURNING t.seq, t.event_id, t.aggregate_id, t.event_type, t.payload, t.created_at, t.attempts,
            t.next_attempt_at, t.last_error, t.locked_by, t.locked_until, t.published_at, t.dead_lettered_at`,
		now, limit, c.Owner, c.Until,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE order
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, seq int64, owner string, at time.Time) error {
	return s.update(ctx, `
        UPDATE `+Table+`
        SET published_at = $3, locked_by = NULL, locked_until = NULL
        WHERE seq = $1 AND locked_by = $2 AND published_at IS NULL`, seq, owner, at)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, seq int64, owner string, attempts int, next time.Time, reason string) error {
	return s.update(ctx, `
        UPDATE `+Table+`
        SET attempts = $3, next_attempt_at = $4, last_error = $5, locked_by = NULL, locked_until = NULL
        WHERE seq = $1 AND locked_by = $2 AND published_at IS NULL`, seq, owner, attempts, next, reason)
}

func (s *PostgresStore) MarkDeadLettered(ctx context.Context, seq int64, owner string, attempts int, at time.Time, reason string) error {
	return s.update(ctx, `
        UPDATE `+Table+`
        SET attempts = $3, dead_lettered_at = $4, last_error = $5, locked_by = NULL, locked_until = NULL
        WHERE seq = $1 AND locked_by = $2 AND published_at IS NULL`, seq, owner, attempts, at, reason)
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+Table+` WHERE published_at IS NULL AND dead_lettered_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox entries: %w", err)
	}
	return n, nil
}

// Requeue clears the dead-letter flag so the entry is published again.
func (s *PostgresStore) Requeue(ctx context.Context, seq int64, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE `+Table+`
        SET dead_lettered_at = NULL, attempts = 0, next_attempt_at = $2, last_error = NULL
        WHERE seq = $1 AND dead_lettered_at IS NOT NULL`, seq, now)
	if err != nil {
		return fmt.Errorf("requeue outbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %d is not dead-lettered", seq)
	}
	return nil
}

// ListByAggregate returns every entry of a tenant in seq order.
func (s *PostgresStore) ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM `+Table+` WHERE aggregate_id = $1 ORDER BY seq`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) update(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var eventType string
	err := row.Scan(&e.Seq, &e.EventID, &e.AggregateID, &eventType, &e.Payload, &e.CreatedAt, &e.Attempts,
		&e.NextAttemptAt, &e.LastError, &e.LockedBy, &e.LockedUntil, &e.PublishedAt, &e.DeadLetteredAt)
	if err != nil {
		return Entry{}, err
	}
	e.EventType = lifecycle.Type(eventType)
	return e, nil
}
