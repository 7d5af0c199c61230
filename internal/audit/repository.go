package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists audit events.
type Repository interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]Event, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed audit repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append inserts an event.
func (r *PostgresRepository) Append(ctx context.Context, event Event) error {
	_, err := r.db.Exec(ctx, `INSERT INTO audit_events (event_id, event_type, actor_account_id, actor_device_id, subject_id, occurred_at, attributes)
        VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)`,
		event.EventID, event.EventType, event.ActorAccountID, event.ActorDeviceID, event.SubjectID, event.OccurredAt.UTC(), event.Attributes)
	if err != nil {
		return fmt.Errorf("insert audit event %s: %w", event.EventType, err)
	}
	return nil
}

// ListBySubject returns events for a subject, newest first.
func (r *PostgresRepository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]Event, error) {
	rows, err := r.db.Query(ctx, `SELECT event_id, event_type, COALESCE(actor_account_id, ''), COALESCE(actor_device_id, ''), subject_id, occurred_at, attributes
        FROM audit_events WHERE subject_id = $1 ORDER BY occurred_at DESC LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		if err := row.Scan(&e.EventID, &e.EventType, &e.ActorAccountID, &e.ActorDeviceID, &e.SubjectID, &e.OccurredAt, &e.Attributes); err != nil {
			return Event{}, err
		}
		e.OccurredAt = e.OccurredAt.UTC()
		return e, nil
	})
}
