package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/V4T54L/event-intake/internal/domain"
)

const eventsTableName = "events"

// schema is applied by EnsureSchema. seq breaks ties between events received
// at the same instant so listings follow insertion order. metadata is JSON,
// not JSONB, so the stored bytes are returned exactly as validated.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq         BIGSERIAL,
	id          VARCHAR(36) PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL,
	client_ts   TIMESTAMPTZ NOT NULL,
	event       VARCHAR(64) NOT NULL,
	user_id     VARCHAR(64) NOT NULL,
	metadata    JSON NOT NULL DEFAULT '{}'::json,
	request_id  VARCHAR(64) NOT NULL
);
CREATE INDEX IF NOT EXISTS events_user_recent_idx ON events (user_id, received_at DESC, seq DESC);
CREATE INDEX IF NOT EXISTS events_recent_idx ON events (received_at DESC, seq DESC);
`

// ErrSchemaMissing is returned when the events table does not exist.
var ErrSchemaMissing = errors.New("events table is missing; run with schema bootstrap enabled")

// EventRepository implements domain.EventStore using PostgreSQL.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new PostgreSQL event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger.With("component", "postgres_repository")}
}

// EnsureSchema creates the events table and its indexes when missing.
func (r *EventRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply events schema: %w", err)
	}
	return nil
}

// Put upserts the event keyed by id.
func (r *EventRepository) Put(ctx context.Context, event domain.Event) error {
	metadata := []byte(event.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO ` + eventsTableName + ` (id, received_at, client_ts, event, user_id, metadata, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			received_at = EXCLUDED.received_at,
			client_ts = EXCLUDED.client_ts,
			event = EXCLUDED.event,
			user_id = EXCLUDED.user_id,
			metadata = EXCLUDED.metadata,
			request_id = EXCLUDED.request_id`
	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.ReceivedAt, event.ClientTS, event.Event, event.UserID, string(metadata), event.RequestID)
	if err != nil {
		return wrapErr(err, "insert event "+event.ID)
	}
	return nil
}

func (r *EventRepository) Get(ctx context.Context, id string) (domain.Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, received_at, client_ts, event, user_id, metadata, request_id FROM `+eventsTableName+` WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if err != nil {
		return domain.Event{}, wrapErr(err, "get event "+id)
	}
	return e, nil
}

func (r *EventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Event, error) {
	query := `SELECT id, received_at, client_ts, event, user_id, metadata, request_id FROM ` + eventsTableName + `
		WHERE user_id = $1 ORDER BY received_at DESC, seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

func (r *EventRepository) ListRecent(ctx context.Context, limit int) ([]domain.Event, error) {
	query := `SELECT id, received_at, client_ts, event, user_id, metadata, request_id FROM ` + eventsTableName + `
		ORDER BY received_at DESC, seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

func (r *EventRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+eventsTableName+` WHERE user_id = $1`, userID)
	if err != nil {
		return 0, wrapErr(err, "delete events of user "+userID)
	}
	return res.RowsAffected()
}

func (r *EventRepository) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+eventsTableName)
	if err != nil {
		return 0, wrapErr(err, "delete all events")
	}
	return res.RowsAffected()
}

func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+eventsTableName).Scan(&n); err != nil {
		return 0, wrapErr(err, "count events")
	}
	return n, nil
}

func (r *EventRepository) query(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "list events")
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (domain.Event, error) {
	var (
		e        domain.Event
		metadata []byte
	)
	if err := s.Scan(&e.ID, &e.ReceivedAt, &e.ClientTS, &e.Event, &e.UserID, &metadata, &e.RequestID); err != nil {
		return domain.Event{}, err
	}
	e.ReceivedAt = e.ReceivedAt.UTC()
	e.ClientTS = e.ClientTS.UTC()
	e.Metadata = metadata
	return e, nil
}

// wrapErr maps undefined_table to ErrSchemaMissing and adds context otherwise.
func wrapErr(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "42P01" {
		return fmt.Errorf("failed to %s: %w", op, ErrSchemaMissing)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
