package events

import (
	"context"
	"database/sql"
	"strconv"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the append-only events table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id         BIGSERIAL PRIMARY KEY,
			type       VARCHAR(64) NOT NULL,
			subject    VARCHAR(64) NOT NULL,
			actor      VARCHAR(42),
			amount     VARCHAR(32),
			detail     TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject, id);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, id DESC);
	`)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, event *Event) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO events (type, subject, actor, amount, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, event.Type, event.Subject, nullString(event.Actor), nullString(event.Amount),
		nullString(event.Detail), event.CreatedAt).Scan(&event.ID)
}

func (p *PostgresStore) BySubject(ctx context.Context, subject string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, subject, actor, amount, detail, created_at
		FROM events WHERE subject = $1
		ORDER BY id ASC LIMIT $2
	`, subject, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (p *PostgresStore) Recent(ctx context.Context, filter Filter) ([]*Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, type, subject, actor, amount, detail, created_at
		FROM events WHERE 1=1`
	args := []interface{}{}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query += " AND type = $" + strconv.Itoa(len(args))
	}
	if filter.Subject != "" {
		args = append(args, filter.Subject)
		query += " AND subject = $" + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += " ORDER BY id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		e := &Event{}
		var actor, amount, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Subject, &actor, &amount, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		e.Amount = amount.String
		e.Detail = detail.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
