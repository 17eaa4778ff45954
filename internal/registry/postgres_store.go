package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the offers table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS offers (
			id             VARCHAR(40) PRIMARY KEY,
			provider       VARCHAR(42) NOT NULL,
			label          VARCHAR(200) NOT NULL,
			description    TEXT,
			price_per_unit NUMERIC(20,6) NOT NULL,
			min_units      BIGINT NOT NULL DEFAULT 1,
			max_units      BIGINT NOT NULL,
			endpoint       TEXT,
			active         BOOLEAN NOT NULL DEFAULT TRUE,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_offer_units CHECK (min_units > 0 AND max_units >= min_units),
			CONSTRAINT chk_offer_price CHECK (price_per_unit > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_offers_provider ON offers(provider);
		CREATE INDEX IF NOT EXISTS idx_offers_active_created ON offers(active, created_at DESC);
	`)
	return err
}

const offerColumns = `id, provider, label, description, price_per_unit,
		       min_units, max_units, endpoint, active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (
			id, provider, label, description, price_per_unit,
			min_units, max_units, endpoint, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10, $11)`,
		o.ID, o.Provider, o.Label, nullString(o.Description), o.PricePerUnit,
		o.MinUnits, o.MaxUnits, nullString(o.Endpoint), o.Active, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			label = $1, description = $2, price_per_unit = $3::NUMERIC(20,6),
			min_units = $4, max_units = $5, endpoint = $6, active = $7, updated_at = $8
		WHERE id = $9`,
		o.Label, nullString(o.Description), o.PricePerUnit,
		o.MinUnits, o.MaxUnits, nullString(o.Endpoint), o.Active, o.UpdatedAt,
		o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers`
	var conds []string
	var args []interface{}

	if q.Provider != "" {
		args = append(args, strings.ToLower(q.Provider))
		conds = append(conds, fmt.Sprintf("provider = $%d", len(args)))
	}
	if q.ActiveOnly {
		conds = append(conds, "active = TRUE")
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(label ILIKE $%d OR description ILIKE $%d)", n, n))
	}
	if !q.CreatedBefore.IsZero() {
		args = append(args, q.CreatedBefore)
		ts := len(args)
		args = append(args, q.BeforeID)
		conds = append(conds, fmt.Sprintf("(created_at < $%d OR (created_at = $%d AND id < $%d))", ts, ts, len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var description, endpoint sql.NullString

	err := s.Scan(
		&o.ID, &o.Provider, &o.Label, &description, &o.PricePerUnit,
		&o.MinUnits, &o.MaxUnits, &endpoint, &o.Active, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Description = description.String
	o.Endpoint = endpoint.String
	return o, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
