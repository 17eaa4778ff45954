package admin

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists the governance state as a single row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed governance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the governance table. The CHECK on id pins the table to
// one row.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS governance (
			id                    SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			fee_version           BIGINT NOT NULL,
			platform_fee_bps      BIGINT NOT NULL,
			unused_penalty_bps    BIGINT NOT NULL,
			fees_updated_at       TIMESTAMPTZ NOT NULL,
			paused                BOOLEAN NOT NULL DEFAULT FALSE,
			paused_at             TIMESTAMPTZ,
			unpause_after         TIMESTAMPTZ,
			pending_fee_bps       BIGINT,
			pending_penalty_bps   BIGINT,
			pending_scheduled_by  VARCHAR(42),
			pending_scheduled_at  TIMESTAMPTZ,
			pending_execute_after TIMESTAMPTZ,
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (p *PostgresStore) Load(ctx context.Context) (*State, error) {
	var (
		s           State
		pausedAt    sql.NullTime
		unpauseAt   sql.NullTime
		pendFee     sql.NullInt64
		pendPenalty sql.NullInt64
		pendBy      sql.NullString
		pendAt      sql.NullTime
		pendAfter   sql.NullTime
	)

	err := p.db.QueryRowContext(ctx, `
		SELECT fee_version, platform_fee_bps, unused_penalty_bps, fees_updated_at,
		       paused, paused_at, unpause_after,
		       pending_fee_bps, pending_penalty_bps, pending_scheduled_by,
		       pending_scheduled_at, pending_execute_after, updated_at
		FROM governance WHERE id = 1
	`).Scan(
		&s.Fees.Version, &s.Fees.PlatformFeeBps, &s.Fees.UnusedPenaltyBps, &s.FeesUpdatedAt,
		&s.Paused, &pausedAt, &unpauseAt,
		&pendFee, &pendPenalty, &pendBy, &pendAt, &pendAfter, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, err
	}

	if pausedAt.Valid {
		s.PausedAt = pausedAt.Time
	}
	if unpauseAt.Valid {
		s.UnpauseAfter = unpauseAt.Time
	}
	if pendFee.Valid {
		s.Pending = &PendingFeeUpdate{
			PlatformFeeBps:   pendFee.Int64,
			UnusedPenaltyBps: pendPenalty.Int64,
			ScheduledBy:      pendBy.String,
			ScheduledAt:      pendAt.Time,
			ExecuteAfter:     pendAfter.Time,
		}
	}
	return &s, nil
}

func (p *PostgresStore) Save(ctx context.Context, s *State) error {
	var (
		pausedAt    = nullTime(s.PausedAt)
		unpauseAt   = nullTime(s.UnpauseAfter)
		pendFee     sql.NullInt64
		pendPenalty sql.NullInt64
		pendBy      sql.NullString
		pendAt      sql.NullTime
		pendAfter   sql.NullTime
	)
	if s.Pending != nil {
		pendFee = sql.NullInt64{Int64: s.Pending.PlatformFeeBps, Valid: true}
		pendPenalty = sql.NullInt64{Int64: s.Pending.UnusedPenaltyBps, Valid: true}
		pendBy = sql.NullString{String: s.Pending.ScheduledBy, Valid: true}
		pendAt = sql.NullTime{Time: s.Pending.ScheduledAt, Valid: true}
		pendAfter = sql.NullTime{Time: s.Pending.ExecuteAfter, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO governance (
			id, fee_version, platform_fee_bps, unused_penalty_bps, fees_updated_at,
			paused, paused_at, unpause_after,
			pending_fee_bps, pending_penalty_bps, pending_scheduled_by,
			pending_scheduled_at, pending_execute_after, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			fee_version           = EXCLUDED.fee_version,
			platform_fee_bps      = EXCLUDED.platform_fee_bps,
			unused_penalty_bps    = EXCLUDED.unused_penalty_bps,
			fees_updated_at       = EXCLUDED.fees_updated_at,
			paused                = EXCLUDED.paused,
			paused_at             = EXCLUDED.paused_at,
			unpause_after         = EXCLUDED.unpause_after,
			pending_fee_bps       = EXCLUDED.pending_fee_bps,
			pending_penalty_bps   = EXCLUDED.pending_penalty_bps,
			pending_scheduled_by  = EXCLUDED.pending_scheduled_by,
			pending_scheduled_at  = EXCLUDED.pending_scheduled_at,
			pending_execute_after = EXCLUDED.pending_execute_after,
			updated_at            = NOW()
	`,
		s.Fees.Version, s.Fees.PlatformFeeBps, s.Fees.UnusedPenaltyBps, s.FeesUpdatedAt,
		s.Paused, pausedAt, unpauseAt,
		pendFee, pendPenalty, pendBy, pendAt, pendAfter,
	)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
