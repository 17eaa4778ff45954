package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrows table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id                VARCHAR(40) PRIMARY KEY,
			consumer          VARCHAR(42) NOT NULL,
			provider          VARCHAR(42) NOT NULL,
			amount            NUMERIC(20,6) NOT NULL,
			usage_limit       BIGINT NOT NULL,
			status            VARCHAR(20) NOT NULL,
			duration_secs     BIGINT NOT NULL,
			credential_hash   TEXT,
			consumer_attested BOOLEAN NOT NULL DEFAULT FALSE,
			provider_attested BOOLEAN NOT NULL DEFAULT FALSE,
			reported_usage    BIGINT NOT NULL DEFAULT 0,
			start_time        TIMESTAMPTZ,
			end_time          TIMESTAMPTZ,
			refund_after      TIMESTAMPTZ,
			reporting_close   TIMESTAMPTZ,
			dispute_close     TIMESTAMPTZ,
			completion_unlock TIMESTAMPTZ,
			settled_usage     BIGINT NOT NULL DEFAULT 0,
			provider_amount   NUMERIC(20,6),
			consumer_refund   NUMERIC(20,6),
			platform_fee      NUMERIC(20,6),
			penalty_amount    NUMERIC(20,6),
			fee_version       BIGINT NOT NULL DEFAULT 0,
			dispute_reason    TEXT,
			resolution        TEXT,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_usage_limit_positive CHECK (usage_limit > 0),
			CONSTRAINT chk_amount_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_escrows_consumer ON escrows(consumer);
		CREATE INDEX IF NOT EXISTS idx_escrows_provider ON escrows(provider);
		CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
		CREATE INDEX IF NOT EXISTS idx_escrows_created ON escrows(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, consumer, provider, amount, usage_limit, status, duration_secs,
			credential_hash, consumer_attested, provider_attested, reported_usage,
			start_time, end_time, refund_after, reporting_close, dispute_close,
			completion_unlock, settled_usage, provider_amount, consumer_refund,
			platform_fee, penalty_amount, fee_version, dispute_reason, resolution,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23, $24, $25,
			$26, $27
		)`,
		e.ID, e.Consumer, e.Provider, e.Amount, e.UsageLimit, string(e.Status), e.DurationSecs,
		nullString(e.CredentialHash), e.ConsumerAttested, e.ProviderAttested, e.ReportedUsage,
		nullTime(e.StartTime), nullTime(e.EndTime), nullTime(e.RefundAfter),
		nullTime(e.ReportingClose), nullTime(e.DisputeClose),
		nullTime(e.CompletionUnlock), e.SettledUsage,
		nullString(e.ProviderAmount), nullString(e.ConsumerRefund),
		nullString(e.PlatformFee), nullString(e.PenaltyAmount), e.FeeVersion,
		nullString(e.DisputeReason), nullString(e.Resolution),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, consumer, provider, amount, usage_limit, status, duration_secs,
		       credential_hash, consumer_attested, provider_attested, reported_usage,
		       start_time, end_time, refund_after, reporting_close, dispute_close,
		       completion_unlock, settled_usage, provider_amount, consumer_refund,
		       platform_fee, penalty_amount, fee_version, dispute_reason, resolution,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, credential_hash = $2, consumer_attested = $3,
			provider_attested = $4, reported_usage = $5,
			start_time = $6, end_time = $7, refund_after = $8,
			reporting_close = $9, dispute_close = $10, completion_unlock = $11,
			settled_usage = $12, provider_amount = $13, consumer_refund = $14,
			platform_fee = $15, penalty_amount = $16, fee_version = $17,
			dispute_reason = $18, resolution = $19, updated_at = $20
		WHERE id = $21`,
		string(e.Status), nullString(e.CredentialHash), e.ConsumerAttested,
		e.ProviderAttested, e.ReportedUsage,
		nullTime(e.StartTime), nullTime(e.EndTime), nullTime(e.RefundAfter),
		nullTime(e.ReportingClose), nullTime(e.DisputeClose), nullTime(e.CompletionUnlock),
		e.SettledUsage, nullString(e.ProviderAmount), nullString(e.ConsumerRefund),
		nullString(e.PlatformFee), nullString(e.PenaltyAmount), e.FeeVersion,
		nullString(e.DisputeReason), nullString(e.Resolution), e.UpdatedAt,
		e.ID,
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

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows`
	var conds []string
	var args []interface{}

	if f.Party != "" {
		args = append(args, strings.ToLower(f.Party))
		n := len(args)
		conds = append(conds, fmt.Sprintf("(consumer = $%d OR provider = $%d)", n, n))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.CreatedBefore.IsZero() {
		args = append(args, f.CreatedBefore)
		ts := len(args)
		args = append(args, f.BeforeID)
		conds = append(conds, fmt.Sprintf("(created_at < $%d OR (created_at = $%d AND id < $%d))", ts, ts, len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
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

	return scanEscrows(rows)
}

func (p *PostgresStore) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE (status = 'pending' AND created_at < $2)
		   OR (status = 'funded' AND refund_after < $1)
		   OR (status = 'active' AND NOT consumer_attested AND reporting_close < $1)
		   OR (status = 'active' AND consumer_attested AND provider_attested
		       AND completion_unlock IS NOT NULL AND completion_unlock <= $1)
		ORDER BY created_at ASC
		LIMIT $3`, now, now.Add(-PendingExpiry), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status           string
		credentialHash   sql.NullString
		startTime        sql.NullTime
		endTime          sql.NullTime
		refundAfter      sql.NullTime
		reportingClose   sql.NullTime
		disputeClose     sql.NullTime
		completionUnlock sql.NullTime
		providerAmount   sql.NullString
		consumerRefund   sql.NullString
		platformFee      sql.NullString
		penaltyAmount    sql.NullString
		disputeReason    sql.NullString
		resolution       sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.Consumer, &e.Provider, &e.Amount, &e.UsageLimit, &status, &e.DurationSecs,
		&credentialHash, &e.ConsumerAttested, &e.ProviderAttested, &e.ReportedUsage,
		&startTime, &endTime, &refundAfter, &reportingClose, &disputeClose,
		&completionUnlock, &e.SettledUsage, &providerAmount, &consumerRefund,
		&platformFee, &penaltyAmount, &e.FeeVersion, &disputeReason, &resolution,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.CredentialHash = credentialHash.String
	e.StartTime = startTime.Time
	e.EndTime = endTime.Time
	e.RefundAfter = refundAfter.Time
	e.ReportingClose = reportingClose.Time
	e.DisputeClose = disputeClose.Time
	e.CompletionUnlock = completionUnlock.Time
	e.ProviderAmount = providerAmount.String
	e.ConsumerRefund = consumerRefund.String
	e.PlatformFee = platformFee.String
	e.PenaltyAmount = penaltyAmount.String
	e.DisputeReason = disputeReason.String
	e.Resolution = resolution.String

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a zero time.Time to sql.NullTime.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
