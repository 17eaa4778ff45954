package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

func generateEntryID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("led_%d", time.Now().UnixNano())
	}
	return "led_" + hex.EncodeToString(b)
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS account_balances (
			account         VARCHAR(42) PRIMARY KEY,
			available       NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_earned    NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_withdrawn NUMERIC(20,6) NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_earned_nonneg    CHECK (total_earned >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id         VARCHAR(36) PRIMARY KEY,
			account    VARCHAR(42) NOT NULL,
			type       VARCHAR(24) NOT NULL,
			amount     NUMERIC(20,6) NOT NULL,
			reference  VARCHAR(255),
			created_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account);
		CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_credit_once
			ON ledger_entries(account, type, reference)
			WHERE type IN ('settlement_credit', 'fee_accrual');
	`)
	return err
}

// GetBalance retrieves an account's balance. Missing accounts report zero.
func (p *PostgresStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	bal := &Balance{Account: account}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_earned, total_withdrawn, updated_at
		FROM account_balances WHERE account = $1
	`, account).Scan(&bal.Available, &bal.TotalEarned, &bal.TotalWithdrawn, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			Account:        account,
			Available:      "0.000000",
			TotalEarned:    "0.000000",
			TotalWithdrawn: "0.000000",
			UpdatedAt:      time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to an account, creating the row on first use. Credits
// are idempotent on (account, type, reference): the entry insert is the
// arbiter, so a retry whose first attempt already committed inserts nothing
// and leaves the balance untouched.
func (p *PostgresStore) Credit(ctx context.Context, account, amount, reference, entryType string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, NOW())
		ON CONFLICT (account, type, reference)
			WHERE type IN ('settlement_credit', 'fee_accrual')
			DO NOTHING
	`, generateEntryID(), account, entryType, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Already applied by an earlier attempt.
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_balances (account, available, total_earned, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
		ON CONFLICT (account) DO UPDATE SET
			available    = account_balances.available    + $2::NUMERIC(20,6),
			total_earned = account_balances.total_earned + $2::NUMERIC(20,6),
			updated_at   = NOW()
	`, account, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return tx.Commit()
}

// Debit removes funds from an account. The conditional UPDATE makes the
// sufficiency check atomic; a missing row and an overdraft both affect
// zero rows.
func (p *PostgresStore) Debit(ctx context.Context, account, amount, reference, entryType string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE account_balances SET
			available       = available       - $2::NUMERIC(20,6),
			total_withdrawn = total_withdrawn + $2::NUMERIC(20,6),
			updated_at      = NOW()
		WHERE account = $1 AND available >= $2::NUMERIC(20,6)
	`, account, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, account, entryType, amount, reference); err != nil {
		return err
	}
	return tx.Commit()
}

// Restore reverses a debit whose token push failed.
func (p *PostgresStore) Restore(ctx context.Context, account, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE account_balances SET
			available       = available       + $2::NUMERIC(20,6),
			total_withdrawn = total_withdrawn - $2::NUMERIC(20,6),
			updated_at      = NOW()
		WHERE account = $1
	`, account, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, account, EntryWithdrawalReversal, amount, reference); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns an account's entries, newest first.
func (p *PostgresStore) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, type, amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Account, &e.Type, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, account, entryType, amount, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, NOW())
	`, generateEntryID(), account, entryType, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
