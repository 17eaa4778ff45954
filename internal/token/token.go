// Package token moves USDC between party wallets and the platform custody
// account.
//
// The marketplace never spends a party's funds directly. Consumers grant the
// custody account an allowance from their own wallets; funding an escrow then
// pulls with transferFrom, and every payout pushes from custody with a plain
// transfer. Two implementations exist: Memory for dev mode and tests, and
// ERC20 for a real USDC contract over go-ethereum.
package token

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidPrivateKey     = errors.New("token: invalid private key")
	ErrInvalidAddress        = errors.New("token: invalid address")
	ErrInvalidAmount         = errors.New("token: invalid amount")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrTransactionFailed     = errors.New("token: transaction failed")
	ErrTimeout               = errors.New("token: operation timed out")
	ErrRPCConnection         = errors.New("token: RPC connection failed")
)

// TransferError wraps transfer failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("token: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("token: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Mover transfers value in and out of platform custody.
type Mover interface {
	// Pull transfers amount from the owner's wallet into custody. The owner
	// must have approved the custody account for at least amount.
	Pull(ctx context.Context, from, amount, reference string) error
	// Push transfers amount from custody to the recipient's wallet.
	Push(ctx context.Context, to, amount, reference string) error
}

// BalanceReader reads token balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, addr string) (string, error)
}

// Token combines the full payment token surface.
type Token interface {
	Mover
	BalanceReader
	CustodyAddress() string
	// Ping reports whether the token backend is reachable. The health
	// registry calls it on every check, so it must be cheap and
	// side-effect free.
	Ping(ctx context.Context) error
	Close() error
}
