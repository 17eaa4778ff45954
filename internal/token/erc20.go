package token

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/DaveO280/Diem-Marketplace/internal/retry"
	"github.com/DaveO280/Diem-Marketplace/internal/usdc"
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Minimal ERC-20 ABI: the custody flows need transfer, transferFrom and the
// two read calls; the Transfer event is parsed when verifying deposits.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit for ERC-20 transfers when estimation fails
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second

	// rpcReadAttempts for idempotent read calls. Sends are never retried.
	rpcReadAttempts = 3
)

// Config for creating an ERC-20 token adapter. The private key belongs to
// the platform custody account; its address is derived, never configured.
type Config struct {
	RPCURL     string
	PrivateKey string // Hex string, 0x prefix optional
	ChainID    int64
	Contract   string // USDC contract address
}

// Option configures the adapter
type Option func(*ERC20)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(t *ERC20) {
		t.client = client
	}
}

// WithConfirmationTimeout overrides how long Pull and Push wait for a
// transaction to be mined.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(t *ERC20) {
		t.confirmWait = d
	}
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(t *ERC20) {
		t.pollInterval = d
	}
}

// ERC20 moves USDC through the custody account on a real chain. Pull spends
// the allowance a party granted to custody; Push transfers custody funds out.
// Both wait for the transaction to be mined before returning.
type ERC20 struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	custody      common.Address
	chainID      *big.Int
	contract     common.Address
	abi          abi.ABI
	confirmWait  time.Duration
	pollInterval time.Duration
}

var _ Token = (*ERC20)(nil)

// NewERC20 creates a token adapter over an ERC-20 contract.
func NewERC20(cfg Config, opts ...Option) (*ERC20, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	t := &ERC20{
		privateKey:   privateKey,
		custody:      crypto.PubkeyToAddress(*publicKey),
		chainID:      big.NewInt(cfg.ChainID),
		contract:     common.HexToAddress(cfg.Contract),
		abi:          parsedABI,
		confirmWait:  DefaultConfirmationTimeout,
		pollInterval: ConfirmationPollInterval,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		t.client = client
	}

	return t, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.Contract == "" {
		return fmt.Errorf("token contract address required")
	}
	return nil
}

// CustodyAddress returns the derived custody account address.
func (t *ERC20) CustodyAddress() string {
	return t.custody.Hex()
}

// Pull transfers amount from a party's wallet into custody via transferFrom.
// Allowance and balance are checked first so a doomed transaction never
// spends gas.
func (t *ERC20) Pull(ctx context.Context, from, amount, reference string) error {
	if !common.IsHexAddress(from) {
		return ErrInvalidAddress
	}
	amt, ok := usdc.Parse(amount)
	if !ok || !usdc.IsPositive(amt) {
		return ErrInvalidAmount
	}
	owner := common.HexToAddress(from)

	allowance, err := t.rawAllowance(ctx, owner)
	if err != nil {
		return err
	}
	if allowance.Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	balance, err := t.rawBalanceOf(ctx, owner)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	data, err := t.abi.Pack("transferFrom", owner, t.custody, amt)
	if err != nil {
		return &TransferError{Op: "pull", Err: err}
	}
	return t.sendAndConfirm(ctx, "pull", data)
}

// Push transfers amount from custody to a party's wallet.
func (t *ERC20) Push(ctx context.Context, to, amount, reference string) error {
	if !common.IsHexAddress(to) {
		return ErrInvalidAddress
	}
	amt, ok := usdc.Parse(amount)
	if !ok || !usdc.IsPositive(amt) {
		return ErrInvalidAmount
	}

	balance, err := t.rawBalanceOf(ctx, t.custody)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	data, err := t.abi.Pack("transfer", common.HexToAddress(to), amt)
	if err != nil {
		return &TransferError{Op: "push", Err: err}
	}
	return t.sendAndConfirm(ctx, "push", data)
}

// sendAndConfirm signs and sends a contract call from the custody key, then
// waits for it to be mined.
func (t *ERC20) sendAndConfirm(ctx context.Context, op string, data []byte) error {
	nonce, err := t.client.PendingNonceAt(ctx, t.custody)
	if err != nil {
		return &TransferError{Op: op, Err: fmt.Errorf("nonce: %w", err)}
	}

	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return &TransferError{Op: op, Err: fmt.Errorf("gas price: %w", err)}
	}

	gasLimit, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  t.custody,
		To:    &t.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, t.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(t.chainID), t.privateKey)
	if err != nil {
		return &TransferError{Op: op, Err: fmt.Errorf("sign: %w", err)}
	}

	if err := t.client.SendTransaction(ctx, signedTx); err != nil {
		return &TransferError{Op: op, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return t.waitMined(ctx, op, signedTx.Hash())
}

// waitMined polls for the transaction receipt until mined or timeout.
func (t *ERC20) waitMined(ctx context.Context, op string, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, t.confirmWait)
	defer cancel()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := t.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}
			if receipt.Status == 0 {
				return &TransferError{Op: op, TxHash: hash.Hex(), Err: ErrTransactionFailed}
			}
			return nil
		}
	}
}

// BalanceOf returns an address's token balance as a decimal string.
func (t *ERC20) BalanceOf(ctx context.Context, addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	raw, err := t.rawBalanceOf(ctx, common.HexToAddress(addr))
	if err != nil {
		return "", err
	}
	return usdc.Format(raw), nil
}

// Allowance returns how much of the owner's funds custody may still pull.
func (t *ERC20) Allowance(ctx context.Context, owner string) (string, error) {
	if !common.IsHexAddress(owner) {
		return "", ErrInvalidAddress
	}
	raw, err := t.rawAllowance(ctx, common.HexToAddress(owner))
	if err != nil {
		return "", err
	}
	return usdc.Format(raw), nil
}

func (t *ERC20) rawBalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := t.abi.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := t.read(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

func (t *ERC20) rawAllowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := t.abi.Pack("allowance", owner, t.custody)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance call: %w", err)
	}
	result, err := t.read(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call allowance: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// read executes an idempotent eth_call with retries for transient RPC
// failures.
func (t *ERC20) read(ctx context.Context, data []byte) ([]byte, error) {
	var result []byte
	err := retry.Do(ctx, rpcReadAttempts, 200*time.Millisecond, func() error {
		var callErr error
		result, callErr = t.client.CallContract(ctx, ethereum.CallMsg{
			To:   &t.contract,
			Data: data,
		}, nil)
		return callErr
	})
	return result, err
}

// Ping checks RPC reachability. The health registry calls this.
func (t *ERC20) Ping(ctx context.Context) error {
	err := retry.Do(ctx, rpcReadAttempts, 200*time.Millisecond, func() error {
		_, netErr := t.client.NetworkID(ctx)
		return netErr
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return nil
}

// Close closes the client connection.
func (t *ERC20) Close() error {
	if t.client != nil {
		t.client.Close()
	}
	return nil
}
