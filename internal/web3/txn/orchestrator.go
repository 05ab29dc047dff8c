// Package txn turns a transaction intent into a confirmed on-chain
// transaction: pending nonce, gas estimate, buffered legacy gas price,
// delegated signature, broadcast and receipt polling, with retries on nonce
// conflicts.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/observability/metrics"
	"DeFlow/internal/signer"
	"DeFlow/internal/web3"
	"DeFlow/pkg/logger"
)

const (
	CodeNonceConflict          xerrors.Code = "NONCE_CONFLICT"
	CodeInsufficientGasBalance xerrors.Code = "INSUFFICIENT_GAS_BALANCE"
	CodeTxReverted             xerrors.Code = "TX_REVERTED"
)

func init() {
	xerrors.Register(CodeNonceConflict, xerrors.Attributes{
		Message:   "nonce conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInsufficientGasBalance, xerrors.Attributes{
		Message:  "insufficient balance for gas",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTxReverted, xerrors.Attributes{
		Message:  "transaction reverted",
		Severity: xerrors.SeverityWarning,
	})
}

var (
	ErrNonceConflict          = xerrors.New(CodeNonceConflict, "")
	ErrInsufficientGasBalance = xerrors.New(CodeInsufficientGasBalance, "")
	ErrTxReverted             = xerrors.New(CodeTxReverted, "")
)

const (
	defaultMaxRetries     = 2
	defaultRetryDelay     = time.Second
	defaultGasBuffer      = 10
	defaultPollInterval   = 2 * time.Second
	defaultReceiptTimeout = 3 * time.Minute
)

// Signer produces a signed transaction for an unsigned EIP-155 payload on
// behalf of delegator.
type Signer interface {
	Sign(ctx context.Context, unsigned []byte, delegator common.Address) ([]byte, error)
}

// Intent is an abstract call the orchestrator turns into a transaction.
type Intent struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	// Label names the intent in logs, e.g. "wrap" or "approve".
	Label string
}

// Receipt is the confirmed result of a submission.
type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     uint64      `json:"gasUsed"`
}

// Orchestrator submits transactions through a delegated signer.
type Orchestrator struct {
	backends       web3.BackendProvider
	signer         Signer
	maxRetries     int
	retryDelay     time.Duration
	gasBuffer      int64
	pollInterval   time.Duration
	receiptTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries sets how many extra attempts a nonce conflict gets.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithGasPriceBuffer sets the percentage added on top of the suggested gas price.
func WithGasPriceBuffer(percent int) Option {
	return func(o *Orchestrator) {
		if percent >= 0 {
			o.gasBuffer = int64(percent)
		}
	}
}

// WithReceiptPolling configures receipt polling.
func WithReceiptPolling(interval, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.pollInterval = interval
		}
		if timeout > 0 {
			o.receiptTimeout = timeout
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New constructs an orchestrator.
func New(backends web3.BackendProvider, s Signer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backends:       backends,
		signer:         s,
		maxRetries:     defaultMaxRetries,
		retryDelay:     defaultRetryDelay,
		gasBuffer:      defaultGasBuffer,
		pollInterval:   defaultPollInterval,
		receiptTimeout: defaultReceiptTimeout,
		sleep:          sleepContext,
		logger:         logger.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Backend exposes the backend used for chain, for read-only calls.
func (o *Orchestrator) Backend(ctx context.Context, chain web3.ChainConfig) (web3.Backend, error) {
	return o.backends.Backend(ctx, chain)
}

// Submit builds, signs, broadcasts and confirms one transaction. Nonce
// conflicts restart from nonce resolution up to maxRetries times; any other
// error is returned immediately.
func (o *Orchestrator) Submit(ctx context.Context, chain web3.ChainConfig, intent Intent, identity common.Address) (*Receipt, error) {
	backend, err := o.backends.Backend(ctx, chain)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.IncNonceRetry(chain.Name)
			o.logger.Warn("检测到 nonce 冲突，重新获取 nonce 后重试",
				slog.String("chain", chain.Name),
				slog.String("intent", intent.Label),
				slog.Int("attempt", attempt),
				slog.Int("max_retries", o.maxRetries),
				slog.String("error", lastErr.Error()))
			if err := o.sleep(ctx, o.retryDelay); err != nil {
				return nil, err
			}
		}

		receipt, err := o.submitOnce(ctx, backend, chain, intent, identity)
		if err == nil {
			metrics.ObserveTxSubmission(chain.Name, "confirmed")
			logger.Audit().Info("交易已确认",
				slog.String("chain", chain.Name),
				slog.String("intent", intent.Label),
				slog.String("identity", identity.Hex()),
				slog.String("tx_hash", receipt.TxHash.Hex()),
				slog.Uint64("block_number", receipt.BlockNumber),
				slog.Uint64("gas_used", receipt.GasUsed))
			return receipt, nil
		}
		if !IsNonceConflict(err) {
			metrics.ObserveTxSubmission(chain.Name, "failed")
			return nil, classify(err)
		}
		lastErr = err
	}

	metrics.ObserveTxSubmission(chain.Name, "nonce_conflict")
	return nil, xerrors.Wrap(CodeNonceConflict, lastErr,
		fmt.Sprintf("nonce conflict persisted after %d retries", o.maxRetries),
		xerrors.WithMetadata("chain", chain.Name))
}

func (o *Orchestrator) submitOnce(ctx context.Context, backend web3.Backend, chain web3.ChainConfig, intent Intent, identity common.Address) (*Receipt, error) {
	nonce, err := backend.PendingNonceAt(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce: %w", err)
	}

	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}
	to := intent.To
	gas, err := backend.EstimateGas(ctx, gethcore.CallMsg{From: identity, To: &to, Value: value, Data: intent.Data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	suggested, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch gas price: %w", err)
	}
	gasPrice := BufferGasPrice(suggested, o.gasBuffer)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     intent.Data,
	})
	unsigned, err := web3.EncodeUnsignedTx(tx, chain.ChainID)
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	raw, err := o.signer.Sign(ctx, unsigned, identity)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chain.ChainID), signed)
	if err != nil {
		return nil, xerrors.Wrap(signer.CodeSigningDenied, err, "signed transaction has no valid signature")
	}
	if sender != identity || signed.Nonce() != nonce {
		return nil, xerrors.New(signer.CodeSigningDenied,
			fmt.Sprintf("signed transaction from %s nonce %d does not match %s nonce %d", sender.Hex(), signed.Nonce(), identity.Hex(), nonce))
	}

	o.logger.Info("广播交易",
		slog.String("chain", chain.Name),
		slog.String("intent", intent.Label),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
		slog.String("gas_price", gasPrice.String()))
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast transaction: %w", err)
	}

	receipt, err := o.waitMined(ctx, backend, signed.Hash())
	if err != nil {
		return nil, fmt.Errorf("await confirmation: %w", err)
	}
	result := &Receipt{TxHash: signed.Hash(), GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, xerrors.New(CodeTxReverted,
			fmt.Sprintf("transaction %s reverted in block %d", signed.Hash().Hex(), result.BlockNumber),
			xerrors.WithMetadata("tx_hash", signed.Hash().Hex()))
	}
	return result, nil
}

func (o *Orchestrator) waitMined(ctx context.Context, backend web3.Backend, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "receipt not available for "+hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// BufferGasPrice returns price * (100 + percent) / 100.
func BufferGasPrice(price *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(price, big.NewInt(100+percent))
	return out.Div(out, big.NewInt(100))
}

// IsNonceConflict reports whether err carries a nonce-conflict signal.
// "replacement transaction underpriced" is deliberately excluded.
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.HasCode(err, CodeNonceConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce has already been used") ||
		strings.Contains(msg, "nonce_expired") ||
		strings.Contains(msg, "nonce expired")
}

func classify(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return xerrors.Wrap(CodeInsufficientGasBalance, err, "")
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
