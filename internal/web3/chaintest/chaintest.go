// Package chaintest provides in-memory stand-ins for the chain backend, the
// delegated signer and the quote service. Handlers and the orchestrator run
// against them unchanged in tests.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"DeFlow/internal/quote"
	"DeFlow/internal/web3"
	"DeFlow/internal/web3/contracts"
)

// Backend is a deterministic web3.Backend. Every accepted transaction is
// mined immediately into its own block.
type Backend struct {
	mu sync.Mutex

	GasEstimate uint64
	GasPrice    *big.Int
	EstimateErr error

	nonces     map[common.Address]uint64
	sendErrs   []error
	sent       []*types.Transaction
	sendCalls  int
	receipts   map[common.Hash]*types.Receipt
	reverts    map[common.Address]bool
	allowances map[common.Address]map[common.Address]map[common.Address]*big.Int
	balances   map[common.Address]map[common.Address]*big.Int
	decimals   map[common.Address]uint8
}

// NewBackend returns an empty backend with a 1 gwei gas price.
func NewBackend() *Backend {
	return &Backend{
		GasEstimate: 60000,
		GasPrice:    big.NewInt(1_000_000_000),
		nonces:      make(map[common.Address]uint64),
		receipts:    make(map[common.Hash]*types.Receipt),
		reverts:     make(map[common.Address]bool),
		allowances:  make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
		balances:    make(map[common.Address]map[common.Address]*big.Int),
		decimals:    make(map[common.Address]uint8),
	}
}

// FailNextSends queues errors returned by the next SendTransaction calls, in order.
func (b *Backend) FailNextSends(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErrs = append(b.sendErrs, errs...)
}

// RevertCallsTo makes transactions sent to addr mine with status 0.
func (b *Backend) RevertCallsTo(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reverts[addr] = true
}

// SetNonce sets the pending nonce of account.
func (b *Backend) SetNonce(account common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[account] = nonce
}

// SetAllowance seeds token.allowance(owner, spender).
func (b *Backend) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setAllowanceLocked(token, owner, spender, amount)
}

// SetBalance seeds token.balanceOf(owner).
func (b *Backend) SetBalance(token, owner common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setBalanceLocked(token, owner, amount)
}

// SetDecimals seeds token.decimals().
func (b *Backend) SetDecimals(token common.Address, decimals uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decimals[token] = decimals
}

// Sent returns the accepted transactions in broadcast order.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// SendCalls counts SendTransaction invocations, rejected ones included.
func (b *Backend) SendCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendCalls
}

// PendingNonceAt implements web3.Backend.
func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

// EstimateGas implements web3.Backend.
func (b *Backend) EstimateGas(_ context.Context, _ gethcore.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	return b.GasEstimate, nil
}

// SuggestGasPrice implements web3.Backend.
func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.GasPrice), nil
}

// SendTransaction implements web3.Backend.
func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendCalls++
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		return err
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() < b.nonces[from] {
		return errors.New("nonce too low")
	}
	b.nonces[from] = tx.Nonce() + 1
	b.sent = append(b.sent, tx)

	status := types.ReceiptStatusSuccessful
	if to := tx.To(); to != nil && b.reverts[*to] {
		status = types.ReceiptStatusFailed
	} else if to != nil {
		b.applyLocked(from, *to, tx)
	}
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     tx.Gas() / 2,
		BlockNumber: big.NewInt(int64(len(b.sent))),
	}
	return nil
}

// applyLocked mirrors the state changes of the calls the handlers issue.
func (b *Backend) applyLocked(from, to common.Address, tx *types.Transaction) {
	data := tx.Data()
	if len(data) < 4 {
		return
	}
	if method, err := contracts.WETH.MethodById(data[:4]); err == nil && method.Name == "deposit" {
		b.setBalanceLocked(to, from, new(big.Int).Add(b.balanceLocked(to, from), tx.Value()))
		return
	}
	method, err := contracts.ERC20.MethodById(data[:4])
	if err != nil {
		return
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return
	}
	switch method.Name {
	case "approve":
		b.setAllowanceLocked(to, from, args[0].(common.Address), args[1].(*big.Int))
	case "transfer":
		recipient, amount := args[0].(common.Address), args[1].(*big.Int)
		b.setBalanceLocked(to, from, new(big.Int).Sub(b.balanceLocked(to, from), amount))
		b.setBalanceLocked(to, recipient, new(big.Int).Add(b.balanceLocked(to, recipient), amount))
	}
}

// TransactionReceipt implements web3.Backend.
func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

// CallContract answers allowance, balanceOf and decimals reads.
func (b *Backend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if call.To == nil || len(call.Data) < 4 {
		return nil, errors.New("unsupported call")
	}
	token := *call.To
	method, err := contracts.ERC20.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "allowance":
		return contracts.EncodeUint256(b.allowanceLocked(token, args[0].(common.Address), args[1].(common.Address))), nil
	case "balanceOf":
		return contracts.EncodeUint256(b.balanceLocked(token, args[0].(common.Address))), nil
	case "decimals":
		dec, ok := b.decimals[token]
		if !ok {
			dec = 18
		}
		return contracts.EncodeUint256(big.NewInt(int64(dec))), nil
	default:
		return nil, fmt.Errorf("unsupported call %s", method.Name)
	}
}

func (b *Backend) allowanceLocked(token, owner, spender common.Address) *big.Int {
	if v := b.allowances[token][owner][spender]; v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (b *Backend) setAllowanceLocked(token, owner, spender common.Address, amount *big.Int) {
	if b.allowances[token] == nil {
		b.allowances[token] = make(map[common.Address]map[common.Address]*big.Int)
	}
	if b.allowances[token][owner] == nil {
		b.allowances[token][owner] = make(map[common.Address]*big.Int)
	}
	b.allowances[token][owner][spender] = new(big.Int).Set(amount)
}

func (b *Backend) balanceLocked(token, owner common.Address) *big.Int {
	if v := b.balances[token][owner]; v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (b *Backend) setBalanceLocked(token, owner common.Address, amount *big.Int) {
	if b.balances[token] == nil {
		b.balances[token] = make(map[common.Address]*big.Int)
	}
	b.balances[token][owner] = new(big.Int).Set(amount)
}

type provider struct {
	backend *Backend
}

func (p provider) Backend(context.Context, web3.ChainConfig) (web3.Backend, error) {
	return p.backend, nil
}

// Provider hands b out for every chain.
func (b *Backend) Provider() web3.BackendProvider {
	return provider{backend: b}
}

// Signer signs with a locally held key on behalf of exactly one delegator.
type Signer struct {
	mu    sync.Mutex
	key   *ecdsa.PrivateKey
	calls int
	// Err, when set, is returned instead of signing.
	Err error
}

// NewSigner generates a fresh key.
func NewSigner() *Signer {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return &Signer{key: key}
}

// Address is the delegator identity the signer accepts.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Calls counts Sign invocations.
func (s *Signer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Sign decodes the unsigned EIP-155 payload and signs it.
func (s *Signer) Sign(_ context.Context, unsigned []byte, delegator common.Address) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	err := s.Err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if delegator != s.Address() {
		return nil, fmt.Errorf("delegator %s is not served by this signer", delegator.Hex())
	}
	tx, chainID, err := web3.DecodeUnsignedTx(unsigned)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
	if err != nil {
		return nil, err
	}
	return signed.MarshalBinary()
}

// Quoter returns a fixed quote routed to Router.
type Quoter struct {
	mu sync.Mutex

	Router    common.Address
	AmountOut *big.Int
	Decimals  uint8
	Symbol    string
	Err       error

	requests []quote.Request
}

// Quote implements the action quoter contract.
func (q *Quoter) Quote(_ context.Context, req quote.Request) (*quote.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	if q.Err != nil {
		return nil, q.Err
	}
	return &quote.Quote{
		To:               q.Router,
		Data:             []byte{0x04, 0xe4, 0x5a, 0xaf},
		Value:            new(big.Int),
		AmountOut:        new(big.Int).Set(q.AmountOut),
		TokenOutDecimals: q.Decimals,
		TokenOutSymbol:   q.Symbol,
	}, nil
}

// Requests returns the quote requests received so far.
func (q *Quoter) Requests() []quote.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]quote.Request(nil), q.requests...)
}

// Sepolia token and router addresses used by the fixture chain.
var (
	WETH   = common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14")
	USDC   = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	Router = common.HexToAddress("0x3bFA4769FB09eefC5a80d6E87c3B9C650f7Ae48E")
)

// Sepolia returns a chain config listing WETH and USDC.
func Sepolia() web3.ChainConfig {
	return web3.ChainConfig{
		Name:          "sepolia",
		ChainID:       big.NewInt(11155111),
		RPCURL:        "http://sepolia.invalid",
		NativeSymbol:  "ETH",
		WrappedNative: WETH,
		SwapRouter:    Router,
		Tokens: map[string]web3.Token{
			"WETH": {Symbol: "WETH", Address: WETH, Decimals: 18},
			"USDC": {Symbol: "USDC", Address: USDC, Decimals: 6},
		},
	}
}

// Resolver resolves chains from a fixed map keyed by name.
type Resolver map[string]web3.ChainConfig

// Resolve implements web3.Resolver.
func (r Resolver) Resolve(name string) (web3.ChainConfig, error) {
	chain, ok := r[name]
	if !ok {
		return web3.ChainConfig{}, web3.UnsupportedChain(name)
	}
	return chain, nil
}
