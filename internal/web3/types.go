package web3

import (
	"context"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "DeFlow/internal/errors"
)

// NativeTokenSentinel is the pseudo address used by aggregators for the
// chain's native asset.
const NativeTokenSentinel = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// CodeUnsupportedChain is returned when a chain name is missing from the table.
const CodeUnsupportedChain xerrors.Code = "UNSUPPORTED_CHAIN"

func init() {
	xerrors.Register(CodeUnsupportedChain, xerrors.Attributes{
		Message:  "unsupported chain",
		Severity: xerrors.SeverityInfo,
	})
}

// ErrUnsupportedChain matches any unsupported chain error via errors.Is.
var ErrUnsupportedChain = xerrors.New(CodeUnsupportedChain, "")

// Token is an ERC-20 entry of the chain table.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

// ChainConfig is the resolved view of a single chain.
type ChainConfig struct {
	Name          string
	ChainID       *big.Int
	RPCURL        string
	NativeSymbol  string
	WrappedNative common.Address
	SwapRouter    common.Address
	Tokens        map[string]Token
}

// IsNativeToken reports whether ref is the native sentinel address or the
// literal "eth", compared case-insensitively.
func IsNativeToken(ref string) bool {
	ref = strings.TrimSpace(ref)
	return strings.EqualFold(ref, NativeTokenSentinel) || strings.EqualFold(ref, "eth")
}

// IsNative extends IsNativeToken with the chain's own native symbol.
func (c ChainConfig) IsNative(ref string) bool {
	if IsNativeToken(ref) {
		return true
	}
	return c.NativeSymbol != "" && strings.EqualFold(strings.TrimSpace(ref), c.NativeSymbol)
}

// IsWrappedNative reports whether ref names the wrapped native token, either
// by "W"+symbol or by contract address.
func (c ChainConfig) IsWrappedNative(ref string) bool {
	ref = strings.TrimSpace(ref)
	if c.NativeSymbol != "" && strings.EqualFold(ref, "W"+c.NativeSymbol) {
		return true
	}
	if c.WrappedNative == (common.Address{}) || !common.IsHexAddress(ref) {
		return false
	}
	return common.HexToAddress(ref) == c.WrappedNative
}

// LookupToken resolves a symbol or contract address against the chain table.
// Unknown contract addresses resolve with zero decimals and ok=false.
func (c ChainConfig) LookupToken(ref string) (Token, bool) {
	ref = strings.TrimSpace(ref)
	if common.IsHexAddress(ref) {
		addr := common.HexToAddress(ref)
		for _, tok := range c.Tokens {
			if tok.Address == addr {
				return tok, true
			}
		}
		return Token{Address: addr}, false
	}
	tok, ok := c.Tokens[strings.ToUpper(ref)]
	return tok, ok
}

// Resolver maps chain names to their configuration.
type Resolver interface {
	Resolve(name string) (ChainConfig, error)
}

// Backend is the subset of an EVM JSON-RPC client the orchestrator and the
// contract readers depend on. *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// BackendProvider hands out a Backend for a resolved chain.
type BackendProvider interface {
	Backend(ctx context.Context, chain ChainConfig) (Backend, error)
}

// UnsupportedChain builds the error returned for an unknown chain name.
func UnsupportedChain(name string) error {
	return xerrors.New(CodeUnsupportedChain, "unsupported chain: "+name, xerrors.WithMetadata("chain", name))
}
