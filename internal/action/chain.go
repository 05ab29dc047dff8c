package action

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/quote"
	"DeFlow/internal/web3"
	"DeFlow/internal/web3/contracts"
	"DeFlow/internal/web3/txn"
	"DeFlow/internal/workflow"
	"DeFlow/pkg/logger"
)

// Submitter sends transactions and exposes the chain backend for reads.
// *txn.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, chain web3.ChainConfig, intent txn.Intent, identity common.Address) (*txn.Receipt, error)
	Backend(ctx context.Context, chain web3.ChainConfig) (web3.Backend, error)
}

// Quoter fetches a routed swap quote. *quote.Client implements it.
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (*quote.Quote, error)
}

// Dependencies are the collaborators of the on-chain handlers.
type Dependencies struct {
	Chains web3.Resolver
	Tx     Submitter
	Quotes Quoter
	Logger *slog.Logger
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logger.Named("action")
}

// Builtin returns a registry holding every built-in handler. "aave" and
// "lend" share the lend handler.
func Builtin(deps Dependencies) *Registry {
	r := NewRegistry()
	r.Register(workflow.TypeTrigger, Trigger{})
	r.Register(workflow.TypeSwap, &Swap{deps: deps})
	r.Register(workflow.TypeAave, Lend{})
	r.Register(workflow.TypeLend, Lend{})
	r.Register(workflow.TypeTransfer, &Transfer{deps: deps})
	r.Register(workflow.TypeCondition, Condition{})
	r.Register(workflow.TypeAI, AI{})
	return r
}

// resolvedToken is a token reference resolved against a chain.
type resolvedToken struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
	Native   bool
}

// resolveToken maps a symbol or address to a token. Addresses missing from
// the chain table get their decimals read from the contract.
func resolveToken(ctx context.Context, backend web3.Backend, chain web3.ChainConfig, ref string) (resolvedToken, error) {
	ref = strings.TrimSpace(ref)
	if chain.IsNative(ref) {
		symbol := chain.NativeSymbol
		if symbol == "" {
			symbol = "ETH"
		}
		return resolvedToken{Symbol: symbol, Address: common.HexToAddress(web3.NativeTokenSentinel), Decimals: 18, Native: true}, nil
	}
	tok, ok := chain.LookupToken(ref)
	if ok {
		return resolvedToken{Symbol: tok.Symbol, Address: tok.Address, Decimals: tok.Decimals}, nil
	}
	if !common.IsHexAddress(ref) {
		return resolvedToken{}, xerrors.New(CodeUnresolvedAddress,
			"token "+ref+" is not an address and not listed for chain "+chain.Name,
			xerrors.WithMetadata("token", ref))
	}
	decimals, err := contracts.Decimals(ctx, backend, tok.Address)
	if err != nil {
		return resolvedToken{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "read token decimals")
	}
	return resolvedToken{Symbol: ref, Address: tok.Address, Decimals: decimals}, nil
}

// sameToken reports whether an inherited amount refers to tok.
func sameToken(amt *TokenAmount, tok resolvedToken) bool {
	if amt == nil {
		return false
	}
	if common.IsHexAddress(amt.TokenReceived) && common.HexToAddress(amt.TokenReceived) == tok.Address {
		return true
	}
	return amt.TokenSymbol != "" && strings.EqualFold(amt.TokenSymbol, tok.Symbol)
}

// amountFor resolves the base-unit amount for tok from config or, when the
// config has none, from an inherited output. An inherited amount for the
// same token is taken in exact base units.
func amountFor(nodeType string, config map[string]any, inherited *TokenAmount, tok resolvedToken) (string, *big.Int, error) {
	if amount, ok := configString(config, "amount"); ok {
		wei, err := ParseUnits(amount, tok.Decimals)
		return amount, wei, err
	}
	if inherited == nil {
		return "", nil, InvalidConfig(nodeType, "amount")
	}
	if sameToken(inherited, tok) && inherited.AmountReceivedWei != "" {
		if wei, ok := new(big.Int).SetString(inherited.AmountReceivedWei, 10); ok {
			return inherited.AmountReceived, wei, nil
		}
	}
	wei, err := ParseUnits(inherited.AmountReceived, tok.Decimals)
	return inherited.AmountReceived, wei, err
}

func receiptFields(fields map[string]any, prefix string, r *txn.Receipt) {
	if r == nil {
		return
	}
	fields[prefix+"Hash"] = r.TxHash.Hex()
	fields[prefix+"BlockNumber"] = r.BlockNumber
	fields[prefix+"GasUsed"] = r.GasUsed
}
