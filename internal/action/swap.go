package action

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/quote"
	"DeFlow/internal/web3"
	"DeFlow/internal/web3/contracts"
	"DeFlow/internal/web3/txn"
)

// DefaultSlippageBps applies when a swap node sets no slippageBps.
const DefaultSlippageBps = 50

// Swap runs wrap, quote, approve and swap in that order. A failure in any
// step fails the node with the step named in the error.
type Swap struct {
	deps Dependencies
}

func (s *Swap) Validate(config map[string]any) error {
	return requireKeys("swap", config, "fromToken", "toToken", "chain")
}

func (s *Swap) Execute(ctx context.Context, req Request) (*Output, error) {
	if _, ok := configString(req.Config, "amount"); !ok && latestAmount(req.Previous) == nil {
		if err := requireKeys("swap", req.Config, "fromToken", "toToken", "amount", "chain"); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(req.Config); err != nil {
		return nil, err
	}
	fromRef, _ := configString(req.Config, "fromToken")
	toRef, _ := configString(req.Config, "toToken")
	chainName, _ := configString(req.Config, "chain")

	slippage := DefaultSlippageBps
	if raw, ok := configString(req.Config, "slippageBps"); ok {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 10_000 {
			return nil, InvalidConfig("swap", "slippageBps (must be 0..10000)")
		}
		slippage = v
	}

	if s.deps.Quotes == nil {
		return nil, xerrors.New(quote.CodeQuoteFailed, "no quote provider configured")
	}
	chain, err := s.deps.Chains.Resolve(chainName)
	if err != nil {
		return nil, err
	}
	backend, err := s.deps.Tx.Backend(ctx, chain)
	if err != nil {
		return nil, err
	}

	wrapIn := chain.IsNative(fromRef) || chain.IsWrappedNative(fromRef)
	var from resolvedToken
	if wrapIn {
		if chain.WrappedNative == (common.Address{}) {
			return nil, xerrors.Newf(CodeInvalidConfig, "chain %s has no wrapped native token", chain.Name)
		}
		from = resolvedToken{Symbol: "W" + chain.NativeSymbol, Address: chain.WrappedNative, Decimals: 18}
	} else {
		from, err = resolveToken(ctx, backend, chain, fromRef)
		if err != nil {
			return nil, err
		}
	}
	to, err := resolveToken(ctx, backend, chain, toRef)
	if err != nil {
		return nil, err
	}
	amount, amountIn, err := amountFor("swap", req.Config, latestAmount(req.Previous), from)
	if err != nil {
		return nil, err
	}
	if amountIn.Sign() == 0 {
		return nil, InvalidConfig("swap", "amount (must be positive)")
	}

	log := s.deps.logger().With("node_id", req.NodeID, "chain", chain.Name)
	fields := map[string]any{
		"fromToken":   fromRef,
		"toToken":     toRef,
		"amount":      amount,
		"chain":       chain.Name,
		"slippageBps": slippage,
	}

	if wrapIn {
		receipt, err := s.wrap(ctx, backend, chain, req.Identity, amountIn)
		if err != nil {
			return nil, fmt.Errorf("wrap step: %w", err)
		}
		receiptFields(fields, "wrapTx", receipt)
	}

	q, err := s.deps.Quotes.Quote(ctx, quote.Request{
		ChainID:     chain.ChainID,
		TokenIn:     from.Address,
		TokenOut:    to.Address,
		AmountIn:    amountIn,
		Recipient:   req.Identity,
		SlippageBps: slippage,
		RPCURL:      chain.RPCURL,
	})
	if err != nil {
		return nil, fmt.Errorf("quote step: %w", err)
	}
	if q.AmountOut == nil {
		return nil, fmt.Errorf("quote step: %w", xerrors.New(quote.CodeQuoteFailed, "quote has no amountOut"))
	}

	allowance, err := contracts.Allowance(ctx, backend, from.Address, req.Identity, q.To)
	if err != nil {
		return nil, fmt.Errorf("approve step: %w", err)
	}
	if allowance.Cmp(amountIn) < 0 {
		data, err := contracts.PackApprove(q.To, amountIn)
		if err != nil {
			return nil, fmt.Errorf("approve step: %w", err)
		}
		receipt, err := s.deps.Tx.Submit(ctx, chain, txn.Intent{To: from.Address, Data: data, Label: "approve"}, req.Identity)
		if err != nil {
			return nil, fmt.Errorf("approve step: %w", err)
		}
		receiptFields(fields, "approveTx", receipt)
	} else {
		log.Debug("授权额度充足，跳过 approve", "allowance", allowance.String())
	}

	value := q.Value
	if value == nil {
		value = new(big.Int)
	}
	receipt, err := s.deps.Tx.Submit(ctx, chain, txn.Intent{To: q.To, Value: value, Data: q.Data, Label: "swap"}, req.Identity)
	if err != nil {
		return nil, fmt.Errorf("swap step: %w", err)
	}
	receiptFields(fields, "tx", receipt)

	symbol := q.TokenOutSymbol
	if symbol == "" {
		symbol = to.Symbol
	}
	decimals := q.TokenOutDecimals
	if decimals == 0 {
		decimals = to.Decimals
	}
	return &Output{
		Success: true,
		Message: "Swap executed",
		Output: &TokenAmount{
			TokenReceived:     to.Address.Hex(),
			TokenSymbol:       symbol,
			AmountReceived:    FormatUnits(q.AmountOut, decimals),
			AmountReceivedWei: q.AmountOut.String(),
			Decimals:          decimals,
		},
		Fields: fields,
	}, nil
}

// wrap deposits amount of native currency into the wrapped token. WETH the
// identity already holds is left untouched.
func (s *Swap) wrap(ctx context.Context, backend web3.Backend, chain web3.ChainConfig, identity common.Address, amount *big.Int) (*txn.Receipt, error) {
	before, err := contracts.WrappedBalance(ctx, backend, chain.WrappedNative, identity)
	if err != nil {
		return nil, err
	}
	data, err := contracts.PackDeposit()
	if err != nil {
		return nil, err
	}
	receipt, err := s.deps.Tx.Submit(ctx, chain, txn.Intent{To: chain.WrappedNative, Value: amount, Data: data, Label: "wrap"}, identity)
	if err != nil {
		return nil, err
	}
	after, err := contracts.WrappedBalance(ctx, backend, chain.WrappedNative, identity)
	if err != nil {
		return nil, err
	}
	if want := new(big.Int).Add(before, amount); after.Cmp(want) < 0 {
		return nil, fmt.Errorf("wrapped balance %s below %s after deposit", after, want)
	}
	return receipt, nil
}
