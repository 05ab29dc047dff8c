package action

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/web3/contracts"
	"DeFlow/internal/web3/txn"
)

// Transfer sends native currency or an ERC-20 token to a recipient.
type Transfer struct {
	deps Dependencies
}

func (t *Transfer) Validate(config map[string]any) error {
	if err := requireKeys("transfer", config, "chain", "token", "recipient"); err != nil {
		return err
	}
	recipient, _ := configString(config, "recipient")
	if !common.IsHexAddress(recipient) {
		return xerrors.New(CodeUnresolvedAddress, "recipient is not a valid address: "+recipient,
			xerrors.WithMetadata("recipient", recipient))
	}
	return nil
}

func (t *Transfer) Execute(ctx context.Context, req Request) (*Output, error) {
	inherited := latestAmount(req.Previous)
	if _, ok := configString(req.Config, "amount"); !ok && inherited == nil {
		if err := requireKeys("transfer", req.Config, "chain", "token", "recipient", "amount"); err != nil {
			return nil, err
		}
	}
	if err := t.Validate(req.Config); err != nil {
		return nil, err
	}
	chainName, _ := configString(req.Config, "chain")
	tokenRef, _ := configString(req.Config, "token")
	recipientRef, _ := configString(req.Config, "recipient")
	recipient := common.HexToAddress(recipientRef)

	chain, err := t.deps.Chains.Resolve(chainName)
	if err != nil {
		return nil, err
	}
	backend, err := t.deps.Tx.Backend(ctx, chain)
	if err != nil {
		return nil, err
	}
	tok, err := resolveToken(ctx, backend, chain, tokenRef)
	if err != nil {
		return nil, err
	}
	amount, wei, err := amountFor("transfer", req.Config, inherited, tok)
	if err != nil {
		return nil, err
	}
	if wei.Sign() == 0 {
		return nil, InvalidConfig("transfer", "amount (must be positive)")
	}

	intent := txn.Intent{To: recipient, Value: wei, Label: "transfer"}
	if !tok.Native {
		data, err := contracts.PackTransfer(recipient, wei)
		if err != nil {
			return nil, fmt.Errorf("encode transfer: %w", err)
		}
		intent = txn.Intent{To: tok.Address, Value: new(big.Int), Data: data, Label: "transfer"}
	}
	receipt, err := t.deps.Tx.Submit(ctx, chain, intent, req.Identity)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"token":     tokenRef,
		"recipient": recipient.Hex(),
		"amount":    amount,
		"chain":     chain.Name,
		"native":    tok.Native,
	}
	receiptFields(fields, "tx", receipt)
	return &Output{
		Success: true,
		Message: "Transfer executed",
		Output: &TokenAmount{
			TokenReceived:     tok.Address.Hex(),
			TokenSymbol:       tok.Symbol,
			AmountReceived:    FormatUnits(wei, tok.Decimals),
			AmountReceivedWei: wei.String(),
			Decimals:          tok.Decimals,
		},
		Fields: fields,
	}, nil
}
