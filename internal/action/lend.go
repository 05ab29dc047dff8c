package action

import (
	"context"
	"strings"
)

// Lend simulates a lending-protocol action. It validates config and amount
// the same way a live integration would and emits the receipt token the
// protocol would mint or burn.
type Lend struct{}

var lendActions = map[string]bool{"supply": true, "withdraw": true, "borrow": true, "repay": true}

func (Lend) Validate(config map[string]any) error {
	if err := requireKeys("lend", config, "action", "asset"); err != nil {
		return err
	}
	act, _ := configString(config, "action")
	if !lendActions[strings.ToLower(act)] {
		return InvalidConfig("lend", "action (unsupported: "+act+")")
	}
	return nil
}

func (l Lend) Execute(_ context.Context, req Request) (*Output, error) {
	if err := l.Validate(req.Config); err != nil {
		return nil, err
	}
	act, _ := configString(req.Config, "action")
	act = strings.ToLower(act)
	asset, _ := configString(req.Config, "asset")
	asset = strings.ToUpper(asset)

	decimals := uint8(18)
	amount, ok := configString(req.Config, "amount")
	wei := ""
	if !ok {
		inherited := precedingAmount(req.Previous)
		if inherited == nil {
			return nil, InvalidConfig("lend", "amount")
		}
		amount = inherited.AmountReceived
		wei = inherited.AmountReceivedWei
		decimals = inherited.Decimals
	}
	if wei == "" {
		parsed, err := ParseUnits(amount, decimals)
		if err != nil {
			return nil, err
		}
		wei = parsed.String()
	}

	out := &TokenAmount{AmountReceived: amount, AmountReceivedWei: wei, Decimals: decimals}
	switch act {
	case "supply":
		out.TokenSymbol = "a" + asset
	case "withdraw", "borrow":
		out.TokenSymbol = asset
	case "repay":
		out.TokenSymbol = "debt" + asset
		out.AmountReceived = "0"
		out.AmountReceivedWei = "0"
	}

	return &Output{
		Success: true,
		Message: "Lend " + act + " executed (simulated)",
		Output:  out,
		Fields: map[string]any{
			"action": act,
			"asset":  asset,
			"amount": amount,
		},
	}, nil
}
