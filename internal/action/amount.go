package action

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	xerrors "DeFlow/internal/errors"
)

// ParseUnits converts a decimal amount such as "1.5" into base units of a
// token with the given decimals. Fractional digits beyond decimals are
// rejected rather than rounded.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, xerrors.New(CodeInvalidConfig, "amount must not be empty")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, xerrors.New(CodeInvalidConfig, "amount must not be negative: "+amount)
	}
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		if strings.TrimRight(frac[decimals:], "0") != "" {
			return nil, xerrors.New(CodeInvalidConfig,
				fmt.Sprintf("amount %s has more than %d fractional digits", amount, decimals))
		}
		frac = frac[:decimals]
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, xerrors.New(CodeInvalidConfig, "amount is not a decimal number: "+amount)
	}
	return value, nil
}

// FormatUnits integer-divides base units by 10^decimals.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Quo(value, scale).String()
}

// configString renders a config value as a string. Numbers decoded from
// JSON arrive as float64 and are printed without exponent.
func configString(config map[string]any, key string) (string, bool) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return "", false
	}
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	case json.Number:
		s = v.String()
	case bool:
		s = strconv.FormatBool(v)
	default:
		s = fmt.Sprint(v)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// requireKeys returns InvalidConfig naming every key absent from config.
func requireKeys(nodeType string, config map[string]any, keys ...string) error {
	var missing []string
	for _, key := range keys {
		if _, ok := configString(config, key); !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return InvalidConfig(nodeType, missing...)
	}
	return nil
}

// latestAmount returns the most recent previous output that carries an
// amount.
func latestAmount(previous []*Output) *TokenAmount {
	for i := len(previous) - 1; i >= 0; i-- {
		if amt := amountOf(previous[i]); amt != nil {
			return amt
		}
	}
	return nil
}

// precedingAmount looks only at the immediately preceding output.
func precedingAmount(previous []*Output) *TokenAmount {
	if len(previous) == 0 {
		return nil
	}
	return amountOf(previous[len(previous)-1])
}

func amountOf(out *Output) *TokenAmount {
	if out == nil || out.Output == nil || strings.TrimSpace(out.Output.AmountReceived) == "" {
		return nil
	}
	return out.Output
}
