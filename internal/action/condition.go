package action

import (
	"context"
	"math/big"
	"regexp"
	"strings"
)

// Condition compares leftValue and rightValue. Both sides are compared as
// numbers when both parse as numbers, otherwise as strings.
type Condition struct{}

func (Condition) Validate(config map[string]any) error {
	if err := requireKeys("condition", config, "leftValue", "operator", "rightValue"); err != nil {
		return err
	}
	op, _ := configString(config, "operator")
	if _, ok := operators[op]; !ok {
		return InvalidConfig("condition", "operator (unsupported: "+op+")")
	}
	return nil
}

func (c Condition) Execute(_ context.Context, req Request) (*Output, error) {
	if err := c.Validate(req.Config); err != nil {
		return nil, err
	}
	left, _ := configString(req.Config, "leftValue")
	op, _ := configString(req.Config, "operator")
	right, _ := configString(req.Config, "rightValue")

	met := Compare(left, op, right)
	return &Output{
		Success: true,
		Fields: map[string]any{
			"conditionMet": met,
			"leftValue":    req.Config["leftValue"],
			"operator":     op,
			"rightValue":   req.Config["rightValue"],
		},
	}, nil
}

var operators = map[string]func(cmp int) bool{
	">":   func(c int) bool { return c > 0 },
	"<":   func(c int) bool { return c < 0 },
	">=":  func(c int) bool { return c >= 0 },
	"<=":  func(c int) bool { return c <= 0 },
	"==":  func(c int) bool { return c == 0 },
	"===": func(c int) bool { return c == 0 },
	"!=":  func(c int) bool { return c != 0 },
	"!==": func(c int) bool { return c != 0 },
}

// decimalPattern accepts plain decimal numbers with an optional exponent.
// Hex, fractions and digit separators compare as strings.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

func parseDecimal(s string) (*big.Rat, bool) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return nil, false
	}
	return new(big.Rat).SetString(s)
}

// Compare evaluates left op right. Unknown operators evaluate to false.
func Compare(left, op, right string) bool {
	test, ok := operators[op]
	if !ok {
		return false
	}
	l, lok := parseDecimal(left)
	r, rok := parseDecimal(right)
	if lok && rok {
		return test(l.Cmp(r))
	}
	return test(strings.Compare(left, right))
}
