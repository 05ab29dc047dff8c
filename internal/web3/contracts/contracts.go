// Package contracts packs and unpacks the ERC-20 and WETH calls issued by the
// action handlers.
package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20JSON = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

const wethJSON = `[
 {"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	// ERC20 is the parsed ERC-20 subset used by the handlers.
	ERC20 = mustParse(erc20JSON)
	// WETH is the parsed wrapped-native subset.
	WETH = mustParse(wethJSON)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// PackTransfer encodes transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20.Pack("transfer", to, amount)
}

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return ERC20.Pack("approve", spender, amount)
}

// PackAllowance encodes allowance(owner, spender).
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return ERC20.Pack("allowance", owner, spender)
}

// PackBalanceOf encodes balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	return ERC20.Pack("balanceOf", account)
}

// PackDeposit encodes WETH deposit().
func PackDeposit() ([]byte, error) {
	return WETH.Pack("deposit")
}

// Caller performs read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Allowance reads token.allowance(owner, spender).
func Allowance(ctx context.Context, c Caller, token, owner, spender common.Address) (*big.Int, error) {
	data, err := PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	return callUint256(ctx, c, token, ERC20, "allowance", data)
}

// BalanceOf reads token.balanceOf(account).
func BalanceOf(ctx context.Context, c Caller, token, account common.Address) (*big.Int, error) {
	data, err := PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	return callUint256(ctx, c, token, ERC20, "balanceOf", data)
}

// WrappedBalance reads the wrapped-native balance of account.
func WrappedBalance(ctx context.Context, c Caller, weth, account common.Address) (*big.Int, error) {
	data, err := WETH.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	return callUint256(ctx, c, weth, WETH, "balanceOf", data)
}

// Decimals reads token.decimals().
func Decimals(ctx context.Context, c Caller, token common.Address) (uint8, error) {
	data, err := ERC20.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := c.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals on %s: %w", token.Hex(), err)
	}
	values, err := ERC20.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	dec, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", values[0])
	}
	return dec, nil
}

func callUint256(ctx context.Context, c Caller, to common.Address, contract abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := c.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	return UnpackUint256(contract, method, out)
}

// UnpackUint256 decodes a single uint256 return value.
func UnpackUint256(contract abi.ABI, method string, out []byte) (*big.Int, error) {
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, values[0])
	}
	return v, nil
}

// EncodeUint256 returns the ABI encoding of a single uint256 value.
func EncodeUint256(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}
