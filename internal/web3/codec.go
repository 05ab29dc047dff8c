package web3

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// unsignedLegacyTx is the EIP-155 signing payload of a legacy transaction:
// the six transaction fields followed by chainId, 0, 0.
type unsignedLegacyTx struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *common.Address `rlp:"nil"`
	Value    *big.Int
	Data     []byte
	ChainID  *big.Int
	V        uint
	R        uint
}

// EncodeUnsignedTx serializes a legacy transaction into the unsigned EIP-155
// payload expected by the delegated signer. Its keccak hash equals the
// EIP-155 signing hash.
func EncodeUnsignedTx(tx *types.Transaction, chainID *big.Int) ([]byte, error) {
	if tx == nil {
		return nil, errors.New("transaction is nil")
	}
	if tx.Type() != types.LegacyTxType {
		return nil, fmt.Errorf("unsupported transaction type %d", tx.Type())
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	payload := unsignedLegacyTx{
		Nonce:    tx.Nonce(),
		GasPrice: tx.GasPrice(),
		Gas:      tx.Gas(),
		To:       tx.To(),
		Value:    tx.Value(),
		Data:     tx.Data(),
		ChainID:  chainID,
	}
	return rlp.EncodeToBytes(&payload)
}

// DecodeUnsignedTx parses a payload produced by EncodeUnsignedTx.
func DecodeUnsignedTx(raw []byte) (*types.Transaction, *big.Int, error) {
	var payload unsignedLegacyTx
	if err := rlp.DecodeBytes(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("decode unsigned transaction: %w", err)
	}
	if payload.ChainID == nil || payload.ChainID.Sign() <= 0 {
		return nil, nil, errors.New("unsigned transaction carries no chain id")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    payload.Nonce,
		GasPrice: payload.GasPrice,
		Gas:      payload.Gas,
		To:       payload.To,
		Value:    payload.Value,
		Data:     payload.Data,
	})
	return tx, payload.ChainID, nil
}
