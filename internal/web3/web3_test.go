package web3

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const sampleChains = `
chains:
  sepolia:
    type: evm
    chain_id: 11155111
    rpc_url: https://rpc.sepolia.org
    native_symbol: eth
    wrapped_native: "0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"
    swap_router: "0x3bFA4769FB09eefC5a80d6E87c3B9C650f7Ae48E"
    tokens:
      usdc:
        address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
        decimals: 6
  broken:
    type: solana
    chain_id: 1
    rpc_url: https://example.invalid
`

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(sampleChains))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := defs.Chains["sepolia"].ChainConfig("sepolia")
	if err != nil {
		t.Fatalf("chain config: %v", err)
	}
	if cfg.ChainID.Int64() != 11155111 || cfg.NativeSymbol != "ETH" {
		t.Fatalf("unexpected chain config: %+v", cfg)
	}
	usdc, ok := cfg.LookupToken("USDC")
	if !ok || usdc.Decimals != 6 {
		t.Fatalf("usdc lookup failed: %+v", usdc)
	}
	byAddr, ok := cfg.LookupToken("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	if !ok || byAddr.Symbol != "USDC" {
		t.Fatalf("lookup by address failed: %+v", byAddr)
	}
	weth, ok := cfg.LookupToken("weth")
	if !ok || weth.Address != cfg.WrappedNative {
		t.Fatalf("wrapped native not registered as token: %+v", weth)
	}
	if _, err := defs.Chains["broken"].ChainConfig("broken"); err == nil {
		t.Fatalf("expected error for non-evm chain")
	}
}

func TestNativeDetection(t *testing.T) {
	cfg := ChainConfig{NativeSymbol: "POL", WrappedNative: common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270")}
	cases := []struct {
		ref     string
		native  bool
		wrapped bool
	}{
		{"ETH", true, false},
		{"0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", true, false},
		{"pol", true, false},
		{"WPOL", false, true},
		{"0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270", false, true},
		{"USDC", false, false},
	}
	for _, tc := range cases {
		if got := cfg.IsNative(tc.ref); got != tc.native {
			t.Fatalf("IsNative(%q) = %v", tc.ref, got)
		}
		if got := cfg.IsWrappedNative(tc.ref); got != tc.wrapped {
			t.Fatalf("IsWrappedNative(%q) = %v", tc.ref, got)
		}
	}
}

func TestUnsignedTxCodecMatchesEIP155Hash(t *testing.T) {
	chainID := big.NewInt(11155111)
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    7,
		GasPrice: big.NewInt(1_100_000_000),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(1e18),
	})

	raw, err := EncodeUnsignedTx(tx, chainID)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := types.NewEIP155Signer(chainID).Hash(tx)
	if got := crypto.Keccak256Hash(raw); got != want {
		t.Fatalf("payload hash %s, want signing hash %s", got, want)
	}

	decoded, decodedChain, err := DecodeUnsignedTx(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decodedChain.Cmp(chainID) != 0 || decoded.Nonce() != 7 || *decoded.To() != to {
		t.Fatalf("decoded mismatch: nonce=%d to=%s chain=%s", decoded.Nonce(), decoded.To(), decodedChain)
	}
}

func TestUnsignedTxCodecContractCreation(t *testing.T) {
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 100000, Value: big.NewInt(0), Data: []byte{0x60, 0x00}})
	raw, err := EncodeUnsignedTx(tx, big.NewInt(1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, _, err := DecodeUnsignedTx(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.To() != nil {
		t.Fatalf("expected nil recipient")
	}
}

func TestUnsupportedChainSentinel(t *testing.T) {
	err := UnsupportedChain("atlantis")
	if !errors.Is(err, ErrUnsupportedChain) {
		t.Fatalf("expected unsupported chain error, got %v", err)
	}
}
