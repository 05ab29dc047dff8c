package web3

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain entry.
type ChainDefinition struct {
	Type          string                     `yaml:"type"`
	ChainID       int64                      `yaml:"chain_id"`
	RPCURL        string                     `yaml:"rpc_url"`
	NativeSymbol  string                     `yaml:"native_symbol"`
	WrappedNative string                     `yaml:"wrapped_native"`
	SwapRouter    string                     `yaml:"swap_router"`
	Tokens        map[string]TokenDefinition `yaml:"tokens"`
	Description   string                     `yaml:"description"`
}

// TokenDefinition is one ERC-20 entry under a chain.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata from YAML bytes.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// ChainConfig converts a definition into its resolved form.
func (d ChainDefinition) ChainConfig(name string) (ChainConfig, error) {
	chainType := strings.ToLower(strings.TrimSpace(d.Type))
	if chainType != "" && chainType != "evm" {
		return ChainConfig{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, d.Type)
	}
	if d.ChainID <= 0 {
		return ChainConfig{}, fmt.Errorf("链 %s 缺少 chain_id", name)
	}
	if strings.TrimSpace(d.RPCURL) == "" {
		return ChainConfig{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
	}

	cfg := ChainConfig{
		Name:         name,
		ChainID:      big.NewInt(d.ChainID),
		RPCURL:       strings.TrimSpace(d.RPCURL),
		NativeSymbol: strings.ToUpper(strings.TrimSpace(d.NativeSymbol)),
		Tokens:       make(map[string]Token, len(d.Tokens)),
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	if d.WrappedNative != "" {
		if !common.IsHexAddress(d.WrappedNative) {
			return ChainConfig{}, fmt.Errorf("链 %s 的 wrapped_native 不是合法地址", name)
		}
		cfg.WrappedNative = common.HexToAddress(d.WrappedNative)
	}
	if d.SwapRouter != "" {
		if !common.IsHexAddress(d.SwapRouter) {
			return ChainConfig{}, fmt.Errorf("链 %s 的 swap_router 不是合法地址", name)
		}
		cfg.SwapRouter = common.HexToAddress(d.SwapRouter)
	}
	for symbol, tok := range d.Tokens {
		if !common.IsHexAddress(tok.Address) {
			return ChainConfig{}, fmt.Errorf("链 %s 的代币 %s 地址不合法", name, symbol)
		}
		upper := strings.ToUpper(symbol)
		cfg.Tokens[upper] = Token{Symbol: upper, Address: common.HexToAddress(tok.Address), Decimals: tok.Decimals}
	}
	if cfg.WrappedNative != (common.Address{}) {
		wrapped := "W" + cfg.NativeSymbol
		if _, ok := cfg.Tokens[wrapped]; !ok {
			cfg.Tokens[wrapped] = Token{Symbol: wrapped, Address: cfg.WrappedNative, Decimals: 18}
		}
	}
	return cfg, nil
}
