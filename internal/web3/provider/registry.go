package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"DeFlow/internal/web3"
	"DeFlow/internal/web3/ethereum"
)

// DialFunc opens a backend for a resolved chain.
type DialFunc func(ctx context.Context, chain web3.ChainConfig) (web3.Backend, error)

// Registry resolves chain names against the chain table and hands out one
// lazily dialled backend per chain.
type Registry struct {
	chains map[string]web3.ChainConfig
	dial   DialFunc

	mu       sync.Mutex
	backends map[string]web3.Backend
}

// NewRegistry loads chain definitions from path and dials ethclient backends
// on first use.
func NewRegistry(path string, rpcTimeout time.Duration) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(path)
	if err != nil {
		return nil, err
	}
	return NewRegistryFromDefinitions(defs, EthereumDialer(rpcTimeout))
}

// NewRegistryFromDefinitions builds a registry from parsed definitions.
func NewRegistryFromDefinitions(defs web3.ChainDefinitions, dial DialFunc) (*Registry, error) {
	if dial == nil {
		return nil, errors.New("未提供链后端拨号函数")
	}
	chains := make(map[string]web3.ChainConfig, len(defs.Chains))
	for name, def := range defs.Chains {
		key := strings.ToLower(strings.TrimSpace(name))
		cfg, err := def.ChainConfig(key)
		if err != nil {
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		chains[key] = cfg
	}
	if len(chains) == 0 {
		return nil, errors.New("未配置任何链")
	}
	return &Registry{chains: chains, dial: dial, backends: make(map[string]web3.Backend)}, nil
}

// EthereumDialer returns a DialFunc backed by ethereum.NewClient.
func EthereumDialer(timeout time.Duration) DialFunc {
	return func(ctx context.Context, chain web3.ChainConfig) (web3.Backend, error) {
		return ethereum.NewClient(ctx, ethereum.Config{Name: chain.Name, RPCURL: chain.RPCURL, Timeout: timeout})
	}
}

// Resolve implements web3.Resolver. Names are case-insensitive.
func (r *Registry) Resolve(name string) (web3.ChainConfig, error) {
	if r == nil {
		return web3.ChainConfig{}, errors.New("未初始化的链注册表")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	cfg, ok := r.chains[key]
	if !ok {
		return web3.ChainConfig{}, web3.UnsupportedChain(name)
	}
	return cfg, nil
}

// Backend implements web3.BackendProvider.
func (r *Registry) Backend(ctx context.Context, chain web3.ChainConfig) (web3.Backend, error) {
	if _, err := r.Resolve(chain.Name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if backend, ok := r.backends[chain.Name]; ok {
		return backend, nil
	}
	backend, err := r.dial(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("连接链 %s 失败: %w", chain.Name, err)
	}
	r.backends[chain.Name] = backend
	return backend, nil
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all backends dialled by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, backend := range r.backends {
		if closer, ok := backend.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(r.backends, name)
	}
}

var (
	_ web3.Resolver        = (*Registry)(nil)
	_ web3.BackendProvider = (*Registry)(nil)
)
