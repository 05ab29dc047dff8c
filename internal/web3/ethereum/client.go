package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"DeFlow/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	Timeout time.Duration
}

// Client implements web3.Backend for EVM compatible chains and bounds every
// RPC call with the configured timeout.
type Client struct {
	name    string
	timeout time.Duration
	backend web3.Backend

	mu      sync.Mutex
	closeFn func()
	// commit mines a block after each broadcast on simulated backends.
	commit func()
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	return &Client{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		backend: eth,
		closeFn: eth.Close,
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
// Every accepted transaction is mined immediately.
func NewSimulatedClient(name string, backend *simulated.Backend) *Client {
	return &Client{
		name:    name,
		backend: backend.Client(),
		commit:  func() { backend.Commit() },
	}
}

// Name returns the chain name the client was created for.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// PendingNonceAt returns the account nonce including not-yet-mined transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.backend.PendingNonceAt(ctx, account)
}

// EstimateGas estimates the gas needed to execute msg.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.backend.EstimateGas(ctx, msg)
}

// SuggestGasPrice returns the node's legacy gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.backend.SuggestGasPrice(ctx)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return err
	}
	if c.commit != nil {
		c.commit()
	}
	return nil
}

// TransactionReceipt returns gethcore.NotFound while the transaction is pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.backend.TransactionReceipt(ctx, txHash)
}

// CallContract executes a read-only contract call.
func (c *Client) CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.backend.CallContract(ctx, call, blockNumber)
}

var _ web3.Backend = (*Client)(nil)
