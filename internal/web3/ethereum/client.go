package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"OpenAgent-Launchpad/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	Notes        string
	PollInterval time.Duration
}

// Backend is the subset of ethclient used by the client. Both *ethclient.Client
// and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client confirms transactions and reads balances on EVM compatible chains.
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	backend      Backend
	pollInterval time.Duration
	mu           sync.Mutex
}

const defaultPollInterval = 2 * time.Second

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

	client := NewWithBackend(cfg.Name, ethclient.NewClient(rpcClient))
	client.rpcClient = rpcClient
	client.notes = cfg.Notes
	if cfg.PollInterval > 0 {
		client.pollInterval = cfg.PollInterval
	}
	return client, nil
}

// NewWithBackend wraps an existing backend, typically the simulated one in tests.
func NewWithBackend(name string, backend Backend) *Client {
	return &Client{
		name:         name,
		backend:      backend,
		pollInterval: defaultPollInterval,
	}
}

// Name returns the chain name the client was registered under.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// NativeBalance returns the native currency balance of address in wei.
func (c *Client) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("非法的地址: %q", address)
	}
	balance, err := c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done. RPC errors
// such as NotFound or "transaction indexing is in progress" keep the poll going,
// as bind.WaitMined does; the last one is reported when ctx ends the wait. A mined
// transaction with a failed status returns web3.ErrTransactionReverted along
// with the receipt.
func (c *Client) WaitForReceipt(ctx context.Context, hash string) (web3.Receipt, error) {
	if c == nil || c.backend == nil {
		return web3.Receipt{}, errors.New("未初始化的以太坊客户端")
	}
	txHash := common.HexToHash(strings.TrimSpace(hash))
	if txHash == (common.Hash{}) {
		return web3.Receipt{}, fmt.Errorf("非法的交易哈希: %q", hash)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			summary := web3.Receipt{
				Hash:    txHash.Hex(),
				GasUsed: receipt.GasUsed,
				Success: receipt.Status == coretypes.ReceiptStatusSuccessful,
			}
			if receipt.BlockNumber != nil {
				summary.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if !summary.Success {
				return summary, fmt.Errorf("交易 %s: %w", summary.Hash, web3.ErrTransactionReverted)
			}
			return summary, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return web3.Receipt{}, fmt.Errorf("等待交易 %s 确认超时: %w (最近一次查询错误: %w)", txHash.Hex(), ctx.Err(), lastErr)
			}
			return web3.Receipt{}, fmt.Errorf("等待交易 %s 确认超时: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// TokenDecimals calls decimals() on an ERC-20 contract.
func (c *Client) TokenDecimals(ctx context.Context, token string) (int32, error) {
	if c == nil || c.backend == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	if !common.IsHexAddress(token) {
		return 0, fmt.Errorf("非法的代币地址: %q", token)
	}
	data, err := web3.ERC20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	contract := common.HexToAddress(token)
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("读取代币精度失败: %w", err)
	}
	values, err := web3.ERC20ABI.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("代币 %s 不是有效的 ERC-20 合约", contract.Hex())
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("代币 %s 返回了非法的精度", contract.Hex())
	}
	return int32(decimals), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var (
	_ web3.Confirmer      = (*Client)(nil)
	_ web3.TokenInspector = (*Client)(nil)
)
