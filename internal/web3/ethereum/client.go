package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"OpenMCP-Orchestrator/internal/web3"
)

// Config 描述如何连接一条 EVM 兼容链。
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend 是客户端依赖的链访问方法，ethclient 与模拟后端都满足。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*coretypes.Block, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Client 实现 web3.Client。
type Client struct {
	name    string
	notes   string
	eth     *ethclient.Client
	backend Backend
	mu      sync.Mutex
}

// NewClient 连接 RPC 节点并返回客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return &Client{name: cfg.Name, notes: cfg.Notes, eth: eth, backend: eth}, nil
}

// NewBackendClient 使用任意满足要求的后端创建客户端，主要用于模拟链与测试。
func NewBackendClient(name, notes string, b Backend) *Client {
	return &Client{name: name, notes: notes, backend: b}
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// Close 释放网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.backend = nil
}

func (c *Client) current() (Backend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, errors.New("客户端已关闭或缺少链访问后端")
	}
	return c.backend, nil
}

// FetchChainSnapshot 读取链 ID 与最新区块高度。
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	b, err := c.current()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	block, err := b.BlockByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", block.NumberU64()),
		Notes:       c.notes,
	}, nil
}

// ExecuteAction 执行只读的辅助 RPC 调用。
func (c *Client) ExecuteAction(ctx context.Context, action, address string) (string, error) {
	b, err := c.current()
	if err != nil {
		return "", err
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return "", errors.New("链上操作不能为空")
	}
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", fmt.Errorf("%s 需要提供地址", action)
	}
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("无效的地址: %s", addr)
	}

	switch action {
	case web3.ActionGetBalance:
		balance, err := b.BalanceAt(ctx, common.HexToAddress(addr), nil)
		if err != nil {
			return "", fmt.Errorf("查询余额失败: %w", err)
		}
		return toHexBig(balance), nil
	case web3.ActionGetTransactionCount:
		nonce, err := b.PendingNonceAt(ctx, common.HexToAddress(addr))
		if err != nil {
			return "", fmt.Errorf("查询交易计数失败: %w", err)
		}
		return fmt.Sprintf("0x%x", nonce), nil
	default:
		return "", fmt.Errorf("暂不支持的链上操作: %s", action)
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
