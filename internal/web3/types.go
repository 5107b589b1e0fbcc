package web3

import "context"

// ChainSnapshot 是链的概要信息。
type ChainSnapshot struct {
	Chain       string `json:"chain,omitempty"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// 支持的只读链上操作。
const (
	ActionGetBalance          = "eth_getBalance"
	ActionGetTransactionCount = "eth_getTransactionCount"
)

// Client 是链客户端需要提供的最小接口。
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ExecuteAction(ctx context.Context, action, address string) (string, error)
	Close()
}

// Resolver 按名称查找链客户端，名称为空时返回默认链。
type Resolver interface {
	Resolve(name string) (Client, error)
	Chains() []string
}
