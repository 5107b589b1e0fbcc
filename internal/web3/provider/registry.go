package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenMCP-Orchestrator/internal/config"
	"OpenMCP-Orchestrator/internal/web3"
	"OpenMCP-Orchestrator/internal/web3/ethereum"
)

// Registry 按名称管理多条链的客户端。
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry 加载链配置并创建对应客户端。
// 链配置文件为空时退回到单一的 rpc_url。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: chain.RPCURL, Notes: chain.Description})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	defaultChain := strings.TrimSpace(cfg.Chain)
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		if defaultChain == "" {
			defaultChain = "default"
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: defaultChain, RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients[defaultChain] = client
	}

	registry, err := NewStaticRegistry(defaultChain, clients)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewStaticRegistry 使用已创建的客户端构建注册表。defaultChain 为空时取字典序第一条链。
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	r := &Registry{defaultChain: defaultChain, clients: clients}
	if r.defaultChain == "" {
		r.defaultChain = r.Chains()[0]
	}
	if _, ok := clients[r.defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.defaultChain)
	}
	return r, nil
}

// Resolve 返回指定名称的链客户端，名称为空时返回默认链。
func (r *Registry) Resolve(name string) (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("未知的链 %s，可用: %s", name, strings.Join(r.Chains(), ", "))
	}
	return client, nil
}

// DefaultChain 返回默认链名称。
func (r *Registry) DefaultChain() string { return r.defaultChain }

// Close 释放全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains 返回已注册的链名称，按字典序排列。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ web3.Resolver = (*Registry)(nil)
