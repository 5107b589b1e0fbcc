package builtin

import (
	"context"
	"strings"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/tools"
	"OpenMCP-Orchestrator/internal/web3"
)

// PermissionChainRead 是 chain.* 工具需要的权限。
const PermissionChainRead = "chain:read"

// RegisterChain 注册基于链客户端的只读工具。
func RegisterChain(registry *tools.Registry, chains web3.Resolver) error {
	if chains == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "链客户端未配置")
	}
	chainParam := tools.Parameter{
		Name:        "chain",
		Type:        tools.TypeString,
		Description: "chain name, defaults to the configured default chain",
		Enum:        chains.Chains(),
	}
	addressParam := tools.Parameter{
		Name:        "address",
		Type:        tools.TypeString,
		Description: "0x-prefixed account address",
		Required:    true,
	}
	defs := []struct {
		def tools.Definition
		fn  tools.Func
	}{
		{
			def: tools.Definition{
				Name:        ToolChainSnapshot,
				Description: "Fetch chain id and latest block number of a blockchain network",
				Category:    tools.CategoryNetwork,
				Parameters:  []tools.Parameter{chainParam},
				Permissions: []string{PermissionChainRead},
				Reversible:  true,
			},
			fn: snapshot(chains),
		},
		{
			def: tools.Definition{
				Name:        ToolChainBalance,
				Description: "Query the balance of a wallet address on a blockchain network",
				Category:    tools.CategoryNetwork,
				Parameters:  []tools.Parameter{addressParam, chainParam},
				Permissions: []string{PermissionChainRead},
				Reversible:  true,
			},
			fn: action(chains, web3.ActionGetBalance, "balance"),
		},
		{
			def: tools.Definition{
				Name:        ToolChainNonce,
				Description: "Query the pending transaction count of a wallet address",
				Category:    tools.CategoryNetwork,
				Parameters:  []tools.Parameter{addressParam, chainParam},
				Permissions: []string{PermissionChainRead},
				Reversible:  true,
			},
			fn: action(chains, web3.ActionGetTransactionCount, "nonce"),
		},
	}
	for _, d := range defs {
		if err := registry.Register(d.def, d.fn); err != nil {
			return err
		}
	}
	return nil
}

func resolve(chains web3.Resolver, params map[string]any) (web3.Client, string, error) {
	name, _ := params["chain"].(string)
	client, err := chains.Resolve(name)
	if err != nil {
		return nil, "", xerrors.Wrap(tools.CodeToolParameterInvalid, err, "无法解析链")
	}
	if strings.TrimSpace(name) == "" {
		name = "default"
	}
	return client, name, nil
}

func snapshot(chains web3.Resolver) tools.Func {
	return func(ctx context.Context, params map[string]any, _ tools.ExecutionContext) (any, error) {
		client, _, err := resolve(chains, params)
		if err != nil {
			return nil, err
		}
		snap, err := client.FetchChainSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		return snap, nil
	}
}

func action(chains web3.Resolver, method, field string) tools.Func {
	return func(ctx context.Context, params map[string]any, _ tools.ExecutionContext) (any, error) {
		client, name, err := resolve(chains, params)
		if err != nil {
			return nil, err
		}
		address, _ := params["address"].(string)
		value, err := client.ExecuteAction(ctx, method, address)
		if err != nil {
			return nil, err
		}
		return map[string]any{"chain": name, "address": address, field: value}, nil
	}
}
