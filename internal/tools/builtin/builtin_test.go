package builtin

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Orchestrator/internal/tools"
	"OpenMCP-Orchestrator/internal/web3"
	"OpenMCP-Orchestrator/internal/web3/provider"
)

type fakeChain struct {
	name string
	err  error
}

func (f *fakeChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	if f.err != nil {
		return web3.ChainSnapshot{}, f.err
	}
	return web3.ChainSnapshot{Chain: f.name, ChainID: "0x1", BlockNumber: "0x10"}, nil
}

func (f *fakeChain) ExecuteAction(_ context.Context, action, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if action == web3.ActionGetBalance {
		return "0xde0b6b3a7640000", nil
	}
	return "0x3", nil
}

func (f *fakeChain) Close() {}

func newExecutor(t *testing.T) *tools.Executor {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, RegisterSystem(registry))

	chains, err := provider.NewStaticRegistry("mainnet", map[string]web3.Client{
		"mainnet": &fakeChain{name: "mainnet"},
		"broken":  &fakeChain{name: "broken", err: errors.New("rpc unavailable")},
	})
	require.NoError(t, err)
	require.NoError(t, RegisterChain(registry, chains))
	return tools.NewExecutor(registry)
}

func TestSystemTools(t *testing.T) {
	now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { now = time.Now })
	exec := newExecutor(t)
	ctx := context.Background()

	res := exec.Execute(ctx, ToolEcho, map[string]any{"text": "hi"}, tools.ExecutionContext{UserID: "u"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"text": "hi"}, res.Data)

	res = exec.Execute(ctx, ToolEcho, map[string]any{}, tools.ExecutionContext{UserID: "u"})
	assert.False(t, res.Success)
	assert.Equal(t, tools.CodeToolParameterInvalid, res.ErrorCode)

	res = exec.Execute(ctx, ToolTime, map[string]any{"timezone": "Asia/Shanghai"}, tools.ExecutionContext{UserID: "u"})
	require.True(t, res.Success, res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, "2024-05-01T20:00:00+08:00", data["time"])
	assert.Equal(t, "Asia/Shanghai", data["timezone"])

	res = exec.Execute(ctx, ToolTime, map[string]any{"timezone": "Mars/Olympus"}, tools.ExecutionContext{UserID: "u"})
	assert.False(t, res.Success)
}

func TestChainTools(t *testing.T) {
	exec := newExecutor(t)
	ctx := context.Background()
	reader := tools.ExecutionContext{UserID: "u", Permissions: []string{PermissionChainRead}}
	address := "0x00000000000000000000000000000000000000aa"

	res := exec.Execute(ctx, ToolChainSnapshot, nil, tools.ExecutionContext{UserID: "u"})
	assert.Equal(t, tools.CodeToolPermissionDenied, res.ErrorCode)

	res = exec.Execute(ctx, ToolChainSnapshot, nil, reader)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "mainnet", res.Data.(web3.ChainSnapshot).Chain)

	res = exec.Execute(ctx, ToolChainBalance, map[string]any{"address": address}, reader)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "0xde0b6b3a7640000", res.Data.(map[string]any)["balance"])

	res = exec.Execute(ctx, ToolChainNonce, map[string]any{"address": address, "chain": "mainnet"}, reader)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "0x3", res.Data.(map[string]any)["nonce"])

	res = exec.Execute(ctx, ToolChainBalance, map[string]any{"address": address, "chain": "broken"}, reader)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "rpc unavailable")

	res = exec.Execute(ctx, ToolChainBalance, map[string]any{"address": address, "chain": "ropsten"}, reader)
	assert.Equal(t, tools.CodeToolParameterInvalid, res.ErrorCode)
}

func TestRegisterChainRequiresResolver(t *testing.T) {
	assert.Error(t, RegisterChain(tools.NewRegistry(), nil))
}
