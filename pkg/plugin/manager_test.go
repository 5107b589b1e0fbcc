package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Orchestrator/internal/tools"
)

type fakePlugin struct {
	info       Info
	defs       []tools.Definition
	configured map[string]any
	stopped    bool
	toolsErr   error
}

func (f *fakePlugin) Info() Info { return f.info }

func (f *fakePlugin) Configure(cfg map[string]any) error {
	if _, ok := cfg["greeting"]; !ok {
		cfg["greeting"] = "hello"
	}
	f.configured = cfg
	return nil
}

func (f *fakePlugin) Tools(ctx *ExecutionContext) ([]tools.Tool, error) {
	if f.toolsErr != nil {
		return nil, f.toolsErr
	}
	greeting := ctx.Config["greeting"]
	out := make([]tools.Tool, 0, len(f.defs))
	for _, def := range f.defs {
		out = append(out, tools.Tool{Definition: def, Func: func(context.Context, map[string]any, tools.ExecutionContext) (any, error) {
			return greeting, nil
		}})
	}
	return out, nil
}

func (f *fakePlugin) Stop(*ExecutionContext) error {
	f.stopped = true
	return nil
}

func fakeLoader(plugins map[string]Plugin) Loader {
	return LoaderFunc(func(path string) (Plugin, error) {
		if p, ok := plugins[path]; ok {
			return p, nil
		}
		return nil, errors.New("no such plugin")
	})
}

func def(name string, category tools.Category) tools.Definition {
	return tools.Definition{Name: name, Description: name, Category: category}
}

func TestManagerRegistersAndWithdrawsTools(t *testing.T) {
	registry := tools.NewRegistry()
	p := &fakePlugin{info: Info{Name: "greeter"}, defs: []tools.Definition{def("greet.say", tools.CategorySystem)}}
	m, err := NewManager(registry, ManagerConfig{})
	require.NoError(t, err)
	require.NoError(t, m.Register("greeter", p, nil, nil))
	assert.Equal(t, "hello", p.configured["greeting"])
	assert.False(t, registry.Has("greet.say"))

	require.NoError(t, m.StartAll(context.Background()))
	tool, ok := registry.Get("greet.say")
	require.True(t, ok)
	out, err := tool.Func(context.Background(), nil, tools.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateStarted, statuses[0].State)
	assert.Equal(t, []string{"greet.say"}, statuses[0].Tools)
	assert.Equal(t, "greeter", statuses[0].Info.ID)

	require.NoError(t, m.StopAll(context.Background()))
	assert.False(t, registry.Has("greet.say"))
	assert.True(t, p.stopped)
}

func TestManagerRequiresCapabilityForCategory(t *testing.T) {
	registry := tools.NewRegistry()
	m, err := NewManager(registry, ManagerConfig{})
	require.NoError(t, err)

	p := &fakePlugin{defs: []tools.Definition{def("net.ping", tools.CategoryNetwork), def("sys.info", tools.CategorySystem)}}
	require.NoError(t, m.Register("pinger", p, nil, nil))
	err = m.Start(context.Background(), "pinger")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires capability network")
	assert.Equal(t, 0, registry.Count())
}

func TestManagerRollsBackOnDuplicate(t *testing.T) {
	registry := tools.NewRegistry()
	registry.MustRegister(def("dup.tool", tools.CategorySystem), func(context.Context, map[string]any, tools.ExecutionContext) (any, error) {
		return nil, nil
	})
	m, err := NewManager(registry, ManagerConfig{})
	require.NoError(t, err)
	p := &fakePlugin{defs: []tools.Definition{def("a.tool", tools.CategorySystem), def("dup.tool", tools.CategorySystem)}}
	require.NoError(t, m.Register("dups", p, nil, nil))

	require.Error(t, m.Start(context.Background(), "dups"))
	assert.False(t, registry.Has("a.tool"))
	assert.Equal(t, StateRegistered, m.Statuses()[0].State)
}

func TestManagerPolicies(t *testing.T) {
	registry := tools.NewRegistry()
	netPlugin := func() *fakePlugin {
		return &fakePlugin{info: Info{Capabilities: []Capability{CapabilityNetwork}}}
	}

	m, err := NewManager(registry, ManagerConfig{})
	require.NoError(t, err)
	assert.Error(t, m.Register("a", netPlugin(), nil, nil), "capabilities need a policy")

	m, err = NewManager(registry, ManagerConfig{Defaults: IsolationPolicy{DeniedCapabilities: []Capability{CapabilityNetwork}}})
	require.NoError(t, err)
	assert.Error(t, m.Register("a", netPlugin(), nil, nil))
	assert.NoError(t, m.Register("b", netPlugin(), nil, &IsolationPolicy{
		AllowedCapabilities: []Capability{CapabilityNetwork},
		DeniedCapabilities:  []Capability{CapabilityExecution},
	}))

	m, err = NewManager(registry, ManagerConfig{Defaults: IsolationPolicy{AllowedCapabilities: []Capability{CapabilityFilesystem}}})
	require.NoError(t, err)
	assert.Error(t, m.Register("c", netPlugin(), nil, nil))
}

func TestManagerLoadsConfiguredPlugins(t *testing.T) {
	registry := tools.NewRegistry()
	p := &fakePlugin{defs: []tools.Definition{def("ext.tool", tools.CategoryData)}}
	cfg := ManagerConfig{
		Dir: "/opt/openmcp/plugins",
		Plugins: map[string]PluginConfig{
			"ext":      {Enabled: true, Path: "ext.so", Config: map[string]any{"greeting": "hi"}},
			"disabled": {Enabled: false},
		},
	}
	m, err := NewManager(registry, cfg, WithLoader(fakeLoader(map[string]Plugin{"/opt/openmcp/plugins/ext.so": p})))
	require.NoError(t, err)
	require.NoError(t, m.StartAll(context.Background()))
	assert.Equal(t, "hi", p.configured["greeting"])
	assert.True(t, registry.Has("ext.tool"))

	_, err = NewManager(registry, ManagerConfig{Plugins: map[string]PluginConfig{"x": {Enabled: true}}})
	assert.Error(t, err)
	_, err = NewManager(nil, ManagerConfig{})
	assert.Error(t, err)
}

func TestResolveSymbol(t *testing.T) {
	var p Plugin = &fakePlugin{info: Info{ID: "sym"}}
	ctor := func() Plugin { return p }
	var nilPlugin Plugin

	for name, symbol := range map[string]any{
		"value":       p,
		"pointer":     &p,
		"constructor": ctor,
		"ctor ptr":    &ctor,
	} {
		got, err := resolveSymbol(symbol)
		require.NoError(t, err, name)
		assert.Equal(t, "sym", got.Info().ID, name)
	}

	_, err := resolveSymbol(&nilPlugin)
	assert.Error(t, err)
	_, err = resolveSymbol(42)
	assert.Error(t, err)
}
