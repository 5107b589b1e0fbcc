package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

func noop(context.Context, map[string]any, ExecutionContext) (any, error) {
	return "ok", nil
}

func sampleDefinition(name string, category Category, perms ...string) Definition {
	return Definition{
		Name:        name,
		Description: "sample tool " + name,
		Category:    category,
		Permissions: perms,
		Parameters: []Parameter{
			{Name: "path", Type: TypeString, Required: true},
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(sampleDefinition("file.read", CategoryFile, "file:read"), noop))

	tool, ok := r.Get("file.read")
	require.True(t, ok)
	assert.Equal(t, CategoryFile, tool.Category)
	assert.Equal(t, []string{"file:read"}, tool.Permissions)
	assert.Equal(t, 1, r.Count())

	tool.Permissions[0] = "mutated"
	again, _ := r.Get("file.read")
	assert.Equal(t, "file:read", again.Permissions[0])
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(sampleDefinition("file.read", CategoryFile), noop))

	err := r.Register(sampleDefinition("file.read", CategoryShell), noop)
	require.Error(t, err)
	assert.Equal(t, CodeToolDuplicate, xerrors.CodeOf(err))
	assert.Equal(t, 1, r.Count())
	assert.Len(t, r.GetByCategory(CategoryShell), 0)
}

func TestRegistryRegisterThenUnregister(t *testing.T) {
	r := NewRegistry()
	before := r.Count()
	require.NoError(t, r.Register(sampleDefinition("net.fetch", CategoryNetwork), noop))

	assert.True(t, r.Unregister("net.fetch"))
	assert.Equal(t, before, r.Count())
	assert.False(t, r.Has("net.fetch"))
	assert.Empty(t, r.GetByCategory(CategoryNetwork))
	assert.False(t, r.Unregister("net.fetch"))
}

func TestRegistryValidateDefinition(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
	}{
		{"bad name", Definition{Name: "1bad", Description: "x", Category: CategoryFile}},
		{"missing description", Definition{Name: "ok", Category: CategoryFile}},
		{"bad category", Definition{Name: "ok", Description: "x", Category: "gpu"}},
		{"bad parameter type", Definition{Name: "ok", Description: "x", Category: CategoryFile,
			Parameters: []Parameter{{Name: "p", Type: "date"}}}},
		{"duplicate parameter", Definition{Name: "ok", Description: "x", Category: CategoryFile,
			Parameters: []Parameter{{Name: "p", Type: TypeString}, {Name: "p", Type: TypeString}}}},
	}
	r := NewRegistry()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Register(tc.def, noop)
			require.Error(t, err)
			assert.Equal(t, CodeToolDefinitionInvalid, xerrors.CodeOf(err))
		})
	}
	assert.Equal(t, 0, r.Count())
}

func TestRegistryQueries(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(sampleDefinition("file.read", CategoryFile, "file:read"), noop)
	r.MustRegister(sampleDefinition("file.write", CategoryFile, "file:read", "file:write"), noop)
	r.MustRegister(sampleDefinition("shell.exec", CategoryShell, "shell:exec"), noop)
	peerOnly := sampleDefinition("peer.sync", CategoryNetwork)
	peerOnly.RequiresPeer = true
	r.MustRegister(peerOnly, noop)

	names := func(defs []Definition) []string {
		out := make([]string, 0, len(defs))
		for _, d := range defs {
			out = append(out, d.Name)
		}
		return out
	}

	assert.Equal(t, []string{"file.read", "file.write", "peer.sync", "shell.exec"}, names(r.GetAll()))
	assert.Equal(t, []string{"file.read", "file.write"}, names(r.GetByCategory(CategoryFile)))
	assert.Equal(t, []string{"file.read", "file.write"}, names(r.GetByPermission("file:read")))
	assert.Equal(t, []string{"shell.exec"}, names(r.Search("SHELL")))
	assert.Equal(t, []string{"file.read", "peer.sync"}, names(r.GetForUser([]string{"file:read"})))
	assert.Equal(t, []string{"file.read"}, names(r.GetForPeer("", []string{"file:read"})))
	assert.Equal(t, []string{"file.read", "peer.sync"}, names(r.GetForPeer("peer-1", []string{"file:read"})))
}
