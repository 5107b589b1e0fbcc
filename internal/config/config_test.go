package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "openmcp.yaml", `
server:
  address: ":9090"
orchestrator:
  max_concurrent: 4
  cascade_failures: true
pipeline:
  memory_enabled: true
memory:
  knowledge_file: knowledge.json
permissions:
  users:
    - id: admin
      permissions: ["system:admin", "system:read"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrent)
	assert.True(t, cfg.Orchestrator.CascadeFailures)
	assert.True(t, cfg.Pipeline.MemoryEnabled)
	assert.Equal(t, "simulated", cfg.Pipeline.Execution)
	assert.Equal(t, 100, cfg.Pipeline.StepDelayMS)
	assert.Equal(t, 30000, cfg.Executor.DefaultTimeoutMS)
	assert.Equal(t, "memory", cfg.Storage.TaskStore.Driver)
	assert.Equal(t, "memory", cfg.TaskQueue.Driver)
	assert.Equal(t, filepath.Join(dir, "knowledge.json"), cfg.Memory.KnowledgeFile)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)
	require.Len(t, cfg.Permissions.Users, 1)
	assert.Equal(t, []string{"system:admin", "system:read"}, cfg.Permissions.Users[0].Permissions)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "openmcp.json", `{"storage":{"task_store":{"driver":"sqlite","dsn":"file:tasks.db"}}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.TaskStore.Driver)
	assert.Equal(t, 10, cfg.Storage.TaskStore.MaxOpenConns)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "openmcp.yaml", "task_queue:\n  driver: kafka\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
}

func TestLoadRequiresDSNForSQLDrivers(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "openmcp.yaml", "storage:\n  task_store:\n    driver: mysql\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "openmcp.yaml", "server:\n  address: \":9090\"\n")
	t.Setenv("OPENMCP_SERVER_ADDRESS", ":7070")
	t.Setenv("OPENMCP_MAX_CONCURRENT", "8")
	t.Setenv("OPENMCP_CASCADE_FAILURES", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrent)
	assert.True(t, cfg.Orchestrator.CascadeFailures)
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "OPENMCP_PIPELINE_EXECUTION=tools\n")
	path := writeFile(t, dir, "openmcp.yaml", "server:\n  address: \":9090\"\n")
	t.Setenv("OPENMCP_PIPELINE_EXECUTION", "")
	require.NoError(t, os.Unsetenv("OPENMCP_PIPELINE_EXECUTION"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tools", cfg.Pipeline.Execution)
	require.NoError(t, os.Unsetenv("OPENMCP_PIPELINE_EXECUTION"))
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestLLMPlannerSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "openmcp.yaml", `
pipeline:
  planner: python
llm:
  python:
    script_path: scripts/bridge.py
    working_dir: runtime
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "python", cfg.Pipeline.Planner)
	assert.Equal(t, "python3", cfg.LLM.Python.Executable)
	assert.Equal(t, filepath.Join(dir, "runtime"), cfg.LLM.Python.WorkingDir)
	assert.Equal(t, "OPENAI_API_KEY", cfg.LLM.OpenAI.APIKeyEnv)
	assert.Equal(t, 30000, cfg.LLM.TimeoutMS)

	bad := writeFile(t, dir, "bad.yaml", "pipeline:\n  planner: oracle\n")
	_, err = Load(bad)
	assert.ErrorContains(t, err, "oracle")
}

func TestPluginsAndQueueDeliveries(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "openmcp.yaml", `
task_queue:
  driver: memory
plugins:
  dir: plugins
  defaults:
    denied_capabilities: [execution]
  plugins:
    ext:
      enabled: true
      path: ext.so
      config:
        greeting: hi
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.TaskQueue.MaxDeliveries)
	assert.Equal(t, filepath.Join(dir, "plugins"), cfg.Plugins.Dir)
	require.Contains(t, cfg.Plugins.Plugins, "ext")
	assert.Equal(t, "hi", cfg.Plugins.Plugins["ext"].Config["greeting"])
	assert.Len(t, cfg.Plugins.Defaults.DeniedCapabilities, 1)

	bad := writeFile(t, dir, "bad.yaml", "plugins:\n  plugins:\n    ext:\n      enabled: true\n")
	_, err = Load(bad)
	assert.ErrorContains(t, err, "path cannot be empty")
}
