package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWritesFileOutputs(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "logs", "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	set, err := New(Config{
		Level:       "warn",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	require.NoError(t, err)

	set.Default.Info("dropped")
	set.Default.Warn("kept", slog.String("component", "test"))
	set.Audit.With(slog.String("stream", StreamTool)).Info("工具执行成功", slog.String("tool", "system.echo"))
	require.NoError(t, set.Close())

	raw, err := os.ReadFile(appPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, "test", record["component"])

	raw, err = os.ReadFile(auditPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, true, record["audit"])
	assert.Equal(t, StreamTool, record["stream"])
	assert.Equal(t, "system.echo", record["tool"])
}

func TestNewTextFormatAndAuditFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	set, err := New(Config{Format: "text", OutputPaths: []string{path}})
	require.NoError(t, err)
	set.Audit.Info("流水线完成")
	require.NoError(t, set.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "msg=流水线完成")
	assert.Contains(t, string(raw), "audit=true")
}

func TestNewRejectsAuditWithoutPath(t *testing.T) {
	_, err := New(Config{OutputPaths: []string{"stderr"}, Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}
