package pythonbridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/llm"
)

// writeScript 写出一个 shell 脚本代替 Python 解释器运行。
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "bridge.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700))
	return path
}

func ask(t *testing.T, script string, env ...string) (*llm.Response, error) {
	t.Helper()
	client, err := NewClient("/bin/sh", script, t.TempDir(), env...)
	require.NoError(t, err)
	return client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "plan"}},
		JSON:     true,
	})
}

func TestGenerateEchoesRequest(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "request.json")
	script := writeScript(t, `cat > "$DUMP"
echo '{"content":"{\"steps\":[]}","model":"local","usage":{"prompt_tokens":4,"completion_tokens":2}}'
`)
	resp, err := ask(t, script, "DUMP="+dump)
	require.NoError(t, err)
	assert.Equal(t, `{"steps":[]}`, resp.Content)
	assert.Equal(t, "local", resp.Model)
	assert.Equal(t, 4, resp.Usage.PromptTokens)

	raw, err := os.ReadFile(dump)
	require.NoError(t, err)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, true, sent["json"])
	assert.Len(t, sent["messages"], 1)
}

func TestGenerateErrors(t *testing.T) {
	cases := map[string]struct {
		body string
		code xerrors.Code
		text string
	}{
		"exit status":   {"echo 'model missing' >&2\nexit 3\n", llm.CodeModelUnavailable, "model missing"},
		"not json":      {"echo hello\n", llm.CodeModelUnavailable, "解析"},
		"empty content": {"echo '{\"content\":\"  \"}'\n", llm.CodeModelUnavailable, "输出为空"},
		"script error":  {"echo '{\"error\":\"quota exceeded\"}'\n", llm.CodeModelRejected, "quota exceeded"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ask(t, writeScript(t, "cat >/dev/null\n"+tc.body))
			require.Error(t, err)
			assert.Equal(t, tc.code, xerrors.CodeOf(err))
			assert.Contains(t, err.Error(), tc.text)
		})
	}
}

func TestNewClientAndResolve(t *testing.T) {
	_, err := NewClient("", "", "")
	assert.Error(t, err)

	client, err := NewClient("", "planner.py", "")
	require.NoError(t, err)
	assert.Equal(t, "python3", client.executable)

	_, err = client.Generate(context.Background(), llm.Request{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	assert.Equal(t, "/abs/planner.py", ResolveScriptPath("/base", "/abs/planner.py"))
	assert.Equal(t, filepath.Join("/base", "planner.py"), ResolveScriptPath("/base", "planner.py"))
	assert.Equal(t, "planner.py", ResolveScriptPath("", "planner.py"))
	assert.Equal(t, "", ResolveScriptPath("/base", ""))
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd", b.String())
}
