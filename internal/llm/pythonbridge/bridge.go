// Package pythonbridge 通过子进程调用外部脚本完成模型推理，
// 适合接入只有 Python SDK 的本地模型。
package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/llm"
)

const maxStderr = 4096

// Client 每次调用启动一个脚本进程。脚本从 stdin 读取 bridgeRequest，
// 向 stdout 写出 bridgeResponse；error 字段非空视为模型拒绝了请求。
type Client struct {
	executable string
	script     string
	workDir    string
	env        []string
}

type bridgeRequest struct {
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	JSON        bool          `json:"json"`
}

type bridgeResponse struct {
	Content string    `json:"content"`
	Model   string    `json:"model,omitempty"`
	Usage   llm.Usage `json:"usage"`
	Error   string    `json:"error,omitempty"`
}

// NewClient 创建客户端，executable 为空时使用 python3。
func NewClient(executable, script, workDir string, env ...string) (*Client, error) {
	if strings.TrimSpace(script) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if strings.TrimSpace(executable) == "" {
		executable = "python3"
	}
	return &Client{executable: executable, script: script, workDir: workDir, env: env}, nil
}

// Generate 运行脚本并解析其输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "请求中没有消息")
	}
	payload, err := json.Marshal(bridgeRequest{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		JSON:        req.JSON,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	cmd := exec.CommandContext(ctx, c.executable, c.script)
	cmd.Dir = c.workDir
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	stderr := &limitedBuffer{limit: maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(llm.CodeModelUnavailable, err,
			"执行 Python 脚本失败: "+strings.TrimSpace(stderr.String()))
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(llm.CodeModelUnavailable, err, "解析 Python 输出失败")
	}
	if resp.Error != "" {
		return nil, xerrors.New(llm.CodeModelRejected, "Python 脚本返回错误: "+resp.Error)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, xerrors.New(llm.CodeModelUnavailable, "Python 脚本输出为空")
	}
	return &llm.Response{Content: resp.Content, Model: resp.Model, Usage: resp.Usage}, nil
}

// ResolveScriptPath 把相对脚本路径解析到 baseDir 下。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

// limitedBuffer 只保留前 limit 个字节，避免脚本刷屏占满内存。
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

var _ llm.Client = (*Client)(nil)
