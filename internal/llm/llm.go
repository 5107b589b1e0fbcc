package llm

import (
	"context"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// 模型调用相关的错误码。
const (
	CodeModelUnavailable xerrors.Code = "LLM_UNAVAILABLE"
	CodeModelRejected    xerrors.Code = "LLM_REQUEST_REJECTED"
)

func init() {
	xerrors.Register(CodeModelUnavailable, xerrors.Attributes{
		Message:   "model backend unavailable",
		Kind:      xerrors.KindUnavailable,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeModelRejected, xerrors.Attributes{
		Message:  "model backend rejected the request",
		Severity: xerrors.SeverityCritical,
	})
}

// Message 是对话中的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request 描述一次补全请求。JSON 为真时要求模型只输出 JSON 对象。
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// Usage 记录一次调用消耗的 token 数，后端未返回时为零。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response 是模型返回的原始文本。
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 让普通函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
