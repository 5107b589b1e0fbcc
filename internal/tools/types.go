package tools

import (
	"context"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Category 表示工具所属的类别，取值为封闭集合。
type Category string

const (
	CategoryFile    Category = "file"
	CategoryShell   Category = "shell"
	CategoryNetwork Category = "network"
	CategoryAI      Category = "ai"
	CategorySystem  Category = "system"
	CategoryData    Category = "data"
	CategoryTask    Category = "task"
)

// IsValidCategory 检查类别是否为支持的枚举值。
func IsValidCategory(c Category) bool {
	switch c {
	case CategoryFile, CategoryShell, CategoryNetwork, CategoryAI, CategorySystem, CategoryData, CategoryTask:
		return true
	default:
		return false
	}
}

// ParameterType 描述参数的声明类型。
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeInteger ParameterType = "integer"
	TypeBoolean ParameterType = "boolean"
	TypeArray   ParameterType = "array"
	TypeObject  ParameterType = "object"
)

func isValidParameterType(t ParameterType) bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
		return true
	default:
		return false
	}
}

// Parameter 描述工具的一个参数。数组参数通过 Items 描述元素，
// 对象参数通过 Properties 描述嵌套结构。
type Parameter struct {
	Name        string        `json:"name"`
	Type        ParameterType `json:"type"`
	Description string        `json:"description,omitempty"`
	Required    bool          `json:"required"`
	Enum        []string      `json:"enum,omitempty"`
	Items       *Parameter    `json:"items,omitempty"`
	Properties  []Parameter   `json:"properties,omitempty"`
}

// Definition 描述一个可注册的工具。以某个名字注册后不可变更。
type Definition struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Category     Category    `json:"category"`
	Parameters   []Parameter `json:"parameters,omitempty"`
	Permissions  []string    `json:"permissions,omitempty"`
	Reversible   bool        `json:"reversible"`
	Dangerous    bool        `json:"dangerous"`
	RequiresPeer bool        `json:"requires_peer,omitempty"`
}

// Func 是工具的执行函数。ctx 携带执行超时，实现应当在 ctx 结束时尽快返回。
type Func func(ctx context.Context, params map[string]any, ectx ExecutionContext) (any, error)

// Tool 是注册表中保存的定义与执行函数组合。
type Tool struct {
	Definition
	Func Func `json:"-"`
}

// ExecutionContext 由调用方传入，执行器自身不会持久化。
type ExecutionContext struct {
	UserID      string    `json:"user_id"`
	PeerID      string    `json:"peer_id,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ResultMetadata 保存可逆工具的状态快照与撤销提示。
type ResultMetadata struct {
	Reversible  bool   `json:"reversible"`
	BeforeState any    `json:"before_state,omitempty"`
	AfterState  any    `json:"after_state,omitempty"`
	UndoCommand string `json:"undo_command,omitempty"`
}

// Result 是一次工具调用的结果。失败以数据形式返回，而不是 error。
type Result struct {
	Tool      string          `json:"tool"`
	Success   bool            `json:"success"`
	Data      any             `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode xerrors.Code    `json:"error_code,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Metadata  *ResultMetadata `json:"metadata,omitempty"`
}

// Call 描述批量执行中的一次调用。
type Call struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

const (
	CodeToolDuplicate         xerrors.Code = "TOOL_DUPLICATE"
	CodeToolDefinitionInvalid xerrors.Code = "TOOL_DEFINITION_INVALID"
	CodeToolNotFound          xerrors.Code = "TOOL_NOT_FOUND"
	CodeToolPermissionDenied  xerrors.Code = "TOOL_PERMISSION_DENIED"
	CodeToolPeerRequired      xerrors.Code = "TOOL_PEER_REQUIRED"
	CodeToolParameterInvalid  xerrors.Code = "TOOL_PARAMETER_INVALID"
	CodeToolTimeout           xerrors.Code = "TOOL_EXECUTION_TIMEOUT"
	CodeToolExecutionFailed   xerrors.Code = "TOOL_EXECUTION_FAILED"
)

func init() {
	xerrors.Register(CodeToolDuplicate, xerrors.Attributes{
		Message:   "tool already registered",
		Kind:      xerrors.KindConflict,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolDefinitionInvalid, xerrors.Attributes{
		Message:   "invalid tool definition",
		Kind:      xerrors.KindInvalid,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:   "tool not found",
		Kind:      xerrors.KindNotFound,
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolPermissionDenied, xerrors.Attributes{
		Message:   "permission denied",
		Kind:      xerrors.KindForbidden,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolPeerRequired, xerrors.Attributes{
		Message:   "tool requires a peer",
		Kind:      xerrors.KindInvalid,
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolParameterInvalid, xerrors.Attributes{
		Message:   "parameter validation failed",
		Kind:      xerrors.KindInvalid,
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolTimeout, xerrors.Attributes{
		Message:   "tool execution timed out",
		Kind:      xerrors.KindTimeout,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeToolExecutionFailed, xerrors.Attributes{
		Message:   "tool execution failed",
		Kind:      xerrors.KindUnprocessable,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

func cloneDefinition(def Definition) Definition {
	clone := def
	clone.Permissions = append([]string(nil), def.Permissions...)
	if def.Parameters != nil {
		clone.Parameters = make([]Parameter, len(def.Parameters))
		for i, p := range def.Parameters {
			clone.Parameters[i] = cloneParameter(p)
		}
	}
	return clone
}

func cloneParameter(p Parameter) Parameter {
	clone := p
	clone.Enum = append([]string(nil), p.Enum...)
	if p.Items != nil {
		items := cloneParameter(*p.Items)
		clone.Items = &items
	}
	if p.Properties != nil {
		clone.Properties = make([]Parameter, len(p.Properties))
		for i, prop := range p.Properties {
			clone.Properties[i] = cloneParameter(prop)
		}
	}
	return clone
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

// hasAll 判断 granted 是否包含 required 中的全部权限。
func hasAll(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

func missingPermissions(granted, required []string) []string {
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}
	var missing []string
	for _, r := range required {
		if _, ok := set[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}
