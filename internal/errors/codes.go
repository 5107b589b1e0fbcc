package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind 是错误码的粗粒度分类，HTTP 层据此选择状态码。
type Kind string

const (
	KindInternal      Kind = "internal"
	KindInvalid       Kind = "invalid"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindForbidden     Kind = "forbidden"
	KindTimeout       Kind = "timeout"
	KindUnavailable   Kind = "unavailable"
	KindUnprocessable Kind = "unprocessable"
)

// Attributes 为错误码提供默认行为。Kind 为空时按 KindInternal 处理。
type Attributes struct {
	Message   string
	Kind      Kind
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeCancelled             Code = "CANCELLED"
	CodeTimeout               Code = "TIMEOUT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Kind: KindInternal, Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Kind: KindInvalid, Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Kind: KindNotFound, Severity: SeverityInfo},
		CodePermissionDenied:      {Message: "permission denied", Kind: KindForbidden, Severity: SeverityWarning},
		CodeCancelled:             {Message: "operation cancelled", Kind: KindConflict, Severity: SeverityInfo},
		CodeTimeout:               {Message: "operation timed out", Kind: KindTimeout, Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeInitializationFailure: {Message: "service not initialized", Kind: KindUnavailable, Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Kind: KindInternal, Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Kind: KindInternal, Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeExecutorFailure:       {Message: "executor failure", Kind: KindInternal, Severity: SeverityWarning, Retryable: true, Alert: true},
	}
)

// Register 允许业务模块在 init 阶段注册新的错误码。重复注册会覆盖旧值。
func Register(code Code, attr Attributes) {
	if attr.Kind == "" {
		attr.Kind = KindInternal
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// KindOf 返回错误链上统一错误码的分类，非统一错误返回 KindInternal。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return AttributesOf(CodeOf(err)).Kind
}
