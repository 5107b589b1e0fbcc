package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Priority 是任务的调度优先级，数值越大越先执行。
type Priority int

// 零值为 PriorityNormal。
const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

// String 返回优先级名称。
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority 解析不区分大小写的优先级名称，空字符串视为 NORMAL。
func ParsePriority(s string) (Priority, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNormal, xerrors.Newf(CodeTaskValidation, "unknown priority %q", s)
}

// MarshalText 让优先级在 JSON 中以名称出现。
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status 表示通用任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Func 是任务的执行体。ctx 在任务被取消或编排器关闭时结束。
type Func func(ctx context.Context) (any, error)

// Task 是编排器调度的通用单元。创建后只由编排器修改。
type Task struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Priority     Priority  `json:"priority"`
	Status       Status    `json:"status"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Execute      Func      `json:"-"`
	Result       any       `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
}

func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	return &c
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeTaskNotFound     xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict     xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation   xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish      xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing   xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeAITaskStepFailed xerrors.Code = "AITASK_STEP_FAILED"
	CodeWaitTimeout      xerrors.Code = "WAIT_TIMEOUT"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Kind:      xerrors.KindNotFound,
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Kind:      xerrors.KindConflict,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Kind:      xerrors.KindInvalid,
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAITaskStepFailed, xerrors.Attributes{
		Message:   "ai task step failed",
		Kind:      xerrors.KindUnprocessable,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeWaitTimeout, xerrors.Attributes{
		Message:   "timed out waiting for tasks",
		Kind:      xerrors.KindTimeout,
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

// IsTaskError 判断错误是否携带指定的任务错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	return xerrors.HasCode(err, target)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
