package task

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AIStatus 是 AI 任务的整体状态。
type AIStatus string

const (
	AIStatusPending   AIStatus = "pending"
	AIStatusRunning   AIStatus = "running"
	AIStatusCompleted AIStatus = "completed"
	AIStatusFailed    AIStatus = "failed"
)

// IsTerminal 判断 AI 任务是否已结束。
func (s AIStatus) IsTerminal() bool {
	return s == AIStatusCompleted || s == AIStatusFailed
}

// IsValidAIStatus 检查 AI 任务状态是否受支持。
func IsValidAIStatus(s AIStatus) bool {
	switch s {
	case AIStatusPending, AIStatusRunning, AIStatusCompleted, AIStatusFailed:
		return true
	default:
		return false
	}
}

// StepStatus 是单个步骤的状态，取值与 AIStatus 相同。
type StepStatus = AIStatus

// TaskStep 是 AI 任务中绑定到一次工具调用的步骤。
type TaskStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Tool        string         `json:"tool"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Status      StepStatus     `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	EndedAt     time.Time      `json:"ended_at,omitzero"`
}

// AITask 代表一次用户请求，被拆解为按顺序执行的步骤。
type AITask struct {
	ID            string         `json:"id"`
	Prompt        string         `json:"prompt"`
	UserID        string         `json:"user_id,omitempty"`
	Priority      Priority       `json:"priority"`
	Status        AIStatus       `json:"status"`
	Steps         []TaskStep     `json:"steps"`
	CurrentStepID string         `json:"current_step_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewAITask 为提示词与步骤构造一个待执行的 AI 任务，缺失的 ID 会自动生成。
func NewAITask(prompt string, steps ...TaskStep) *AITask {
	now := time.Now()
	ai := &AITask{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Priority:  PriorityNormal,
		Status:    AIStatusPending,
		Steps:     make([]TaskStep, 0, len(steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, step := range steps {
		ai.Steps = append(ai.Steps, normaliseStep(step))
	}
	return ai
}

func normaliseStep(step TaskStep) TaskStep {
	if strings.TrimSpace(step.ID) == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = AIStatusPending
	}
	step.Arguments = cloneMetadata(step.Arguments)
	return step
}

// Step 返回指定 ID 的步骤。
func (a *AITask) Step(id string) (TaskStep, bool) {
	for _, s := range a.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return TaskStep{}, false
}

// Clone 返回深拷贝，步骤参数与元数据不与原对象共享。
func (a *AITask) Clone() *AITask {
	if a == nil {
		return nil
	}
	c := *a
	c.Metadata = cloneMetadata(a.Metadata)
	c.Steps = make([]TaskStep, len(a.Steps))
	for i, s := range a.Steps {
		s.Arguments = cloneMetadata(s.Arguments)
		c.Steps[i] = s
	}
	return &c
}

// resetForResume 把中断的运行中步骤恢复为待执行，已完成的步骤保持不变。
func (a *AITask) resetForResume() {
	a.Status = AIStatusPending
	a.CurrentStepID = ""
	a.Error = ""
	for i := range a.Steps {
		if a.Steps[i].Status == AIStatusRunning {
			a.Steps[i].Status = AIStatusPending
			a.Steps[i].StartedAt = time.Time{}
		}
	}
}

type ownerKey struct{}

// WithOwner 把 AI 任务的提交者写入步骤执行的上下文。
func WithOwner(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, userID)
}

// OwnerFromContext 返回步骤所属 AI 任务的提交者，未设置时返回空串。
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
