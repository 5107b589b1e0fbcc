package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

type submitOptions struct {
	priority     *Priority
	dependencies []string
}

// SubmitOption 调整 AI 任务外层通用任务的调度参数。
type SubmitOption func(*submitOptions)

// WithPriority 覆盖 AI 任务自身的优先级。
func WithPriority(p Priority) SubmitOption {
	return func(o *submitOptions) {
		o.priority = &p
	}
}

// WithDependencies 让 AI 任务在指定任务全部完成后才开始。
func WithDependencies(ids ...string) SubmitOption {
	return func(o *submitOptions) {
		o.dependencies = append(o.dependencies, ids...)
	}
}

// StepResult 是 AI 任务完成后外层任务的结果条目。
type StepResult struct {
	StepID string `json:"step_id"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
}

// SubmitAITask 把 AI 任务包装成与其同 ID 的通用任务提交调度。
// 步骤在外层任务内顺序执行，第一个失败的步骤会终止执行。
func (o *Orchestrator) SubmitAITask(ai *AITask, opts ...SubmitOption) (string, error) {
	if ai == nil {
		return "", xerrors.New(CodeTaskValidation, "AI 任务不能为空")
	}
	if o.stepExecutor == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置步骤执行器")
	}
	options := submitOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	ai = ai.Clone()
	if strings.TrimSpace(ai.ID) == "" {
		ai.ID = uuid.NewString()
	}
	if err := validateSteps(ai); err != nil {
		return "", err
	}
	if err := validateDependencies(ai.ID, options.dependencies); err != nil {
		return "", err
	}
	priority := ai.Priority
	if options.priority != nil {
		priority = *options.priority
	}

	now := time.Now()
	ai.Status = AIStatusPending
	ai.Priority = priority
	if ai.CreatedAt.IsZero() {
		ai.CreatedAt = now
	}
	ai.UpdatedAt = now

	o.mu.Lock()
	if _, exists := o.tasks[ai.ID]; exists {
		o.mu.Unlock()
		return "", xerrors.Newf(CodeTaskConflict, "任务 %s 已存在", ai.ID)
	}
	if _, exists := o.aiTasks[ai.ID]; exists {
		o.mu.Unlock()
		return "", xerrors.Newf(CodeTaskConflict, "AI 任务 %s 已存在", ai.ID)
	}
	o.aiTasks[ai.ID] = ai
	o.aiOrder = append(o.aiOrder, ai.ID)
	snapshot := ai.Clone()
	o.persistLocked("save", func(ctx context.Context, s TaskStorage) error {
		return s.SaveTask(ctx, snapshot)
	})
	o.emitAILocked(EventAICreated, AITaskEvent{TaskID: ai.ID, Status: ai.Status})

	id := ai.ID
	o.addLocked(&Task{
		ID:           id,
		Name:         taskName(ai.Prompt),
		Priority:     priority,
		Dependencies: append([]string(nil), options.dependencies...),
		Execute: func(ctx context.Context) (any, error) {
			return o.executeAITaskSteps(ctx, id)
		},
	})
	o.unlock()
	return id, nil
}

func validateSteps(ai *AITask) error {
	seen := make(map[string]struct{}, len(ai.Steps))
	for i := range ai.Steps {
		ai.Steps[i] = normaliseStep(ai.Steps[i])
		step := ai.Steps[i]
		if strings.TrimSpace(step.Tool) == "" {
			return xerrors.Newf(CodeTaskValidation, "步骤 %s 未指定工具", step.ID)
		}
		if _, dup := seen[step.ID]; dup {
			return xerrors.Newf(CodeTaskValidation, "步骤 ID %s 重复", step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

func taskName(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	runes := []rune(prompt)
	if len(runes) > 48 {
		prompt = string(runes[:48]) + "…"
	}
	return "aitask: " + prompt
}

// executeAITaskSteps 依次执行尚未完成的步骤。步骤失败时把错误返回给外层任务，
// 使其进入 FAILED，后续步骤保持 pending。
func (o *Orchestrator) executeAITaskSteps(ctx context.Context, id string) (any, error) {
	o.mu.Lock()
	ai, ok := o.aiTasks[id]
	if !ok {
		o.mu.Unlock()
		return nil, xerrors.Newf(CodeTaskNotFound, "AI 任务 %s 不存在", id)
	}
	if ai.Status.IsTerminal() {
		o.mu.Unlock()
		return nil, context.Canceled
	}
	ai.Status = AIStatusRunning
	ai.UpdatedAt = time.Now()
	o.persistLocked("status", func(ctx context.Context, s TaskStorage) error {
		return s.UpdateTaskStatus(ctx, id, AIStatusRunning, "")
	})
	o.emitAILocked(EventAIStarted, AITaskEvent{TaskID: id, Status: AIStatusRunning})
	o.unlock()

	for i := 0; ; i++ {
		o.mu.Lock()
		if ai.Status.IsTerminal() {
			o.mu.Unlock()
			return nil, context.Canceled
		}
		if i >= len(ai.Steps) {
			break
		}
		step := &ai.Steps[i]
		if step.Status == AIStatusCompleted {
			o.mu.Unlock()
			continue
		}
		if err := ctx.Err(); err != nil {
			o.failAILocked(id, "cancelled")
			o.unlock()
			return nil, err
		}

		step.Status = AIStatusRunning
		step.StartedAt = time.Now()
		step.EndedAt = time.Time{}
		step.Error = ""
		ai.CurrentStepID = step.ID
		ai.UpdatedAt = step.StartedAt
		tool, args, stepID := step.Tool, cloneMetadata(step.Arguments), step.ID
		owner := ai.UserID
		o.persistStepLocked(id, *step)
		o.emitAILocked(EventAIStepStarted, AITaskEvent{TaskID: id, StepID: stepID, Tool: tool, Status: AIStatusRunning})
		o.unlock()

		result, err := o.invokeStep(WithOwner(ctx, owner), tool, args, stepID)

		o.mu.Lock()
		if ai.Status.IsTerminal() {
			o.mu.Unlock()
			return nil, context.Canceled
		}
		step = &ai.Steps[i]
		step.EndedAt = time.Now()
		ai.UpdatedAt = step.EndedAt
		if err != nil {
			message := errorText(err)
			step.Status = AIStatusFailed
			step.Error = message
			ai.Status = AIStatusFailed
			aiErr := fmt.Sprintf("step %s failed: %s", stepID, message)
			ai.Error = aiErr
			o.persistStepLocked(id, *step)
			o.persistLocked("status", func(ctx context.Context, s TaskStorage) error {
				return s.UpdateTaskStatus(ctx, id, AIStatusFailed, aiErr)
			})
			o.emitAILocked(EventAIStepFailed, AITaskEvent{TaskID: id, StepID: stepID, Tool: tool, Status: AIStatusFailed, Error: message})
			o.emitAILocked(EventAIFailed, AITaskEvent{TaskID: id, StepID: stepID, Tool: tool, Status: AIStatusFailed, Error: aiErr})
			logger.Audit(logger.StreamTask).Warn("AI 任务失败",
				slog.String("task_id", id),
				slog.String("step_id", stepID),
				slog.String("tool", tool),
				slog.String("error", message),
			)
			o.unlock()
			return nil, xerrors.Wrap(CodeAITaskStepFailed, err, fmt.Sprintf("step %s (%s) failed", stepID, tool),
				xerrors.WithMetadata("step_id", stepID))
		}
		step.Status = AIStatusCompleted
		step.Result = result
		o.persistStepLocked(id, *step)
		o.emitAILocked(EventAIStepCompleted, AITaskEvent{TaskID: id, StepID: stepID, Tool: tool, Status: AIStatusCompleted, Result: result})
		o.unlock()
	}

	// 循环以持锁状态退出。
	ai.Status = AIStatusCompleted
	ai.CurrentStepID = ""
	ai.UpdatedAt = time.Now()
	results := make([]StepResult, 0, len(ai.Steps))
	for _, s := range ai.Steps {
		results = append(results, StepResult{StepID: s.ID, Tool: s.Tool, Result: s.Result})
	}
	o.persistLocked("status", func(ctx context.Context, s TaskStorage) error {
		return s.UpdateTaskStatus(ctx, id, AIStatusCompleted, "")
	})
	o.emitAILocked(EventAICompleted, AITaskEvent{TaskID: id, Status: AIStatusCompleted})
	logger.Audit(logger.StreamTask).Info("AI 任务完成", slog.String("task_id", id), slog.Int("steps", len(ai.Steps)))
	o.unlock()
	return results, nil
}

func (o *Orchestrator) invokeStep(ctx context.Context, tool string, args map[string]any, stepID string) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step executor panicked: %v", r)
		}
	}()
	return o.stepExecutor(ctx, tool, args, stepID)
}

// failAILocked 把尚未结束的 AI 任务标记为失败，运行中的步骤一并失败。
func (o *Orchestrator) failAILocked(id, reason string) {
	ai, ok := o.aiTasks[id]
	if !ok || ai.Status.IsTerminal() {
		return
	}
	now := time.Now()
	for i := range ai.Steps {
		if ai.Steps[i].Status == AIStatusRunning {
			ai.Steps[i].Status = AIStatusFailed
			ai.Steps[i].Error = reason
			ai.Steps[i].EndedAt = now
			o.persistStepLocked(id, ai.Steps[i])
		}
	}
	ai.Status = AIStatusFailed
	ai.Error = reason
	ai.UpdatedAt = now
	o.persistLocked("status", func(ctx context.Context, s TaskStorage) error {
		return s.UpdateTaskStatus(ctx, id, AIStatusFailed, reason)
	})
	o.emitAILocked(EventAIFailed, AITaskEvent{TaskID: id, Status: AIStatusFailed, Error: reason})
	logger.Audit(logger.StreamTask).Warn("AI 任务终止", slog.String("task_id", id), slog.String("reason", reason))
}

func (o *Orchestrator) persistStepLocked(taskID string, step TaskStep) {
	step.Arguments = cloneMetadata(step.Arguments)
	o.persistLocked("step", func(ctx context.Context, s TaskStorage) error {
		return s.UpdateStepStatus(ctx, taskID, step)
	})
}

// GetAITask 返回 AI 任务快照。
func (o *Orchestrator) GetAITask(id string) (*AITask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ai, ok := o.aiTasks[id]
	if !ok {
		return nil, false
	}
	return ai.Clone(), true
}

// GetAllAITasks 按提交顺序返回全部 AI 任务快照。
func (o *Orchestrator) GetAllAITasks() []*AITask {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*AITask, 0, len(o.aiOrder))
	for _, id := range o.aiOrder {
		out = append(out, o.aiTasks[id].Clone())
	}
	return out
}

// errorText 返回错误的可读描述，统一错误去掉错误码前缀。
func errorText(err error) string {
	if xe, ok := xerrors.From(err); ok {
		if cause := xe.Unwrap(); cause != nil {
			return xe.Message() + ": " + cause.Error()
		}
		return xe.Message()
	}
	return err.Error()
}
