package task

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// metadataDependencies 是排队提交时记录依赖的元数据键。
const metadataDependencies = "depends_on"

// SubmitRequest 描述一次 AI 任务提交。
type SubmitRequest struct {
	ID           string         `json:"id,omitempty"`
	Prompt       string         `json:"prompt"`
	UserID       string         `json:"user_id,omitempty"`
	Permissions  []string       `json:"-"`
	Priority     Priority       `json:"priority"`
	Steps        []TaskStep     `json:"steps"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Service 负责 AI 任务的提交与查询。配置了队列时任务先落库再投递，
// 由 Processor 消费后交给编排器；否则直接提交给编排器。
type Service struct {
	orchestrator *Orchestrator
	storage      TaskStorage
	producer     Producer
	authorize    StepAuthorizer
}

// StepAuthorizer 检查提交者能否调用某个工具，拒绝时返回带错误码的错误。
type StepAuthorizer func(ctx context.Context, userID string, permissions []string, tool string) error

// ServiceOption 配置 Service。
type ServiceOption func(*Service)

// WithStepAuthorizer 让 Submit 在接受任务前逐个检查步骤工具的权限。
func WithStepAuthorizer(fn StepAuthorizer) ServiceOption {
	return func(s *Service) { s.authorize = fn }
}

// NewService 构造任务服务。storage 与 producer 均可为空。
func NewService(orchestrator *Orchestrator, storage TaskStorage, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{orchestrator: orchestrator, storage: storage, producer: producer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Queued 表示提交是否经过消息队列。
func (s *Service) Queued() bool {
	return s.producer != nil
}

// Submit 创建 AI 任务。同一用户带 ID 的重复提交返回已有任务，
// ID 被其他用户占用时返回冲突。配置了 StepAuthorizer 时任一步骤未授权即拒绝整个任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*AITask, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务提示词不能为空")
	}
	if len(req.Steps) == 0 {
		return nil, xerrors.New(CodeTaskValidation, "AI 任务至少需要一个步骤")
	}
	if s.orchestrator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if s.producer != nil && s.storage == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "排队提交需要任务存储")
	}

	if id := strings.TrimSpace(req.ID); id != "" {
		existing, err := s.Get(ctx, id)
		if err == nil {
			if existing.UserID != req.UserID {
				return nil, xerrors.Newf(CodeTaskConflict, "任务 ID %s 已被占用", id)
			}
			return existing, nil
		}
		if !errors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	}

	ai := NewAITask(req.Prompt, req.Steps...)
	if id := strings.TrimSpace(req.ID); id != "" {
		ai.ID = id
	}
	ai.UserID = req.UserID
	ai.Priority = req.Priority
	ai.Metadata = cloneMetadata(req.Metadata)
	if err := validateSteps(ai); err != nil {
		return nil, err
	}
	if err := validateDependencies(ai.ID, req.Dependencies); err != nil {
		return nil, err
	}
	if s.authorize != nil {
		for _, step := range ai.Steps {
			if err := s.authorize(ctx, ai.UserID, req.Permissions, step.Tool); err != nil {
				return nil, err
			}
		}
	}

	if s.producer == nil {
		id, err := s.orchestrator.SubmitAITask(ai, WithDependencies(req.Dependencies...))
		if err != nil {
			return nil, err
		}
		logger.Audit(logger.StreamTask).Info("AI 任务已提交",
			slog.String("task_id", id),
			slog.String("user_id", ai.UserID),
			slog.Int("steps", len(ai.Steps)),
		)
		snapshot, _ := s.orchestrator.GetAITask(id)
		return snapshot, nil
	}

	if len(req.Dependencies) > 0 {
		if ai.Metadata == nil {
			ai.Metadata = make(map[string]any, 1)
		}
		ai.Metadata[metadataDependencies] = append([]string(nil), req.Dependencies...)
	}
	if err := s.storage.SaveTask(ctx, ai); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, ai.ID); err != nil {
		logger.L().Error("AI 任务入队失败", slog.Any("error", err), slog.String("task_id", ai.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		if storeErr := s.storage.UpdateTaskStatus(ctx, ai.ID, AIStatusFailed, wrapped.Error()); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", ai.ID))
		}
		return nil, wrapped
	}
	logger.Audit(logger.StreamTask).Info("AI 任务入队成功",
		slog.String("task_id", ai.ID),
		slog.String("user_id", ai.UserID),
		slog.Int("steps", len(ai.Steps)),
	)
	return ai, nil
}

// Get 返回 AI 任务。编排器中的实时状态优先于存储中的记录。
func (s *Service) Get(ctx context.Context, id string) (*AITask, error) {
	if s.orchestrator != nil {
		if ai, ok := s.orchestrator.GetAITask(id); ok {
			return ai, nil
		}
	}
	if s.storage == nil {
		return nil, ErrTaskNotFound
	}
	return s.storage.GetTask(ctx, id)
}

// List 返回符合过滤条件的 AI 任务。未配置存储时列出编排器内存中的任务。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*AITask, error) {
	options := BuildListOptions(opts...)
	if s.storage != nil {
		return s.storage.ListTasks(ctx, options)
	}
	if s.orchestrator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	all := s.orchestrator.GetAllAITasks()
	matched := make([]*AITask, 0, len(all))
	for _, ai := range all {
		if options.matches(ai) {
			matched = append(matched, ai)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if options.Order == SortByCreatedAsc {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if options.Offset >= len(matched) {
		return []*AITask{}, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return matched, nil
}

// Cancel 取消 AI 任务。尚在队列中未被消费的任务直接在存储中标记为失败，
// Processor 随后会跳过它。
func (s *Service) Cancel(ctx context.Context, id string) error {
	if s.orchestrator != nil {
		err := s.orchestrator.CancelTask(id)
		if err == nil || !IsTaskError(err, CodeTaskNotFound) {
			return err
		}
	}
	if s.storage == nil {
		return xerrors.Newf(CodeTaskNotFound, "任务 %s 不存在", id)
	}
	ai, err := s.storage.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if ai.Status.IsTerminal() {
		return xerrors.Newf(CodeTaskConflict, "任务 %s 已处于 %s 状态", id, ai.Status)
	}
	return s.storage.UpdateTaskStatus(ctx, id, AIStatusFailed, "cancelled")
}

// WaitUntilCompleted 轮询直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*AITask, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ai, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ai.Status.IsTerminal() {
			return ai, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放队列与存储。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.storage != nil {
		errs = append(errs, s.storage.Close())
	}
	return errors.Join(errs...)
}
