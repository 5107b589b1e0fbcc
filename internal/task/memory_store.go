package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// MemoryStorage 以内存方式保存 AI 任务，主要用于测试与单机部署。
type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[string]*AITask
}

// NewMemoryStorage 创建 MemoryStorage。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tasks: make(map[string]*AITask)}
}

// SaveTask 写入或覆盖整个 AI 任务。
func (m *MemoryStorage) SaveTask(_ context.Context, task *AITask) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask 返回任务副本。
func (m *MemoryStorage) GetTask(_ context.Context, id string) (*AITask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// UpdateTaskStatus 更新任务状态与错误信息。
func (m *MemoryStorage) UpdateTaskStatus(_ context.Context, id string, status AIStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = status
	task.Error = errMsg
	if status.IsTerminal() {
		task.CurrentStepID = ""
	}
	task.UpdatedAt = time.Now()
	return nil
}

// UpdateStepStatus 覆盖指定步骤的状态字段。
func (m *MemoryStorage) UpdateStepStatus(_ context.Context, taskID string, step TaskStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	for i := range task.Steps {
		if task.Steps[i].ID != step.ID {
			continue
		}
		task.Steps[i].Status = step.Status
		task.Steps[i].Result = step.Result
		task.Steps[i].Error = step.Error
		task.Steps[i].StartedAt = step.StartedAt
		task.Steps[i].EndedAt = step.EndedAt
		if step.Status == AIStatusRunning {
			task.CurrentStepID = step.ID
		}
		task.UpdatedAt = time.Now()
		return nil
	}
	return xerrors.Newf(CodeTaskNotFound, "任务 %s 不含步骤 %s", taskID, step.ID)
}

// ListTasks 返回符合过滤条件的任务，默认按创建时间倒序。
func (m *MemoryStorage) ListTasks(_ context.Context, opts ListOptions) ([]*AITask, error) {
	opts.applyDefaults()
	m.mu.RLock()
	results := make([]*AITask, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			results = append(results, task.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			if opts.Order == SortByCreatedAsc {
				return a.ID < b.ID
			}
			return a.ID > b.ID
		}
		if opts.Order == SortByCreatedAsc {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if opts.Offset >= len(results) {
		return []*AITask{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStorage) Close() error {
	return nil
}

var _ TaskStorage = (*MemoryStorage)(nil)
