package task

import "context"

// TaskStorage 抽象了 AI 任务的持久化。编排器以尽力而为的方式调用，写入失败不会中断执行。
type TaskStorage interface {
	SaveTask(ctx context.Context, task *AITask) error
	GetTask(ctx context.Context, id string) (*AITask, error)
	UpdateTaskStatus(ctx context.Context, id string, status AIStatus, errMsg string) error
	UpdateStepStatus(ctx context.Context, taskID string, step TaskStep) error
	ListTasks(ctx context.Context, opts ListOptions) ([]*AITask, error)
	Close() error
}
