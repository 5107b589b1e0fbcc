package task

import (
	"time"

	"OpenMCP-Orchestrator/internal/bus"
)

// TaskEvent 描述通用任务的一次状态迁移。
type TaskEvent struct {
	TaskID   string    `json:"task_id"`
	Name     string    `json:"name"`
	Priority Priority  `json:"priority"`
	Status   Status    `json:"status"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// AITaskEvent 描述 AI 任务或其步骤的一次状态迁移。
type AITaskEvent struct {
	TaskID string    `json:"task_id"`
	StepID string    `json:"step_id,omitempty"`
	Tool   string    `json:"tool,omitempty"`
	Status AIStatus  `json:"status"`
	Result any       `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// TaskTopic 发布 task:added、task:queued、task:started、task:completed、
// task:failed 与 task:cancelled 事件。
var TaskTopic = bus.NewTopic[TaskEvent]("task")

// AITaskTopic 发布 aitask:* 生命周期事件。
var AITaskTopic = bus.NewTopic[AITaskEvent]("aitask")

const (
	EventTaskAdded     = "task:added"
	EventTaskQueued    = "task:queued"
	EventTaskStarted   = "task:started"
	EventTaskCompleted = "task:completed"
	EventTaskFailed    = "task:failed"
	EventTaskCancelled = "task:cancelled"

	EventAICreated       = "aitask:created"
	EventAIStarted       = "aitask:started"
	EventAIStepStarted   = "aitask:step-started"
	EventAIStepCompleted = "aitask:step-completed"
	EventAIStepFailed    = "aitask:step-failed"
	EventAICompleted     = "aitask:completed"
	EventAIFailed        = "aitask:failed"
)
