package task

import (
	"context"
	"log/slog"
	"time"

	"OpenMCP-Orchestrator/internal/bus"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Processor 从队列消费 AI 任务 ID，从存储加载任务并提交给编排器。
type Processor struct {
	orchestrator *Orchestrator
	storage      TaskStorage
	consumer     Consumer
	workerCount  int
	logger       *slog.Logger
	alerter      alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(orchestrator *Orchestrator, storage TaskStorage, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		orchestrator: orchestrator,
		storage:      storage,
		consumer:     consumer,
		workerCount:  1,
		logger:       logger.Named("task.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 阻塞消费队列直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.storage == nil || p.orchestrator == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	ai, err := p.storage.GetTask(ctx, taskID)
	if err != nil {
		if IsTaskError(err, CodeTaskNotFound) {
			p.logger.Debug("跳过不存在的任务", slog.String("task_id", taskID))
			return nil
		}
		wrapped := xerrors.Wrap(CodeTaskProcessing, err, "加载 AI 任务失败")
		p.emitAlert(ctx, alerting.Event{TaskID: taskID, Code: CodeTaskProcessing, Message: wrapped.Error()}, "load")
		return wrapped
	}
	if ai.Status.IsTerminal() {
		p.logger.Debug("跳过已结束的任务", slog.String("task_id", taskID), slog.String("status", string(ai.Status)))
		return nil
	}
	if _, known := p.orchestrator.GetAITask(taskID); known {
		p.logger.Debug("跳过已在执行的任务", slog.String("task_id", taskID))
		return nil
	}

	ai.resetForResume()
	deps := dependenciesFromMetadata(ai.Metadata)
	if _, err := p.orchestrator.SubmitAITask(ai, WithDependencies(deps...)); err != nil {
		if IsTaskError(err, CodeTaskConflict) {
			return nil
		}
		p.logger.Error("提交 AI 任务失败", slog.String("task_id", taskID), slog.Any("error", err))
		if IsTaskError(err, CodeTaskValidation) {
			if storeErr := p.storage.UpdateTaskStatus(ctx, taskID, AIStatusFailed, errorText(err)); storeErr != nil {
				p.logger.Error("回写失败状态出错", slog.String("task_id", taskID), slog.Any("error", storeErr))
			}
			return nil
		}
		return xerrors.Wrap(CodeTaskProcessing, err, "提交 AI 任务失败")
	}
	logger.Audit(logger.StreamTask).Info("AI 任务开始处理", slog.String("task_id", taskID), slog.Int("steps", len(ai.Steps)))
	return nil
}

func dependenciesFromMetadata(metadata map[string]any) []string {
	switch v := metadata[metadataDependencies].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// AlertOnFailure 订阅 aitask:failed 事件并转为告警。
// 告警在独立协程中发送，不阻塞事件投递。返回取消订阅函数。
func (p *Processor) AlertOnFailure(b *bus.Bus) func() {
	if p.alerter == nil {
		return func() {}
	}
	return bus.Subscribe(b, AITaskTopic, EventAIFailed, func(ev bus.Event[AITaskEvent]) {
		event := alerting.Event{
			Code:       CodeAITaskStepFailed,
			Message:    ev.Payload.Error,
			TaskID:     ev.Payload.TaskID,
			StepID:     ev.Payload.StepID,
			Tool:       ev.Payload.Tool,
			OccurredAt: ev.Time,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.emitAlert(ctx, event, "aitask_failed")
		}()
	})
}

func (p *Processor) emitAlert(ctx context.Context, event alerting.Event, stage string) {
	if p == nil || p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(event.Code)
	if event.Message == "" {
		event.Message = attrs.Message
	}
	if event.Severity == "" {
		event.Severity = attrs.Severity
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", event.TaskID),
			slog.String("stage", stage),
		)
	}
}
