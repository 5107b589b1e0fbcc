package task

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Orchestrator/internal/bus"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/pkg/logger"
)

// DefaultMaxConcurrent 是未配置时同时运行的任务上限。
const DefaultMaxConcurrent = 3

// StepExecutor 执行 AI 任务中的单个步骤，通常由工具执行器适配而来。
type StepExecutor func(ctx context.Context, tool string, args map[string]any, stepID string) (any, error)

// Stats 汇总编排器当前的任务分布。
type Stats struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	ActiveSlots   int `json:"active_slots"`
	MaxConcurrent int `json:"max_concurrent"`
	PeakRunning   int `json:"peak_running"`
	AITasks       int `json:"ai_tasks"`
}

// Orchestrator 是带优先级与依赖约束的有界并发调度器，并在其上提供 AI 任务的顺序步骤执行。
//
// 所有状态由一把互斥锁保护。事件与持久化操作在锁内按发生顺序排入发件箱，
// 释放锁时由当前持锁者依次投递，因此订阅者可以在回调中再次调用编排器；
// 但订阅者收到事件时，触发该事件的调用可能尚未返回。
type Orchestrator struct {
	mu            sync.Mutex
	tasks         map[string]*Task
	order         []string
	queue         []*Task
	running       map[string]context.CancelFunc
	dependents    map[string][]string
	aiTasks       map[string]*AITask
	aiOrder       []string
	maxConcurrent int
	peakRunning   int
	cascade       bool
	stepExecutor  StepExecutor
	storage       TaskStorage
	events        *bus.Bus
	logger        *slog.Logger

	outbox   []func()
	flushing bool
	changed  chan struct{}

	baseCtx context.Context
	stop    context.CancelFunc
}

// OrchestratorOption 定义编排器的可选配置。
type OrchestratorOption func(*Orchestrator)

// WithMaxConcurrent 设置同时运行的任务上限。
func WithMaxConcurrent(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithCascadeFailures 开启后，失败或取消的任务会把仍在等待它的任务标记为失败。
// 默认关闭，此时这些任务保持 PENDING。
func WithCascadeFailures(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.cascade = enabled
	}
}

// WithStepExecutor 注入 AI 任务的步骤执行回调。
func WithStepExecutor(fn StepExecutor) OrchestratorOption {
	return func(o *Orchestrator) {
		o.stepExecutor = fn
	}
}

// WithStorage 配置 AI 任务的持久化协作者。写入失败只记录日志。
func WithStorage(s TaskStorage) OrchestratorOption {
	return func(o *Orchestrator) {
		o.storage = s
	}
}

// WithEventBus 配置生命周期事件的发布通道。
func WithEventBus(b *bus.Bus) OrchestratorOption {
	return func(o *Orchestrator) {
		o.events = b
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator 构造编排器。
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		tasks:         make(map[string]*Task),
		running:       make(map[string]context.CancelFunc),
		dependents:    make(map[string][]string),
		aiTasks:       make(map[string]*AITask),
		maxConcurrent: DefaultMaxConcurrent,
		logger:        logger.Named("task.orchestrator"),
		changed:       make(chan struct{}),
		baseCtx:       ctx,
		stop:          stop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Close 取消所有运行中任务的上下文。已排队的任务不再启动。
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.maxConcurrent = 0
	o.mu.Unlock()
	o.stop()
}

// AddTask 登记一个任务。依赖全部完成时立即入队，否则保持 PENDING。
// 返回任务 ID，调用方未提供时自动生成。
func (o *Orchestrator) AddTask(t *Task) (string, error) {
	if t == nil {
		return "", xerrors.New(CodeTaskValidation, "task 不能为空")
	}
	if t.Execute == nil {
		return "", xerrors.Newf(CodeTaskValidation, "任务 %s 缺少执行体", t.ID)
	}
	task := t.clone()
	if strings.TrimSpace(task.ID) == "" {
		task.ID = uuid.NewString()
	}
	if err := validateDependencies(task.ID, task.Dependencies); err != nil {
		return "", err
	}

	o.mu.Lock()
	if _, exists := o.tasks[task.ID]; exists {
		o.mu.Unlock()
		return "", xerrors.Newf(CodeTaskConflict, "任务 %s 已存在", task.ID)
	}
	o.addLocked(task)
	o.unlock()
	return task.ID, nil
}

func validateDependencies(id string, deps []string) error {
	for _, dep := range deps {
		if strings.TrimSpace(dep) == "" {
			return xerrors.Newf(CodeTaskValidation, "任务 %s 含有空依赖", id)
		}
		if dep == id {
			return xerrors.Newf(CodeTaskValidation, "任务 %s 不能依赖自身", id)
		}
	}
	return nil
}

func (o *Orchestrator) addLocked(task *Task) {
	task.Status = StatusPending
	task.CreatedAt = time.Now()
	task.StartedAt, task.CompletedAt = time.Time{}, time.Time{}
	task.Result, task.Error = nil, ""
	o.tasks[task.ID] = task
	o.order = append(o.order, task.ID)
	o.emitTaskLocked(EventTaskAdded, task)

	ready := true
	blockedBy := ""
	for _, dep := range task.Dependencies {
		d, known := o.tasks[dep]
		if known && d.Status == StatusCompleted {
			continue
		}
		ready = false
		o.dependents[dep] = append(o.dependents[dep], task.ID)
		if known && (d.Status == StatusFailed || d.Status == StatusCancelled) {
			blockedBy = dep
		}
	}
	switch {
	case blockedBy != "" && o.cascade:
		o.cascadeLocked(task, blockedBy)
	case ready:
		o.enqueueLocked(task)
	}
	o.processQueueLocked()
}

// enqueueLocked 把任务插在第一个优先级严格更低的任务之前，同优先级保持先进先出。
func (o *Orchestrator) enqueueLocked(task *Task) {
	task.Status = StatusQueued
	idx := len(o.queue)
	for i, queued := range o.queue {
		if queued.Priority < task.Priority {
			idx = i
			break
		}
	}
	o.queue = slices.Insert(o.queue, idx, task)
	o.emitTaskLocked(EventTaskQueued, task)
}

func (o *Orchestrator) processQueueLocked() {
	for len(o.queue) > 0 && len(o.running) < o.maxConcurrent {
		next := o.queue[0]
		o.queue = o.queue[1:]
		if next.Status != StatusQueued {
			continue
		}
		o.startLocked(next)
	}
}

func (o *Orchestrator) startLocked(task *Task) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	task.Status = StatusRunning
	task.StartedAt = time.Now()
	o.running[task.ID] = cancel
	if len(o.running) > o.peakRunning {
		o.peakRunning = len(o.running)
	}
	o.emitTaskLocked(EventTaskStarted, task)
	go o.run(ctx, cancel, task.ID, task.Execute)
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, id string, fn Func) {
	defer cancel()
	result, err := invoke(ctx, fn)

	o.mu.Lock()
	delete(o.running, id)
	task := o.tasks[id]
	if task.Status == StatusCancelled {
		o.logger.Debug("丢弃已取消任务的结果", slog.String("task_id", id))
	} else {
		task.CompletedAt = time.Now()
		if err != nil {
			task.Status = StatusFailed
			task.Error = err.Error()
			o.emitTaskLocked(EventTaskFailed, task)
		} else {
			task.Status = StatusCompleted
			task.Result = result
			o.emitTaskLocked(EventTaskCompleted, task)
		}
		o.settleLocked(task)
	}
	o.processQueueLocked()
	o.unlock()
}

func invoke(ctx context.Context, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// settleLocked 只检查直接依赖刚结束任务的那些任务。
func (o *Orchestrator) settleLocked(task *Task) {
	waiting := o.dependents[task.ID]
	if len(waiting) == 0 {
		return
	}
	switch task.Status {
	case StatusCompleted:
		delete(o.dependents, task.ID)
		for _, id := range waiting {
			dep := o.tasks[id]
			if dep == nil || dep.Status != StatusPending {
				continue
			}
			if o.dependenciesMetLocked(dep) {
				o.enqueueLocked(dep)
			}
		}
	case StatusFailed, StatusCancelled:
		if !o.cascade {
			return
		}
		delete(o.dependents, task.ID)
		for _, id := range waiting {
			dep := o.tasks[id]
			if dep == nil || dep.Status != StatusPending {
				continue
			}
			o.cascadeLocked(dep, task.ID)
		}
	}
}

func (o *Orchestrator) dependenciesMetLocked(task *Task) bool {
	for _, dep := range task.Dependencies {
		d, ok := o.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (o *Orchestrator) cascadeLocked(task *Task, cause string) {
	msg := fmt.Sprintf("dependency %s did not complete", cause)
	task.Status = StatusFailed
	task.Error = msg
	task.CompletedAt = time.Now()
	o.emitTaskLocked(EventTaskFailed, task)
	o.failAILocked(task.ID, msg)
	o.settleLocked(task)
}

// CancelTask 取消任务。排队中的任务不会再启动；运行中的任务只会收到上下文取消，
// 状态立即记为 CANCELLED，其迟到的结果被丢弃。
func (o *Orchestrator) CancelTask(id string) error {
	o.mu.Lock()
	task, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return xerrors.Newf(CodeTaskNotFound, "任务 %s 不存在", id)
	}
	if task.Status.IsTerminal() {
		o.mu.Unlock()
		return xerrors.Newf(CodeTaskConflict, "任务 %s 已处于 %s 状态", id, task.Status)
	}

	previous := task.Status
	task.Status = StatusCancelled
	task.CompletedAt = time.Now()
	switch previous {
	case StatusQueued:
		o.queue = slices.DeleteFunc(o.queue, func(t *Task) bool { return t.ID == id })
	case StatusRunning:
		if cancel := o.running[id]; cancel != nil {
			cancel()
		}
	}
	o.emitTaskLocked(EventTaskCancelled, task)
	o.failAILocked(id, "cancelled")
	o.settleLocked(task)
	o.processQueueLocked()
	o.unlock()
	return nil
}

// GetTask 返回任务快照。
func (o *Orchestrator) GetTask(id string) (*Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[id]
	if !ok {
		return nil, false
	}
	return task.clone(), true
}

// GetAllTasks 按登记顺序返回全部任务快照。
func (o *Orchestrator) GetAllTasks() []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Task, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.tasks[id].clone())
	}
	return out
}

// GetTasksByStatus 按登记顺序返回处于指定状态的任务快照。
func (o *Orchestrator) GetTasksByStatus(status Status) []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Task, 0)
	for _, id := range o.order {
		if task := o.tasks[id]; task.Status == status {
			out = append(out, task.clone())
		}
	}
	return out
}

// GetStats 返回各状态的任务数量。
func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := Stats{
		Total:         len(o.tasks),
		ActiveSlots:   len(o.running),
		MaxConcurrent: o.maxConcurrent,
		PeakRunning:   o.peakRunning,
		AITasks:       len(o.aiTasks),
	}
	for _, task := range o.tasks {
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// WaitForAll 阻塞直到没有运行中或排队中的任务，且所有事件已投递。
// 等待依赖而停留在 PENDING 的任务不计入。timeout 为 0 表示只受 ctx 约束。
// 不要在事件订阅回调中调用。
func (o *Orchestrator) WaitForAll(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		o.mu.Lock()
		idle := len(o.running) == 0 && len(o.queue) == 0 && len(o.outbox) == 0 && !o.flushing
		changed := o.changed
		o.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-changed:
		case <-deadline:
			return xerrors.Newf(CodeWaitTimeout, "等待 %s 后仍有任务未结束", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// unlock 释放锁前投递发件箱中的事件与持久化操作。投递期间锁被释放，
// 期间其他调用追加的条目由当前投递者继续处理，以保持全局顺序。
func (o *Orchestrator) unlock() {
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	for len(o.outbox) > 0 {
		batch := o.outbox
		o.outbox = nil
		o.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		o.mu.Lock()
	}
	o.flushing = false
	close(o.changed)
	o.changed = make(chan struct{})
	metrics.SetOrchestratorLoad(len(o.running), len(o.queue))
	o.mu.Unlock()
}

func (o *Orchestrator) emitTaskLocked(name string, task *Task) {
	ev := TaskEvent{
		TaskID:   task.ID,
		Name:     task.Name,
		Priority: task.Priority,
		Status:   task.Status,
		Error:    task.Error,
		At:       time.Now(),
	}
	metrics.ObserveTaskTransition("task", string(task.Status))
	o.logger.Debug("任务状态变更",
		slog.String("task_id", task.ID),
		slog.String("event", name),
		slog.String("priority", task.Priority.String()),
	)
	events := o.events
	o.outbox = append(o.outbox, func() {
		bus.Publish(events, TaskTopic, name, ev)
	})
}

func (o *Orchestrator) emitAILocked(name string, ev AITaskEvent) {
	ev.At = time.Now()
	metrics.ObserveTaskTransition("aitask", string(ev.Status))
	events := o.events
	o.outbox = append(o.outbox, func() {
		bus.Publish(events, AITaskTopic, name, ev)
	})
}

func (o *Orchestrator) persistLocked(op string, fn func(ctx context.Context, s TaskStorage) error) {
	if o.storage == nil {
		return
	}
	storage, log := o.storage, o.logger
	o.outbox = append(o.outbox, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx, storage); err != nil {
			log.Warn("持久化 AI 任务失败", slog.String("op", op), slog.Any("error", err))
		}
	})
}
