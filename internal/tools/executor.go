package tools

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Orchestrator/internal/bus"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/pkg/logger"
)

// DefaultTimeout 是单次工具调用的默认超时时间。
const DefaultTimeout = 30 * time.Second

// ExecutionEvent 是每次工具调用结束后发布的事件。
type ExecutionEvent struct {
	Tool      string        `json:"tool"`
	UserID    string        `json:"user_id"`
	SessionID string        `json:"session_id,omitempty"`
	Success   bool          `json:"success"`
	ErrorCode xerrors.Code  `json:"error_code,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Topic 是工具执行事件的主题，事件名为 "tool:executed"。
var Topic = bus.NewTopic[ExecutionEvent]("tool")

// PermissionValidator 判断用户是否持有全部所需权限。
type PermissionValidator interface {
	Validate(ctx context.Context, userID string, required []string) (bool, error)
}

// StateCapturer 为可逆工具采集执行前后的状态快照。
type StateCapturer interface {
	Capture(ctx context.Context, def Definition, params map[string]any, ectx ExecutionContext) (any, error)
}

// HistoryEntry 记录一次完整的工具调用。
type HistoryEntry struct {
	Tool        string           `json:"tool"`
	Params      map[string]any   `json:"params,omitempty"`
	Context     ExecutionContext `json:"context"`
	Result      *Result          `json:"result"`
	BeforeState any              `json:"before_state,omitempty"`
	AfterState  any              `json:"after_state,omitempty"`
	RecordedAt  time.Time        `json:"recorded_at"`
}

// HistoryRecorder 是“发出即忘”的审计接收端。
type HistoryRecorder interface {
	Record(ctx context.Context, entry HistoryEntry)
}

// Executor 负责端到端地安全执行一次工具调用：查找、鉴权、参数校验、
// 状态采集、超时控制与历史记录。
type Executor struct {
	registry       *Registry
	validator      PermissionValidator
	capturer       StateCapturer
	recorder       HistoryRecorder
	events         *bus.Bus
	defaultTimeout time.Duration
	captureState   bool
	logger         *slog.Logger
}

// ExecutorOption 定义执行器的可选配置。
type ExecutorOption func(*Executor)

// WithPermissionValidator 配置权限校验协作者。
func WithPermissionValidator(v PermissionValidator) ExecutorOption {
	return func(e *Executor) {
		e.validator = v
	}
}

// WithStateCapturer 配置可逆工具的状态采集钩子。
func WithStateCapturer(c StateCapturer) ExecutorOption {
	return func(e *Executor) {
		e.capturer = c
	}
}

// WithHistoryRecorder 配置历史记录协作者。
func WithHistoryRecorder(r HistoryRecorder) ExecutorOption {
	return func(e *Executor) {
		e.recorder = r
	}
}

// WithEventBus 配置工具执行事件的发布通道。
func WithEventBus(b *bus.Bus) ExecutorOption {
	return func(e *Executor) {
		e.events = b
	}
}

// WithDefaultTimeout 覆盖默认超时时间。
func WithDefaultTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.defaultTimeout = timeout
		}
	}
}

// WithStateCaptureByDefault 使所有调用默认开启状态采集。
func WithStateCaptureByDefault(enabled bool) ExecutorOption {
	return func(e *Executor) {
		e.captureState = enabled
	}
}

// WithExecutorLogger 指定日志输出。
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor 构造执行器。
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		defaultTimeout: DefaultTimeout,
		logger:         logger.Named("tools.executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type execOptions struct {
	validatePermissions bool
	captureState        bool
	recordHistory       bool
	timeout             time.Duration
}

// ExecOption 调整单次调用的行为。
type ExecOption func(*execOptions)

// SkipPermissionCheck 跳过权限校验。
func SkipPermissionCheck() ExecOption {
	return func(o *execOptions) { o.validatePermissions = false }
}

// CaptureState 为可逆工具开启状态采集。
func CaptureState(enabled bool) ExecOption {
	return func(o *execOptions) { o.captureState = enabled }
}

// SkipHistory 不记录本次调用。
func SkipHistory() ExecOption {
	return func(o *execOptions) { o.recordHistory = false }
}

// WithTimeout 设置本次调用的超时时间。
func WithTimeout(timeout time.Duration) ExecOption {
	return func(o *execOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

func (e *Executor) buildOptions(opts []ExecOption) execOptions {
	options := execOptions{
		validatePermissions: true,
		captureState:        e.captureState,
		recordHistory:       true,
		timeout:             e.defaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Execute 执行一次工具调用。所有失败都以 Success=false 的 Result 返回。
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any, ectx ExecutionContext, opts ...ExecOption) *Result {
	start := time.Now()
	options := e.buildOptions(opts)
	if ectx.Timestamp.IsZero() {
		ectx.Timestamp = start
	}

	tool, ok := e.registry.Get(name)
	if !ok {
		return e.finish(ctx, name, params, ectx, options, failure(name, start, CodeToolNotFound, fmt.Sprintf("tool %q not found", name)), nil, nil)
	}

	if options.validatePermissions {
		if err := e.authorize(ctx, tool.Definition, ectx); err != nil {
			return e.finish(ctx, name, params, ectx, options, failure(name, start, xerrors.CodeOf(err), messageOf(err)), nil, nil)
		}
	}
	if tool.RequiresPeer && strings.TrimSpace(ectx.PeerID) == "" {
		return e.finish(ctx, name, params, ectx, options, failure(name, start, CodeToolPeerRequired, fmt.Sprintf("tool %s requires a peer", name)), nil, nil)
	}
	if err := ValidateParams(tool.Definition, params); err != nil {
		return e.finish(ctx, name, params, ectx, options, failure(name, start, CodeToolParameterInvalid, messageOf(err)), nil, nil)
	}

	capture := tool.Reversible && options.captureState && e.capturer != nil
	var before any
	if capture {
		state, err := e.capturer.Capture(ctx, tool.Definition, params, ectx)
		if err != nil {
			e.logger.Warn("采集执行前状态失败", slog.String("tool", name), slog.Any("error", err))
		}
		before = state
	}

	data, code, err := e.run(ctx, tool, params, ectx, options.timeout)
	result := &Result{Tool: name, Duration: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
		result.ErrorCode = code
	} else {
		result.Success = true
		result.Data = data
	}

	var after any
	if capture && result.Success {
		state, err := e.capturer.Capture(ctx, tool.Definition, params, ectx)
		if err != nil {
			e.logger.Warn("采集执行后状态失败", slog.String("tool", name), slog.Any("error", err))
		}
		after = state
		result.Metadata = &ResultMetadata{
			Reversible:  true,
			BeforeState: before,
			AfterState:  after,
			UndoCommand: "undo:" + name,
		}
	}
	return e.finish(ctx, name, params, ectx, options, result, before, after)
}

type outcome struct {
	data any
	err  error
}

// run 在超时控制下调用执行函数。超时后执行函数的 ctx 会被取消，
// 但不会被强制终止；其迟到的结果会被丢弃。
func (e *Executor) run(ctx context.Context, tool Tool, params map[string]any, ectx ExecutionContext, timeout time.Duration) (any, xerrors.Code, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		data, err := tool.Func(runCtx, cloneParams(params), ectx)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, CodeToolExecutionFailed, out.err
		}
		return out.data, "", nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, xerrors.CodeCancelled, fmt.Errorf("tool %s cancelled: %w", tool.Name, ctx.Err())
		}
		return nil, CodeToolTimeout, fmt.Errorf("tool %s timed out after %s", tool.Name, timeout)
	}
}

func (e *Executor) authorize(ctx context.Context, def Definition, ectx ExecutionContext) error {
	if len(def.Permissions) == 0 {
		return nil
	}
	if e.validator == nil {
		if missing := missingPermissions(ectx.Permissions, def.Permissions); len(missing) > 0 {
			return xerrors.Newf(CodeToolPermissionDenied, "permission denied: tool %s requires %s", def.Name, strings.Join(missing, ", "))
		}
		return nil
	}
	ok, err := e.validator.Validate(ctx, ectx.UserID, def.Permissions)
	if err != nil {
		return xerrors.Wrap(CodeToolPermissionDenied, err, fmt.Sprintf("permission check failed for tool %s", def.Name))
	}
	if !ok {
		return xerrors.Newf(CodeToolPermissionDenied, "permission denied: user %q lacks %s for tool %s",
			ectx.UserID, strings.Join(def.Permissions, ", "), def.Name)
	}
	return nil
}

func (e *Executor) finish(ctx context.Context, name string, params map[string]any, ectx ExecutionContext, options execOptions, result *Result, before, after any) *Result {
	outcome := "success"
	if !result.Success {
		outcome = strings.ToLower(string(result.ErrorCode))
	}
	metrics.ObserveToolExecution(name, outcome, result.Duration)

	if e.recorder != nil && options.recordHistory {
		e.recorder.Record(ctx, HistoryEntry{
			Tool:        name,
			Params:      cloneParams(params),
			Context:     ectx,
			Result:      result,
			BeforeState: before,
			AfterState:  after,
			RecordedAt:  time.Now(),
		})
	}
	bus.Publish(e.events, Topic, "tool:executed", ExecutionEvent{
		Tool:      name,
		UserID:    ectx.UserID,
		SessionID: ectx.SessionID,
		Success:   result.Success,
		ErrorCode: result.ErrorCode,
		Duration:  result.Duration,
	})
	if !result.Success {
		e.logger.Debug("工具执行失败",
			slog.String("tool", name),
			slog.String("error_code", string(result.ErrorCode)),
			slog.String("error", result.Error),
		)
	}
	return result
}

// ExecuteParallel 并发执行全部调用，并按输入顺序返回结果；
// 单个调用失败不会影响其他调用的结果。
func (e *Executor) ExecuteParallel(ctx context.Context, calls []Call, ectx ExecutionContext, opts ...ExecOption) []*Result {
	results := make([]*Result, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(ctx, call.Tool, call.Params, ectx, opts...)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ExecuteSequence 依次执行调用，遇到第一个失败结果即停止。
// 返回值包含已执行调用的结果（含失败的那一个）。
func (e *Executor) ExecuteSequence(ctx context.Context, calls []Call, ectx ExecutionContext, opts ...ExecOption) []*Result {
	results := make([]*Result, 0, len(calls))
	for _, call := range calls {
		result := e.Execute(ctx, call.Tool, call.Params, ectx, opts...)
		results = append(results, result)
		if !result.Success {
			break
		}
	}
	return results
}

// StepFunc 与编排器注入的步骤执行回调签名一致。
type StepFunc func(ctx context.Context, tool string, args map[string]any, stepID string) (any, error)

// StepExecutor 把执行器适配为 AI 任务的步骤执行回调，失败结果转换为 error。
func (e *Executor) StepExecutor(ectx ExecutionContext, opts ...ExecOption) StepFunc {
	return func(ctx context.Context, tool string, args map[string]any, stepID string) (any, error) {
		result := e.Execute(ctx, tool, args, ectx, opts...)
		if !result.Success {
			return nil, xerrors.New(result.ErrorCode, result.Error, xerrors.WithMetadata("step_id", stepID))
		}
		return result.Data, nil
	}
}

// OwnedStepExecutor 与 StepExecutor 相同，但每个步骤以 owner(ctx) 返回的用户身份执行并校验权限。
// owner 返回空串时使用 base 中的身份。
func (e *Executor) OwnedStepExecutor(base ExecutionContext, owner func(context.Context) string, opts ...ExecOption) StepFunc {
	return func(ctx context.Context, tool string, args map[string]any, stepID string) (any, error) {
		ectx := base
		if owner != nil {
			if id := owner(ctx); id != "" {
				ectx.UserID = id
				ectx.Permissions = nil
			}
		}
		return e.StepExecutor(ectx, opts...)(ctx, tool, args, stepID)
	}
}

// AuthorizeStep 检查用户能否调用指定工具，不执行工具。签名与 task.StepAuthorizer 一致。
func (e *Executor) AuthorizeStep(ctx context.Context, userID string, permissions []string, name string) error {
	tool, ok := e.registry.Get(name)
	if !ok {
		return xerrors.Newf(CodeToolNotFound, "tool %q not found", name)
	}
	return e.authorize(ctx, tool.Definition, ExecutionContext{UserID: userID, Permissions: permissions})
}

func failure(name string, start time.Time, code xerrors.Code, message string) *Result {
	return &Result{
		Tool:      name,
		Success:   false,
		Error:     message,
		ErrorCode: code,
		Duration:  time.Since(start),
	}
}

// messageOf 返回统一错误的原始描述，不含错误码前缀。
func messageOf(err error) string {
	var xe *xerrors.Error
	if stdErrors.As(err, &xe) {
		if cause := xe.Unwrap(); cause != nil {
			return xe.Message() + ": " + cause.Error()
		}
		return xe.Message()
	}
	return err.Error()
}
