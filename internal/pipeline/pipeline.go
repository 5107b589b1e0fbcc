// Package pipeline 实现思考流水线：复杂度检测之后依次调用意图识别、记忆召回、
// 规划、推理优化、安全校验、工具路由与执行，并通过事件总线发布阶段进度。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Orchestrator/internal/bus"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/memory"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/pkg/logger"
)

// StageEvent 是流水线发布的阶段事件。
type StageEvent struct {
	RunID          string        `json:"run_id"`
	Stage          string        `json:"stage"`
	Phase          string        `json:"phase"`
	Payload        any           `json:"payload,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	Error          string        `json:"error,omitempty"`
}

// Topic 发布 stage:start、stage:progress、stage:complete 与 error 事件。
var Topic = bus.NewTopic[StageEvent]("pipeline")

const (
	EventStageStart    = "stage:start"
	EventStageProgress = "stage:progress"
	EventStageComplete = "stage:complete"
	EventError         = "error"
)

// 运行结果分类，用于指标。
const (
	outcomeSimple       = "simple"
	outcomeSuccess      = "success"
	outcomeBlocked      = "blocked"
	outcomeConfirmation = "confirmation"
	outcomeError        = "error"
)

// Config 控制流水线行为。
type Config struct {
	MemoryEnabled bool
	MemoryLimit   int
	// StepDelay 是模拟执行时每一步的等待时间。
	StepDelay     time.Duration
	ForcePipeline bool
	OutputFormat  string
}

// Pipeline 是无状态的阶段编排器，可以被多个调用并发使用。
type Pipeline struct {
	cfg      Config
	intent   IntentEngine
	planner  PlanningEngine
	reasoner ReasoningEngine
	safety   SafetyEngine
	router   ToolRouter
	output   OutputEngine
	memory   memory.Store
	runner   StepRunner
	events   *bus.Bus
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option 配置 Pipeline。
type Option func(*Pipeline)

// WithConfig 设置流水线参数。
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

// WithIntentEngine 注入意图识别协作者。
func WithIntentEngine(e IntentEngine) Option {
	return func(p *Pipeline) { p.intent = e }
}

// WithPlanner 注入规划协作者。
func WithPlanner(e PlanningEngine) Option {
	return func(p *Pipeline) { p.planner = e }
}

// WithReasoner 注入推理优化协作者。
func WithReasoner(e ReasoningEngine) Option {
	return func(p *Pipeline) { p.reasoner = e }
}

// WithSafetyEngine 注入安全校验协作者。
func WithSafetyEngine(e SafetyEngine) Option {
	return func(p *Pipeline) { p.safety = e }
}

// WithRouter 注入工具路由协作者。
func WithRouter(r ToolRouter) Option {
	return func(p *Pipeline) { p.router = r }
}

// WithOutputEngine 注入输出格式化协作者。
func WithOutputEngine(e OutputEngine) Option {
	return func(p *Pipeline) { p.output = e }
}

// WithMemory 注入记忆存储。只有 Config.MemoryEnabled 为真时才会使用。
func WithMemory(m memory.Store) Option {
	return func(p *Pipeline) { p.memory = m }
}

// WithStepRunner 让执行阶段真正运行步骤，而不是模拟等待。
func WithStepRunner(r StepRunner) Option {
	return func(p *Pipeline) { p.runner = r }
}

// WithEventBus 设置阶段事件的发布通道。
func WithEventBus(b *bus.Bus) Option {
	return func(p *Pipeline) { p.events = b }
}

// WithTracer 指定链路追踪使用的 tracer。
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New 构造流水线。除记忆与执行器外，所有协作者都必须提供。
func New(opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		tracer: otel.Tracer("OpenMCP-Orchestrator/internal/pipeline"),
		logger: logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.cfg.MemoryLimit <= 0 {
		p.cfg.MemoryLimit = 5
	}
	if p.cfg.OutputFormat == "" {
		p.cfg.OutputFormat = "markdown"
	}
	var missing []string
	if p.intent == nil {
		missing = append(missing, "intent")
	}
	if p.planner == nil {
		missing = append(missing, "planner")
	}
	if p.reasoner == nil {
		missing = append(missing, "reasoner")
	}
	if p.safety == nil {
		missing = append(missing, "safety")
	}
	if p.router == nil {
		missing = append(missing, "router")
	}
	if p.output == nil {
		missing = append(missing, "output")
	}
	if len(missing) > 0 {
		return nil, xerrors.Newf(xerrors.CodeInitializationFailure, "流水线缺少协作者: %s", strings.Join(missing, ", "))
	}
	return p, nil
}

// Process 把一次输入转换为最终输出。阶段进度只通过事件总线发布，
// 返回值只包含最终结果；任何协作者的错误都会终止后续阶段。
func (p *Pipeline) Process(ctx context.Context, req Request) *Result {
	start := time.Now()
	pc := &Context{
		RunID:       uuid.NewString(),
		Input:       req.Input,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Permissions: append([]string(nil), req.Permissions...),
		StartTime:   start,
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("pipeline.run_id", pc.RunID),
		attribute.String("pipeline.user_id", req.UserID),
	))
	defer span.End()

	r := &run{p: p, pc: pc, req: req}
	result, outcome := r.execute(ctx)
	result.Context = pc
	result.StepsExecuted = r.stages
	result.ExecutionTime = time.Since(start)

	p.remember(ctx, result)
	metrics.ObservePipelineRun(outcome, result.ExecutionTime)
	span.SetAttributes(
		attribute.String("pipeline.outcome", outcome),
		attribute.Int("pipeline.stages", len(r.stages)),
	)
	if outcome == outcomeError || outcome == outcomeBlocked {
		span.SetStatus(codes.Error, result.Error)
	}
	logger.Audit(logger.StreamPipeline).Info("流水线完成",
		slog.String("run_id", pc.RunID),
		slog.String("user_id", req.UserID),
		slog.String("outcome", outcome),
		slog.Bool("success", result.Success),
		slog.Duration("duration", result.ExecutionTime),
		slog.String("error", result.Error),
	)
	return result
}

func (p *Pipeline) remember(ctx context.Context, result *Result) {
	if !p.cfg.MemoryEnabled || p.memory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	entry := memory.Entry{
		UserID:    result.Context.UserID,
		SessionID: result.Context.SessionID,
		Input:     result.Context.Input,
		Success:   result.Success,
		Error:     result.Error,
	}
	if result.Output != nil {
		entry.Output = result.Output.Content
	}
	if c := result.Context.Complexity; c != nil {
		entry.Tags = append(entry.Tags, string(c.Level))
	}
	if i := result.Context.Intent; i != nil && i.Category != "" {
		entry.Tags = append(entry.Tags, i.Category)
	}
	if result.RequiresConfirmation {
		entry.Tags = append(entry.Tags, "awaiting_confirmation")
	}
	if err := p.memory.Remember(ctx, entry); err != nil {
		p.logger.Warn("写入记忆失败", slog.String("run_id", result.Context.RunID), slog.Any("error", err))
	}
}

// run 保存一次 Process 调用的私有状态。
type run struct {
	p      *Pipeline
	pc     *Context
	req    Request
	stages []string
}

func (r *run) emit(name string, ev StageEvent) {
	ev.RunID = r.pc.RunID
	bus.Publish(r.p.events, Topic, name, ev)
}

// stage 执行一个阶段并发布开始、完成或错误事件。
func (r *run) stage(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) error {
	r.stages = append(r.stages, name)
	ctx, span := r.p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	r.emit(EventStageStart, StageEvent{Stage: name, Phase: "start"})
	started := time.Now()
	payload, err := fn(ctx)
	elapsed := time.Since(started)
	metrics.ObserveStage(name, elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.p.logger.Warn("阶段失败",
			slog.String("run_id", r.pc.RunID),
			slog.String("stage", name),
			slog.Any("error", err),
		)
		r.emit(EventError, StageEvent{Stage: name, Phase: "error", ProcessingTime: elapsed, Error: err.Error()})
		return stageError(name, err)
	}
	r.emit(EventStageComplete, StageEvent{Stage: name, Phase: "complete", Payload: payload, ProcessingTime: elapsed})
	return nil
}

func stageError(name string, err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(CodeStageFailed, err, fmt.Sprintf("stage %s failed", name))
}

func (r *run) fail(err error) (*Result, string) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if xe, ok := xerrors.From(err); ok {
		message = xe.Message()
		if cause := xe.Unwrap(); cause != nil {
			message += ": " + cause.Error()
		}
	}
	return &Result{Success: false, Error: message, ErrorCode: code}, outcomeError
}

func (r *run) execute(ctx context.Context) (*Result, string) {
	p, pc := r.p, r.pc

	if err := r.stage(ctx, StageComplexity, func(context.Context) (any, error) {
		c := DetectComplexity(pc.Input)
		if p.cfg.ForcePipeline {
			c.ShouldUsePipeline = true
		}
		pc.Complexity = &c
		return c, nil
	}); err != nil {
		return r.fail(err)
	}
	if !pc.Complexity.ShouldUsePipeline {
		return r.simpleResponse(ctx)
	}

	if err := r.stage(ctx, StageIntent, func(ctx context.Context) (any, error) {
		intent, err := p.intent.Detect(ctx, pc.Input)
		if err != nil {
			return nil, err
		}
		pc.Intent = &intent
		return intent, nil
	}); err != nil {
		return r.fail(err)
	}

	if p.cfg.MemoryEnabled && p.memory != nil {
		if err := r.stage(ctx, StageMemory, func(ctx context.Context) (any, error) {
			entries, err := p.memory.Recall(ctx, memory.Query{Text: pc.Input, UserID: pc.UserID, Limit: p.cfg.MemoryLimit})
			if err != nil {
				return nil, err
			}
			pc.Memory = entries
			return map[string]any{"entries": len(entries)}, nil
		}); err != nil {
			return r.fail(err)
		}
	}

	if err := r.stage(ctx, StagePlanning, func(ctx context.Context) (any, error) {
		plan, err := p.planner.CreatePlan(ctx, PlanRequest{
			Intent:        *pc.Intent,
			UserInput:     pc.Input,
			MemoryContext: pc.Memory,
			Permissions:   pc.Permissions,
		})
		if err != nil {
			return nil, err
		}
		pc.Plan = &plan
		return map[string]any{
			"steps":            len(plan.Steps),
			"dependency_graph": plan.DependencyGraph(),
			"estimated":        plan.TotalEstimatedDuration.String(),
		}, nil
	}); err != nil {
		return r.fail(err)
	}

	if err := r.stage(ctx, StageReasoning, func(ctx context.Context) (any, error) {
		opt, err := p.reasoner.Optimize(ctx, OptimizeRequest{Plan: *pc.Plan, MemoryContext: pc.Memory})
		if err != nil {
			return nil, err
		}
		if len(opt.OptimizedPlan.Steps) == 0 && len(pc.Plan.Steps) > 0 {
			opt.OptimizedPlan = *pc.Plan
		}
		pc.Optimization = &opt
		optimized := opt.OptimizedPlan
		pc.Plan = &optimized
		return map[string]any{
			"parallel_groups":       opt.ParallelGroups,
			"estimated_improvement": opt.EstimatedImprovement,
			"optimizations":         opt.Optimizations,
		}, nil
	}); err != nil {
		return r.fail(err)
	}

	if err := r.stage(ctx, StageSafety, func(ctx context.Context) (any, error) {
		check, err := p.safety.Validate(ctx, *pc.Plan)
		if err != nil {
			return nil, err
		}
		pc.Safety = &check
		return check, nil
	}); err != nil {
		return r.fail(err)
	}
	if !pc.Safety.Allowed {
		return r.blocked()
	}
	if pc.Safety.RequiresConfirmation {
		return r.awaitConfirmation()
	}

	if err := r.stage(ctx, StageRouting, func(ctx context.Context) (any, error) {
		decision, err := p.router.Route(ctx, *pc.Plan)
		if err != nil {
			return nil, err
		}
		if decision.ExecutionMode == "" {
			decision.ExecutionMode = ModeSequential
		}
		pc.Routing = &decision
		return decision, nil
	}); err != nil {
		return r.fail(err)
	}

	var output FormattedOutput
	if err := r.stage(ctx, StageExecution, func(ctx context.Context) (any, error) {
		report, err := r.executeSteps(ctx)
		pc.Execution = report
		if err != nil {
			return nil, err
		}
		output, err = p.output.Format(ctx, FormatRequest{
			Content: report,
			Format:  p.cfg.OutputFormat,
			Metadata: map[string]any{
				"intent":     pc.Intent.Category,
				"risk_level": pc.Safety.RiskLevel,
				"steps":      len(report.Steps),
				"simulated":  report.Simulated,
			},
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"steps": len(report.Steps), "format": output.Format}, nil
	}); err != nil {
		return r.fail(err)
	}
	if output.Error {
		return &Result{Success: false, Output: &output, Error: output.ErrorMessage, ErrorCode: CodeStageFailed}, outcomeError
	}
	return &Result{Success: true, Output: &output}, outcomeSuccess
}

func (r *run) simpleResponse(ctx context.Context) (*Result, string) {
	var output FormattedOutput
	if err := r.stage(ctx, StageSimpleResponse, func(ctx context.Context) (any, error) {
		var err error
		output, err = r.p.output.Format(ctx, FormatRequest{
			Content: strings.TrimSpace(r.pc.Input),
			Format:  "text",
			Metadata: map[string]any{
				"mode":       "simple",
				"complexity": r.pc.Complexity.Score,
			},
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"format": output.Format}, nil
	}); err != nil {
		return r.fail(err)
	}
	return &Result{Success: true, Output: &output}, outcomeSimple
}

func (r *run) blocked() (*Result, string) {
	check := r.pc.Safety
	reasons := check.BlockedReasons
	if len(reasons) == 0 {
		reasons = check.Risks
	}
	err := xerrors.New(CodeSafetyBlocked, "operation blocked by safety policy: "+strings.Join(reasons, "; "))
	r.emit(EventError, StageEvent{
		Stage:   StageSafety,
		Phase:   "error",
		Payload: map[string]any{"blocked_reasons": reasons, "blocked_steps": check.BlockedSteps},
		Error:   err.Message(),
	})
	return &Result{
		Success:   false,
		Error:     err.Message(),
		ErrorCode: CodeSafetyBlocked,
		RiskLevel: check.RiskLevel,
	}, outcomeBlocked
}

// awaitConfirmation 中断流水线但不视为错误，调用方需要走确认流程后重新提交。
func (r *run) awaitConfirmation() (*Result, string) {
	check := r.pc.Safety
	message := check.ConfirmationMessage
	if message == "" {
		message = "this operation requires confirmation before it can run"
	}
	return &Result{
		Success: false,
		Output: &FormattedOutput{
			Format:  "text",
			Content: message,
			Metadata: map[string]any{
				"requires_confirmation": true,
				"risk_level":            check.RiskLevel,
				"risks":                 check.Risks,
			},
		},
		RequiresConfirmation: true,
		ConfirmationMessage:  message,
		RiskLevel:            check.RiskLevel,
	}, outcomeConfirmation
}

// executeSteps 按计划顺序执行步骤。路由为并行模式且推理阶段给出了分组时，
// 组与组之间顺序执行，组内并发；任一步骤失败即停止。
func (r *run) executeSteps(ctx context.Context) (*ExecutionReport, error) {
	pc := r.pc
	routes := make(map[string]Route, len(pc.Routing.Routes))
	for _, route := range pc.Routing.Routes {
		routes[route.StepID] = route
	}
	report := &ExecutionReport{
		Mode:      pc.Routing.ExecutionMode,
		Simulated: r.p.runner == nil,
		Steps:     make([]StepOutcome, len(pc.Plan.Steps)),
	}
	index := make(map[string]int, len(pc.Plan.Steps))
	for i, step := range pc.Plan.Steps {
		index[step.ID] = i
		if _, ok := routes[step.ID]; !ok {
			return report, xerrors.Newf(CodeStageFailed, "no route for step %s", step.ID)
		}
	}

	for _, group := range r.groups(index) {
		if len(group) == 1 {
			if err := r.runStep(ctx, report, group[0], routes); err != nil {
				return report, err
			}
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, i := range group {
			g.Go(func() error {
				return r.runStep(gctx, report, i, routes)
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
	}
	return report, nil
}

// groups 返回按执行顺序排列的步骤下标分组。
func (r *run) groups(index map[string]int) [][]int {
	pc := r.pc
	var out [][]int
	if pc.Routing.ExecutionMode == ModeParallel && pc.Optimization != nil && len(pc.Optimization.ParallelGroups) > 0 {
		seen := make(map[int]bool, len(index))
		for _, ids := range pc.Optimization.ParallelGroups {
			var group []int
			for _, id := range ids {
				if i, ok := index[id]; ok && !seen[i] {
					seen[i] = true
					group = append(group, i)
				}
			}
			if len(group) > 0 {
				out = append(out, group)
			}
		}
		// 分组未覆盖的步骤按原顺序追加。
		for i := range pc.Plan.Steps {
			if !seen[i] {
				out = append(out, []int{i})
			}
		}
		return out
	}
	for i := range pc.Plan.Steps {
		out = append(out, []int{i})
	}
	return out
}

func (r *run) runStep(ctx context.Context, report *ExecutionReport, i int, routes map[string]Route) error {
	step := r.pc.Plan.Steps[i]
	route := routes[step.ID]
	r.emit(EventStageProgress, StageEvent{
		Stage:   StageExecution,
		Phase:   "progress",
		Payload: map[string]any{"step_id": step.ID, "tool": route.Tool, "status": "started"},
	})
	started := time.Now()
	outcome := StepOutcome{StepID: step.ID, Tool: route.Tool, Method: route.Method}

	var (
		output any
		err    error
	)
	if r.p.runner == nil {
		output, err = simulate(ctx, r.p.cfg.StepDelay, step)
	} else {
		output, err = r.p.runner.RunStep(ctx, step, route, r.req)
	}
	outcome.Duration = time.Since(started)
	status := "completed"
	if err != nil {
		outcome.Error = err.Error()
		status = "failed"
	} else {
		outcome.Success = true
		outcome.Output = output
	}
	report.Steps[i] = outcome
	r.emit(EventStageProgress, StageEvent{
		Stage:          StageExecution,
		Phase:          "progress",
		Payload:        map[string]any{"step_id": step.ID, "tool": route.Tool, "status": status},
		ProcessingTime: outcome.Duration,
		Error:          outcome.Error,
	})
	if err != nil {
		return xerrors.Wrap(CodeStageFailed, err, fmt.Sprintf("step %s (%s) failed", step.ID, route.Tool),
			xerrors.WithMetadata("step_id", step.ID))
	}
	return nil
}

// simulate 以固定等待代替真实的工具调用。
func simulate(ctx context.Context, delay time.Duration, step PlanStep) (any, error) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Sprintf("simulated: %s", step.Description), nil
}
