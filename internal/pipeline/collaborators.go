package pipeline

import (
	"context"

	"OpenMCP-Orchestrator/internal/memory"
)

// IntentEngine 识别输入的意图。
type IntentEngine interface {
	Detect(ctx context.Context, input string) (Intent, error)
}

// PlanRequest 是规划阶段的输入。
type PlanRequest struct {
	Intent        Intent
	UserInput     string
	MemoryContext []memory.Entry
	Permissions   []string
}

// PlanningEngine 生成带工具分配的步骤计划。
type PlanningEngine interface {
	CreatePlan(ctx context.Context, req PlanRequest) (Plan, error)
}

// OptimizeRequest 是推理优化阶段的输入。
type OptimizeRequest struct {
	Plan          Plan
	MemoryContext []memory.Entry
}

// ReasoningEngine 可以重写计划，例如给出可并行的步骤分组。
type ReasoningEngine interface {
	Optimize(ctx context.Context, req OptimizeRequest) (Optimization, error)
}

// SafetyEngine 校验计划是否允许执行。
type SafetyEngine interface {
	Validate(ctx context.Context, plan Plan) (SafetyCheck, error)
}

// ToolRouter 把计划步骤解析为具体的工具调用。
type ToolRouter interface {
	Route(ctx context.Context, plan Plan) (RoutingDecision, error)
}

// OutputEngine 把结果转换为最终呈现。
type OutputEngine interface {
	Format(ctx context.Context, req FormatRequest) (FormattedOutput, error)
}

// StepRunner 在执行阶段真正运行一个路由后的步骤。未配置时执行阶段只做模拟。
type StepRunner interface {
	RunStep(ctx context.Context, step PlanStep, route Route, req Request) (any, error)
}

// StepRunnerFunc 让普通函数实现 StepRunner。
type StepRunnerFunc func(ctx context.Context, step PlanStep, route Route, req Request) (any, error)

// RunStep 实现 StepRunner。
func (f StepRunnerFunc) RunStep(ctx context.Context, step PlanStep, route Route, req Request) (any, error) {
	return f(ctx, step, route, req)
}
