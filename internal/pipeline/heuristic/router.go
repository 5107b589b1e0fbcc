package heuristic

import (
	"context"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/pipeline"
	"OpenMCP-Orchestrator/internal/tools"
)

// MethodExecutor 表示步骤通过本地工具执行器调用。
const MethodExecutor = "executor"

// Router 把计划步骤解析为注册表中的工具。存在可并发的层级时选择并行模式。
type Router struct {
	registry *tools.Registry
}

// NewRouter 创建基于注册表的路由器。
func NewRouter(registry *tools.Registry) *Router {
	return &Router{registry: registry}
}

// Route 实现 pipeline.ToolRouter。
func (r *Router) Route(_ context.Context, plan pipeline.Plan) (pipeline.RoutingDecision, error) {
	decision := pipeline.RoutingDecision{ExecutionMode: pipeline.ModeSequential}
	for _, step := range plan.Steps {
		if r.registry == nil || !r.registry.Has(step.Tool) {
			return pipeline.RoutingDecision{}, xerrors.Newf(tools.CodeToolNotFound, "step %s: tool %s is not registered", step.ID, step.Tool)
		}
		decision.Routes = append(decision.Routes, pipeline.Route{StepID: step.ID, Tool: step.Tool, Method: MethodExecutor})
	}
	levels, err := dependencyLevels(plan)
	if err != nil {
		return pipeline.RoutingDecision{}, err
	}
	if len(levels) < len(plan.Steps) {
		decision.ExecutionMode = pipeline.ModeParallel
	}
	return decision, nil
}

var _ pipeline.ToolRouter = (*Router)(nil)
