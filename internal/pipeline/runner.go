package pipeline

import (
	"context"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/tools"
)

// NewToolRunner 让执行阶段通过工具执行器调用路由后的步骤。
// 调用方的用户、会话与权限会作为执行上下文传给执行器。
func NewToolRunner(executor *tools.Executor, opts ...tools.ExecOption) StepRunner {
	return StepRunnerFunc(func(ctx context.Context, step PlanStep, route Route, req Request) (any, error) {
		ectx := tools.ExecutionContext{
			UserID:      req.UserID,
			SessionID:   req.SessionID,
			Permissions: req.Permissions,
			Timestamp:   time.Now(),
		}
		result := executor.Execute(ctx, route.Tool, step.Arguments, ectx, opts...)
		if !result.Success {
			return nil, xerrors.New(result.ErrorCode, result.Error, xerrors.WithMetadata("step_id", step.ID))
		}
		return result.Data, nil
	})
}
