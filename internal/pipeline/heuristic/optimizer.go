package heuristic

import (
	"context"
	"fmt"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/pipeline"
)

// LevelOptimizer 按依赖层级对计划分组：同一层内的步骤互不依赖，可以并发执行。
type LevelOptimizer struct{}

// NewLevelOptimizer 创建优化器。
func NewLevelOptimizer() *LevelOptimizer { return &LevelOptimizer{} }

// Optimize 实现 pipeline.ReasoningEngine。优化后的计划按层级重排，
// 同层内保持原始顺序。
func (LevelOptimizer) Optimize(_ context.Context, req pipeline.OptimizeRequest) (pipeline.Optimization, error) {
	groups, err := dependencyLevels(req.Plan)
	if err != nil {
		return pipeline.Optimization{}, err
	}

	optimized := pipeline.Plan{TotalEstimatedDuration: req.Plan.TotalEstimatedDuration}
	for _, group := range groups {
		for _, id := range group {
			step, _ := req.Plan.Step(id)
			optimized.Steps = append(optimized.Steps, step)
		}
	}

	result := pipeline.Optimization{
		OriginalPlan:   req.Plan,
		OptimizedPlan:  optimized,
		ParallelGroups: groups,
	}
	if n := len(req.Plan.Steps); n > 0 && len(groups) < n {
		// 串行耗时与按层并行耗时之比。
		var parallel, serial int64
		for _, group := range groups {
			var longest int64
			for _, id := range group {
				step, _ := req.Plan.Step(id)
				d := int64(step.EstimatedDuration)
				serial += d
				longest = max(longest, d)
			}
			parallel += longest
		}
		if serial > 0 {
			result.EstimatedImprovement = 1 - float64(parallel)/float64(serial)
			result.OptimizedPlan.TotalEstimatedDuration = time.Duration(parallel)
		}
		result.Optimizations = append(result.Optimizations,
			fmt.Sprintf("%d steps grouped into %d parallel levels", n, len(groups)))
	}
	if len(req.MemoryContext) > 0 {
		result.Optimizations = append(result.Optimizations,
			fmt.Sprintf("%d related past runs considered", len(req.MemoryContext)))
	}
	return result, nil
}

// dependencyLevels 用 Kahn 算法计算层级。依赖不存在或成环时返回错误。
func dependencyLevels(plan pipeline.Plan) ([][]string, error) {
	inDegree := make(map[string]int, len(plan.Steps))
	dependents := make(map[string][]string, len(plan.Steps))
	for _, step := range plan.Steps {
		if _, dup := inDegree[step.ID]; dup {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "duplicate step id %s", step.ID)
		}
		inDegree[step.ID] = 0
	}
	for _, step := range plan.Steps {
		for _, dep := range step.Dependencies {
			if _, ok := inDegree[dep]; !ok {
				return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "step %s depends on unknown step %s", step.ID, dep)
			}
			inDegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var (
		groups    [][]string
		processed int
	)
	current := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if inDegree[step.ID] == 0 {
			current = append(current, step.ID)
		}
	}
	for len(current) > 0 {
		groups = append(groups, current)
		processed += len(current)
		ready := make(map[string]bool)
		for _, id := range current {
			for _, next := range dependents[id] {
				inDegree[next]--
				if inDegree[next] == 0 {
					ready[next] = true
				}
			}
		}
		next := make([]string, 0, len(ready))
		for _, step := range plan.Steps {
			if ready[step.ID] {
				next = append(next, step.ID)
			}
		}
		current = next
	}
	if processed != len(plan.Steps) {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument,
			"circular dependency detected: %d steps could not be ordered", len(plan.Steps)-processed)
	}
	return groups, nil
}

var _ pipeline.ReasoningEngine = LevelOptimizer{}
