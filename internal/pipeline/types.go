package pipeline

import (
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/memory"
)

// 阶段名称，按执行顺序排列。
const (
	StageComplexity     = "complexity_detection"
	StageSimpleResponse = "simple_response"
	StageIntent         = "intent_analysis"
	StageMemory         = "memory_retrieval"
	StagePlanning       = "planning"
	StageReasoning      = "reasoning_optimization"
	StageSafety         = "safety_validation"
	StageRouting        = "tool_routing"
	StageExecution      = "execution"
)

// Intent 是意图识别的结果。
type Intent struct {
	Category   string            `json:"category"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
}

// PlanStep 是计划中的一步，绑定到一个工具。
type PlanStep struct {
	ID                string         `json:"id"`
	Description       string         `json:"description"`
	Tool              string         `json:"tool"`
	Arguments         map[string]any `json:"arguments,omitempty"`
	Dependencies      []string       `json:"dependencies,omitempty"`
	EstimatedDuration time.Duration  `json:"estimated_duration"`
}

// Plan 是有序的步骤列表。
type Plan struct {
	Steps                  []PlanStep    `json:"steps"`
	TotalEstimatedDuration time.Duration `json:"total_estimated_duration"`
}

// DependencyGraph 返回步骤 ID 到其依赖的映射，用于观测。
func (p Plan) DependencyGraph() map[string][]string {
	graph := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		graph[step.ID] = append([]string(nil), step.Dependencies...)
	}
	return graph
}

// Step 按 ID 查找步骤。
func (p Plan) Step(id string) (PlanStep, bool) {
	for _, step := range p.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return PlanStep{}, false
}

// Optimization 是推理优化阶段的输出，OptimizedPlan 会替换工作计划。
type Optimization struct {
	OriginalPlan         Plan       `json:"original_plan"`
	OptimizedPlan        Plan       `json:"optimized_plan"`
	ParallelGroups       [][]string `json:"parallel_groups,omitempty"`
	EstimatedImprovement float64    `json:"estimated_improvement,omitempty"`
	Optimizations        []string   `json:"optimizations,omitempty"`
}

// RiskLevel 是安全检查给出的风险等级。
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// SafetyCheck 是安全校验的结论。
type SafetyCheck struct {
	Allowed              bool              `json:"allowed"`
	RiskLevel            RiskLevel         `json:"risk_level"`
	Risks                []string          `json:"risks,omitempty"`
	BlockedReasons       []string          `json:"blocked_reasons,omitempty"`
	BlockedSteps         map[string]string `json:"blocked_steps,omitempty"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	ConfirmationMessage  string            `json:"confirmation_message,omitempty"`
}

// 执行方式。
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Route 把计划步骤映射到具体的工具调用方式。
type Route struct {
	StepID string `json:"step_id"`
	Tool   string `json:"tool"`
	Method string `json:"method"`
}

// RoutingDecision 是工具路由的结果。
type RoutingDecision struct {
	Routes        []Route `json:"routes"`
	ExecutionMode string  `json:"execution_mode"`
}

// StepOutcome 记录执行阶段中单个步骤的结果。
type StepOutcome struct {
	StepID   string        `json:"step_id"`
	Tool     string        `json:"tool"`
	Method   string        `json:"method"`
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExecutionReport 汇总执行阶段的结果。
type ExecutionReport struct {
	Mode      string        `json:"mode"`
	Simulated bool          `json:"simulated"`
	Steps     []StepOutcome `json:"steps"`
}

// FormatRequest 是交给输出格式化协作者的内容。
type FormatRequest struct {
	Content  any            `json:"content"`
	Format   string         `json:"format,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FormattedOutput 是最终呈现给调用方的内容。
type FormattedOutput struct {
	Format       string         `json:"format"`
	Content      string         `json:"content"`
	Error        bool           `json:"error,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Request 是一次流水线调用的输入。
type Request struct {
	Input       string   `json:"input"`
	UserID      string   `json:"user_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Context 是一次运行中逐阶段累积的状态，只属于这一次运行。
type Context struct {
	RunID        string            `json:"run_id"`
	Input        string            `json:"input"`
	UserID       string            `json:"user_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Permissions  []string          `json:"-"`
	StartTime    time.Time         `json:"start_time"`
	Complexity   *ComplexityResult `json:"complexity,omitempty"`
	Intent       *Intent           `json:"intent,omitempty"`
	Memory       []memory.Entry    `json:"memory,omitempty"`
	Plan         *Plan             `json:"plan,omitempty"`
	Optimization *Optimization     `json:"optimization,omitempty"`
	Safety       *SafetyCheck      `json:"safety,omitempty"`
	Routing      *RoutingDecision  `json:"routing,omitempty"`
	Execution    *ExecutionReport  `json:"execution,omitempty"`
}

// Result 是 Process 的返回值。
type Result struct {
	Success              bool             `json:"success"`
	Output               *FormattedOutput `json:"output,omitempty"`
	Context              *Context         `json:"context"`
	ExecutionTime        time.Duration    `json:"execution_time"`
	StepsExecuted        []string         `json:"steps_executed"`
	Error                string           `json:"error,omitempty"`
	ErrorCode            xerrors.Code     `json:"error_code,omitempty"`
	RequiresConfirmation bool             `json:"requires_confirmation,omitempty"`
	ConfirmationMessage  string           `json:"confirmation_message,omitempty"`
	RiskLevel            RiskLevel        `json:"risk_level,omitempty"`
}

const (
	CodeSafetyBlocked        xerrors.Code = "PIPELINE_SAFETY_BLOCKED"
	CodeConfirmationRequired xerrors.Code = "PIPELINE_CONFIRMATION_REQUIRED"
	CodeStageFailed          xerrors.Code = "PIPELINE_STAGE_FAILED"
)

func init() {
	xerrors.Register(CodeSafetyBlocked, xerrors.Attributes{
		Message:   "operation blocked by safety policy",
		Kind:      xerrors.KindForbidden,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeConfirmationRequired, xerrors.Attributes{
		Message:   "operation requires confirmation",
		Kind:      xerrors.KindConflict,
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStageFailed, xerrors.Attributes{
		Message:   "pipeline stage failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}
