package llm

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/pipeline"
	"OpenMCP-Orchestrator/internal/tools"
	"OpenMCP-Orchestrator/pkg/logger"
)

// CodePlanInvalid 表示模型返回的计划无法使用。
const CodePlanInvalid xerrors.Code = "LLM_PLAN_INVALID"

func init() {
	xerrors.Register(CodePlanInvalid, xerrors.Attributes{
		Message:   "model returned an unusable plan",
		Kind:      xerrors.KindUnprocessable,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Planner 让大模型根据可用工具生成计划。模型失败或计划不合法时交给 fallback。
type Planner struct {
	client      Client
	registry    *tools.Registry
	fallback    pipeline.PlanningEngine
	timeout     time.Duration
	memoryDepth int
	logger      *slog.Logger
}

// PlannerOption 定义可选的 Planner 配置。
type PlannerOption func(*Planner)

// defaultMemoryDepth 是提示词中最多引用的历史记录数量。
const defaultMemoryDepth = 5

// WithFallback 设置模型不可用时的备用规划器。
func WithFallback(engine pipeline.PlanningEngine) PlannerOption {
	return func(p *Planner) { p.fallback = engine }
}

// WithTimeout 设置调用大模型的超时时间。
func WithTimeout(timeout time.Duration) PlannerOption {
	return func(p *Planner) {
		if timeout < 0 {
			timeout = 0
		}
		p.timeout = timeout
	}
}

// WithMemoryDepth 设置提示词中引用的历史记录数量。
func WithMemoryDepth(depth int) PlannerOption {
	return func(p *Planner) { p.memoryDepth = depth }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPlanner 创建基于大模型的规划器。
func NewPlanner(client Client, registry *tools.Registry, opts ...PlannerOption) *Planner {
	p := &Planner{
		client:      client,
		registry:    registry,
		memoryDepth: defaultMemoryDepth,
		logger:      logger.Named("llm.planner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.memoryDepth <= 0 {
		p.memoryDepth = defaultMemoryDepth
	}
	return p
}

// CreatePlan 实现 pipeline.PlanningEngine。
func (p *Planner) CreatePlan(ctx context.Context, req pipeline.PlanRequest) (pipeline.Plan, error) {
	plan, err := p.generate(ctx, req)
	if err == nil {
		return plan, nil
	}
	if p.fallback == nil || ctx.Err() != nil {
		return pipeline.Plan{}, err
	}
	p.logger.Warn("大模型规划失败，使用备用规划器", slog.Any("error", err))
	return p.fallback.CreatePlan(ctx, req)
}

func (p *Planner) generate(ctx context.Context, req pipeline.PlanRequest) (pipeline.Plan, error) {
	if p.client == nil {
		return pipeline.Plan{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if p.registry == nil {
		return pipeline.Plan{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
	}
	available := p.registry.GetAll()
	if len(req.Permissions) > 0 {
		available = p.registry.GetForUser(req.Permissions)
	}
	if len(available) == 0 {
		return pipeline.Plan{}, xerrors.New(tools.CodeToolNotFound, "没有可用的工具")
	}

	llmCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	resp, err := p.client.Generate(llmCtx, Request{
		Messages: []Message{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: p.buildUserPrompt(req, available)},
		},
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return pipeline.Plan{}, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		code := xerrors.CodeOf(err)
		if code != CodeModelUnavailable && code != CodeModelRejected {
			code = xerrors.CodeExecutorFailure
		}
		return pipeline.Plan{}, xerrors.Wrap(code, err, "大模型推理失败")
	}
	return parsePlan(resp.Content, available)
}

const systemPrompt = "" +
	"You are OpenMCP's planning engine. Break the user's request into the smallest sequence of tool calls " +
	"using only the tools listed. Respond with a compact JSON object: " +
	`{"steps": [{"id": string, "description": string, "tool": string, "arguments": object, "dependencies": [string]}]}. ` +
	"Dependencies reference earlier step ids; omit them for steps that can run in parallel."

func (p *Planner) buildUserPrompt(req pipeline.PlanRequest, available []tools.Definition) string {
	var builder strings.Builder
	builder.WriteString("## 当前请求\n")
	builder.WriteString(strings.TrimSpace(req.UserInput))
	builder.WriteString("\n")
	if req.Intent.Category != "" {
		builder.WriteString(fmt.Sprintf("意图: %s (%.2f)\n", req.Intent.Category, req.Intent.Confidence))
	}

	builder.WriteString("\n## 可用工具\n")
	for _, def := range available {
		builder.WriteString(fmt.Sprintf("- %s: %s", def.Name, truncate(def.Description)))
		if len(def.Parameters) > 0 {
			names := make([]string, 0, len(def.Parameters))
			for _, param := range def.Parameters {
				name := param.Name + ":" + string(param.Type)
				if param.Required {
					name += "!"
				}
				names = append(names, name)
			}
			builder.WriteString(" (" + strings.Join(names, ", ") + ")")
		}
		builder.WriteString("\n")
	}

	if len(req.MemoryContext) > 0 {
		builder.WriteString("\n## 历史上下文\n")
		for idx, entry := range req.MemoryContext {
			if idx >= p.memoryDepth {
				break
			}
			status := "成功"
			if !entry.Success {
				status = "失败"
			}
			builder.WriteString(fmt.Sprintf("[%d] 输入:%s | 结果:%s | %s\n",
				idx+1, truncate(entry.Input), truncate(entry.Output), status))
		}
	}
	return builder.String()
}

type rawPlan struct {
	Steps []struct {
		ID           string         `json:"id"`
		Description  string         `json:"description"`
		Tool         string         `json:"tool"`
		Arguments    map[string]any `json:"arguments"`
		Dependencies []string       `json:"dependencies"`
	} `json:"steps"`
}

// parsePlan 解析模型输出。模型有时会用代码块包裹 JSON，这里一并去掉。
func parsePlan(content string, available []tools.Definition) (pipeline.Plan, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw rawPlan
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return pipeline.Plan{}, xerrors.Wrap(CodePlanInvalid, err, "解析模型计划失败")
	}
	if len(raw.Steps) == 0 {
		return pipeline.Plan{}, xerrors.New(CodePlanInvalid, "模型返回了空计划")
	}

	allowed := make(map[string]bool, len(available))
	for _, def := range available {
		allowed[def.Name] = true
	}
	var plan pipeline.Plan
	seen := make(map[string]bool, len(raw.Steps))
	for i, step := range raw.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}
		if seen[id] {
			return pipeline.Plan{}, xerrors.Newf(CodePlanInvalid, "步骤 ID 重复: %s", id)
		}
		if !allowed[step.Tool] {
			return pipeline.Plan{}, xerrors.Newf(CodePlanInvalid, "步骤 %s 使用了不可用的工具 %q", id, step.Tool)
		}
		for _, dep := range step.Dependencies {
			if !seen[dep] {
				return pipeline.Plan{}, xerrors.Newf(CodePlanInvalid, "步骤 %s 依赖未知或靠后的步骤 %s", id, dep)
			}
		}
		seen[id] = true
		plan.Steps = append(plan.Steps, pipeline.PlanStep{
			ID:                id,
			Description:       step.Description,
			Tool:              step.Tool,
			Arguments:         step.Arguments,
			Dependencies:      step.Dependencies,
			EstimatedDuration: time.Second,
		})
		plan.TotalEstimatedDuration += time.Second
	}
	return plan, nil
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}

var _ pipeline.PlanningEngine = (*Planner)(nil)
