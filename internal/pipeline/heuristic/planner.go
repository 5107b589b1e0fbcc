package heuristic

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/pipeline"
	"OpenMCP-Orchestrator/internal/tools"
)

// 顺序连接的子句依赖上一组的全部步骤；并列连接的子句与同组步骤共享依赖。
var (
	sequentialSplit = regexp.MustCompile(`(?i)\s*(?:,?\s*\band then\s+|,?\s*\bthen\s+|;?\s*\bafter that,?\s*|,?\s*\bafterwards,?\s*|,?\s*\bfinally,?\s*|\n+|然后|接着|之后|最后)`)
	parallelSplit   = regexp.MustCompile(`(?i)\s*(?:;\s*|,?\s+and also\s+|,?\s+as well as\s+|，|；|同时|并且)`)
	leadingFiller   = regexp.MustCompile(`(?i)^(?:please\s+|first,?\s+|首先|请)`)
)

// intentCategories 把意图映射到优先考虑的工具类别。
var intentCategories = map[string][]tools.Category{
	IntentFile:         {tools.CategoryFile},
	IntentShell:        {tools.CategoryShell},
	IntentNetwork:      {tools.CategoryNetwork},
	IntentData:         {tools.CategoryData, tools.CategoryAI},
	IntentChain:        {tools.CategoryNetwork},
	IntentSystem:       {tools.CategorySystem},
	IntentTask:         {tools.CategoryTask},
	IntentConversation: {tools.CategoryAI, tools.CategorySystem},
}

const (
	defaultStepDuration   = 500 * time.Millisecond
	dangerousStepDuration = 2 * time.Second
)

// Planner 把输入拆成子句，并为每个子句从注册表中挑选最匹配的工具。
type Planner struct {
	registry *tools.Registry
	classify *IntentClassifier
	fallback string
}

// PlannerOption 配置 Planner。
type PlannerOption func(*Planner)

// WithFallbackTool 指定没有匹配工具时使用的工具，默认 system.echo。
func WithFallbackTool(name string) PlannerOption {
	return func(p *Planner) { p.fallback = name }
}

// NewPlanner 创建基于注册表的规划器。
func NewPlanner(registry *tools.Registry, opts ...PlannerOption) *Planner {
	p := &Planner{registry: registry, classify: NewIntentClassifier(), fallback: "system.echo"}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

type clause struct {
	text     string
	parallel bool
}

// CreatePlan 实现 pipeline.PlanningEngine。
func (p *Planner) CreatePlan(ctx context.Context, req pipeline.PlanRequest) (pipeline.Plan, error) {
	if p.registry == nil {
		return pipeline.Plan{}, xerrors.New(xerrors.CodeInitializationFailure, "规划器未配置工具注册表")
	}
	candidates := p.registry.GetAll()
	if len(req.Permissions) > 0 {
		candidates = p.registry.GetForUser(req.Permissions)
	}
	if len(candidates) == 0 {
		return pipeline.Plan{}, xerrors.New(tools.CodeToolNotFound, "没有可用的工具")
	}

	// segment 是当前一组并列子句的步骤，下一组顺序子句依赖其中全部步骤。
	var (
		plan        pipeline.Plan
		segment     []string
		segmentDeps []string
	)
	for i, c := range splitClauses(req.UserInput) {
		intent := req.Intent
		if i > 0 || intent.Category == "" {
			detected, err := p.classify.Detect(ctx, c.text)
			if err != nil {
				return pipeline.Plan{}, err
			}
			intent = detected
		}
		def, ok := p.pick(c.text, intent, candidates)
		if !ok {
			return pipeline.Plan{}, xerrors.Newf(tools.CodeToolNotFound, "no tool available for %q", c.text)
		}

		step := pipeline.PlanStep{
			ID:                fmt.Sprintf("step-%d", i+1),
			Description:       c.text,
			Tool:              def.Name,
			Arguments:         buildArguments(def, c.text, intent.Entities),
			EstimatedDuration: defaultStepDuration,
		}
		if def.Dangerous {
			step.EstimatedDuration = dangerousStepDuration
		}
		if !c.parallel {
			segmentDeps, segment = segment, nil
		}
		step.Dependencies = append([]string(nil), segmentDeps...)
		segment = append(segment, step.ID)

		plan.Steps = append(plan.Steps, step)
		plan.TotalEstimatedDuration += step.EstimatedDuration
	}
	return plan, nil
}

// pick 按类别与关键词重合度给候选工具打分。
func (p *Planner) pick(text string, intent pipeline.Intent, candidates []tools.Definition) (tools.Definition, bool) {
	preferred := intentCategories[intent.Category]
	words := wordSet(text)

	type scored struct {
		def   tools.Definition
		score float64
	}
	var ranked []scored
	for _, def := range candidates {
		s := 0.0
		for rank, cat := range preferred {
			if def.Category == cat {
				s += 2 - float64(rank)*0.5
			}
		}
		for w := range wordSet(def.Name + " " + def.Description) {
			if words[w] {
				s += 0.5
			}
		}
		if s > 0 {
			ranked = append(ranked, scored{def, s})
		}
	}
	if len(ranked) == 0 {
		for _, def := range candidates {
			if def.Name == p.fallback {
				return def, true
			}
		}
		return tools.Definition{}, false
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].def.Name < ranked[j].def.Name
	})
	return ranked[0].def, true
}

func splitClauses(input string) []clause {
	var out []clause
	for _, seq := range sequentialSplit.Split(strings.TrimSpace(input), -1) {
		for j, part := range parallelSplit.Split(seq, -1) {
			text := strings.TrimSpace(leadingFiller.ReplaceAllString(strings.TrimSpace(part), ""))
			text = strings.TrimRight(text, ".。")
			if text == "" {
				continue
			}
			out = append(out, clause{text: text, parallel: j > 0})
		}
	}
	if len(out) == 0 {
		out = append(out, clause{text: strings.TrimSpace(input)})
	}
	return out
}

// buildArguments 只填写工具声明过的参数：实体按参数名匹配，
// 其余必填字符串参数使用子句原文。
func buildArguments(def tools.Definition, text string, entities map[string]string) map[string]any {
	local := ExtractEntities(text)
	args := make(map[string]any)
	for _, param := range def.Parameters {
		if v, ok := local[param.Name]; ok {
			args[param.Name] = v
			continue
		}
		if v, ok := entities[param.Name]; ok {
			args[param.Name] = v
			continue
		}
		if param.Required && param.Type == tools.TypeString {
			args[param.Name] = text
		}
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if len(w) >= 3 {
			set[w] = true
		}
	}
	return set
}

var _ pipeline.PlanningEngine = (*Planner)(nil)
