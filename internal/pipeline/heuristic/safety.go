package heuristic

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"OpenMCP-Orchestrator/internal/pipeline"
	"OpenMCP-Orchestrator/internal/tools"
)

// DefaultBlockedPatterns 是任何步骤参数都不允许出现的内容。
var DefaultBlockedPatterns = []string{
	`rm\s+-rf\s+/(?:[^\w.]|$)`,
	`\bmkfs(\.\w+)?\b`,
	`\bdd\s+if=`,
	`>\s*/dev/sd[a-z]`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`(?i)\bdrop\s+(database|table)\b`,
	`(?i)\b(shutdown|reboot)\s+(-h\s+)?now\b`,
	`chmod\s+-R\s+777\s+/(?:[^\w.]|$)`,
}

// Policy 是基于工具元数据与参数内容的安全策略：
// 命中禁用规则的步骤被阻止，危险工具需要确认，不可逆的写操作提升风险等级。
type Policy struct {
	registry     *tools.Registry
	blocked      []*regexp.Regexp
	blockedTools map[string]bool
	confirm      bool
}

// PolicyOption 配置 Policy。
type PolicyOption func(*Policy) error

// WithBlockedPatterns 追加禁用规则。
func WithBlockedPatterns(patterns ...string) PolicyOption {
	return func(p *Policy) error {
		for _, pattern := range patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("invalid blocked pattern %q: %w", pattern, err)
			}
			p.blocked = append(p.blocked, re)
		}
		return nil
	}
}

// WithBlockedTools 完全禁止某些工具。
func WithBlockedTools(names ...string) PolicyOption {
	return func(p *Policy) error {
		for _, name := range names {
			p.blockedTools[name] = true
		}
		return nil
	}
}

// WithConfirmDangerous 控制危险工具是否需要确认，默认需要。
func WithConfirmDangerous(enabled bool) PolicyOption {
	return func(p *Policy) error {
		p.confirm = enabled
		return nil
	}
}

// NewPolicy 创建安全策略，内置 DefaultBlockedPatterns。
func NewPolicy(registry *tools.Registry, opts ...PolicyOption) (*Policy, error) {
	p := &Policy{registry: registry, blockedTools: make(map[string]bool), confirm: true}
	if err := WithBlockedPatterns(DefaultBlockedPatterns...)(p); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Validate 实现 pipeline.SafetyEngine。
func (p *Policy) Validate(_ context.Context, plan pipeline.Plan) (pipeline.SafetyCheck, error) {
	check := pipeline.SafetyCheck{Allowed: true, RiskLevel: pipeline.RiskLow}
	var dangerous []string
	for _, step := range plan.Steps {
		def, known := p.lookup(step.Tool)
		switch {
		case !known:
			p.block(&check, step.ID, fmt.Sprintf("step %s: unknown tool %s", step.ID, step.Tool))
			continue
		case p.blockedTools[step.Tool]:
			p.block(&check, step.ID, fmt.Sprintf("step %s: tool %s is disabled by policy", step.ID, step.Tool))
			continue
		}
		if pattern, value := p.matchBlocked(step); pattern != "" {
			p.block(&check, step.ID, fmt.Sprintf("step %s: argument %q matches blocked pattern %s", step.ID, value, pattern))
			continue
		}
		if def.Dangerous {
			dangerous = append(dangerous, step.Tool)
			check.Risks = append(check.Risks, fmt.Sprintf("step %s uses dangerous tool %s", step.ID, step.Tool))
			raise(&check, pipeline.RiskHigh)
			continue
		}
		if !def.Reversible && (def.Category == tools.CategoryFile || def.Category == tools.CategoryShell) {
			check.Risks = append(check.Risks, fmt.Sprintf("step %s runs irreversible %s tool %s", step.ID, def.Category, step.Tool))
			raise(&check, pipeline.RiskMedium)
		}
	}
	if !check.Allowed {
		return check, nil
	}
	if len(dangerous) > 0 && p.confirm {
		check.RequiresConfirmation = true
		check.ConfirmationMessage = fmt.Sprintf("the plan uses dangerous tools (%s); confirm to continue",
			strings.Join(uniqueSorted(dangerous), ", "))
	}
	return check, nil
}

func (p *Policy) lookup(name string) (tools.Definition, bool) {
	if p.registry == nil {
		return tools.Definition{}, false
	}
	tool, ok := p.registry.Get(name)
	return tool.Definition, ok
}

func (p *Policy) block(check *pipeline.SafetyCheck, stepID, reason string) {
	check.Allowed = false
	check.RiskLevel = pipeline.RiskCritical
	check.BlockedReasons = append(check.BlockedReasons, reason)
	if check.BlockedSteps == nil {
		check.BlockedSteps = make(map[string]string)
	}
	check.BlockedSteps[stepID] = reason
}

// matchBlocked 检查步骤描述与所有字符串参数，包括嵌套的数组与对象。
func (p *Policy) matchBlocked(step pipeline.PlanStep) (pattern, value string) {
	values := []string{step.Description}
	collectStrings(step.Arguments, &values)
	for _, v := range values {
		for _, re := range p.blocked {
			if re.MatchString(v) {
				return re.String(), v
			}
		}
	}
	return "", ""
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case []string:
		*out = append(*out, t...)
	case []any:
		for _, item := range t {
			collectStrings(item, out)
		}
	case map[string]any:
		for _, item := range t {
			collectStrings(item, out)
		}
	}
}

var riskOrder = map[pipeline.RiskLevel]int{
	pipeline.RiskLow:      0,
	pipeline.RiskMedium:   1,
	pipeline.RiskHigh:     2,
	pipeline.RiskCritical: 3,
}

func raise(check *pipeline.SafetyCheck, level pipeline.RiskLevel) {
	if riskOrder[level] > riskOrder[check.RiskLevel] {
		check.RiskLevel = level
	}
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

var _ pipeline.SafetyEngine = (*Policy)(nil)
