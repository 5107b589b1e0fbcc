package plugin

import (
	"errors"
	"fmt"
	"slices"

	"OpenMCP-Orchestrator/internal/tools"
)

// IsolationStrategy 在运行期执行插件的安全约束。
type IsolationStrategy interface {
	// Validate 检查插件声明的能力是否被策略允许。
	Validate(info Info, policy IsolationPolicy) error
	// Admit 检查单个工具能否以该插件的名义注册。
	Admit(info Info, def tools.Definition) error
}

// CapabilityStrategy 只做能力层面的校验。
type CapabilityStrategy struct{}

// Validate 实现 IsolationStrategy。
func (CapabilityStrategy) Validate(info Info, policy IsolationPolicy) error {
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(info.Capabilities, c) {
			return fmt.Errorf("capability %s is explicitly denied", c)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range info.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s not permitted", c)
		}
	}
	return nil
}

// Admit 要求插件为文件、网络与命令类工具声明对应能力。
func (CapabilityStrategy) Admit(info Info, def tools.Definition) error {
	required := capabilityFor(def.Category)
	if required == "" || slices.Contains(info.Capabilities, required) {
		return nil
	}
	return fmt.Errorf("tool %s (%s) requires capability %s", def.Name, def.Category, required)
}

// NewIsolationStrategy 在未提供策略时返回 CapabilityStrategy。
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return CapabilityStrategy{}
	}
	return strategy
}

// MergePolicies 合并默认策略与插件自己的策略。
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if len(merged.AllowedCapabilities) == 0 && len(merged.DeniedCapabilities) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy 声明了能力的插件必须配有隔离策略。
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if len(policy.AllowedCapabilities) == 0 && len(policy.DeniedCapabilities) == 0 {
		return errors.New("plugins declaring capabilities require an isolation policy")
	}
	return nil
}
