package plugin

import "OpenMCP-Orchestrator/internal/tools"

// Capability 表示插件申请使用的能力，对应其注册工具的类别。
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// capabilityFor 返回注册某类工具所需的能力；不需要额外能力时返回空串。
func capabilityFor(category tools.Category) Capability {
	switch category {
	case tools.CategoryFile:
		return CapabilityFilesystem
	case tools.CategoryNetwork:
		return CapabilityNetwork
	case tools.CategoryShell:
		return CapabilityExecution
	default:
		return ""
	}
}

// Info 是插件的描述信息。
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// State 表示插件实例所处的生命周期阶段。
type State string

const (
	StateRegistered State = "registered"
	StateStarted    State = "started"
	StateStopped    State = "stopped"
)

// Status 是插件当前状态的快照。
type Status struct {
	Info  Info     `json:"info"`
	State State    `json:"state"`
	Tools []string `json:"tools,omitempty"`
}
