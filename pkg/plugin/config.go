package plugin

import (
	"errors"
	"fmt"
)

// ManagerConfig 描述插件管理器的配置，作为主配置中的 plugins 段加载。
type ManagerConfig struct {
	Dir      string                  `yaml:"dir" json:"dir"`
	Defaults IsolationPolicy         `yaml:"defaults" json:"defaults"`
	Plugins  map[string]PluginConfig `yaml:"plugins" json:"plugins"`
}

// PluginConfig 是单个插件的配置块。
type PluginConfig struct {
	Enabled bool             `yaml:"enabled" json:"enabled"`
	Path    string           `yaml:"path" json:"path"`
	Config  map[string]any   `yaml:"config" json:"config"`
	Policy  *IsolationPolicy `yaml:"policy" json:"policy"`
}

// IsolationPolicy 约束插件可以使用的能力。
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowed_capabilities" json:"allowed_capabilities"`
	DeniedCapabilities  []Capability `yaml:"denied_capabilities" json:"denied_capabilities"`
}

// Merge 用 other 补全未设置的字段。
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// Validate 检查配置是否自洽。
func (c ManagerConfig) Validate() error {
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if !plugin.Enabled {
			continue
		}
		if plugin.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", id)
		}
	}
	return nil
}
