// Package plugin 管理以插件形式提供工具的扩展。
//
// 插件在启动时把自己的工具注册进共享的 tools.Registry，停止时撤回。
// 插件声明的能力必须覆盖其工具的类别，并受隔离策略约束。
package plugin

import (
	"context"
	"log/slog"

	"OpenMCP-Orchestrator/internal/tools"
)

// Plugin 是插件需要实现的生命周期接口。
type Plugin interface {
	// Info 返回插件的静态描述。
	Info() Info
	// Configure 在注册前检查配置块，可以就地补充默认值。
	Configure(cfg map[string]any) error
	// Tools 返回插件提供的工具。
	Tools(ctx *ExecutionContext) ([]tools.Tool, error)
	// Stop 释放插件持有的资源。
	Stop(ctx *ExecutionContext) error
}

// ExecutionContext 在每个生命周期阶段传给插件。
type ExecutionContext struct {
	C         context.Context
	Config    map[string]any
	Resources map[string]any
}

// Clone 返回浅拷贝，插件可以安全地修改其中的 map。
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Config = cloneConfig(c.Config)
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// Option 调整 Manager 的行为。
type Option func(*Manager)

// WithLoader 替换默认的二进制加载器。
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy 替换默认的隔离策略。
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource 向插件暴露宿主提供的共享资源。
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key != "" {
			m.resources[key] = value
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}
