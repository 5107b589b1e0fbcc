package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"OpenMCP-Orchestrator/internal/tools"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Manager 跟踪已注册的插件，并把它们的工具挂到共享注册表上。
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*instance
	registry  *tools.Registry
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	logger    *slog.Logger
}

type instance struct {
	mu     sync.Mutex
	plugin Plugin
	info   Info
	state  State
	config map[string]any
	policy IsolationPolicy
	tools  []string
}

// NewManager 创建管理器并加载配置中启用的插件，插件在 Start 之前不会注册工具。
func NewManager(registry *tools.Registry, cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("plugin manager requires a tool registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		instances: make(map[string]*instance),
		registry:  registry,
		loader:    GoPluginLoader{},
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
		logger:    logger.Named("plugin"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register 直接登记一个插件实例。
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy *IsolationPolicy) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return errors.New("plugin implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	info.ID = id
	merged := MergePolicies(m.defaults, policy)
	if err := EnsurePolicy(info, merged); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, merged); err != nil {
		return err
	}
	cfg = cloneConfig(cfg)
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.instances[id] = &instance{plugin: p, info: info, state: StateRegistered, config: cfg, policy: merged}
	return nil
}

// Load 从磁盘加载插件并登记。
func (m *Manager) Load(id, path string, cfg map[string]any, policy *IsolationPolicy) error {
	if path == "" {
		return errors.New("plugin path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", path, err)
	}
	return m.Register(id, p, cfg, policy)
}

// Start 注册插件提供的全部工具。任一工具被拒绝时已注册的部分会被撤回。
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state == StateStarted {
		return nil
	}

	provided, err := inst.plugin.Tools(m.execContext(ctx, inst))
	if err != nil {
		return fmt.Errorf("start plugin %s: %w", id, err)
	}
	for _, tool := range provided {
		if err := m.isolation.Admit(inst.info, tool.Definition); err != nil {
			return fmt.Errorf("plugin %s: %w", id, err)
		}
	}
	registered := make([]string, 0, len(provided))
	for _, tool := range provided {
		if err := m.registry.Register(tool.Definition, tool.Func); err != nil {
			for _, name := range registered {
				m.registry.Unregister(name)
			}
			return fmt.Errorf("plugin %s: %w", id, err)
		}
		registered = append(registered, tool.Name)
	}
	inst.tools = registered
	inst.state = StateStarted
	m.logger.Info("插件已启动", slog.String("plugin", id), slog.Int("tools", len(registered)))
	return nil
}

// Stop 撤回插件的工具并通知插件释放资源。
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateStarted {
		return nil
	}
	for _, name := range inst.tools {
		m.registry.Unregister(name)
	}
	inst.tools = nil
	inst.state = StateStopped
	if err := inst.plugin.Stop(m.execContext(ctx, inst)); err != nil {
		return fmt.Errorf("stop plugin %s: %w", id, err)
	}
	return nil
}

// StartAll 按 ID 顺序启动全部插件。
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll 停止全部插件，返回遇到的所有错误。
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.ids() {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Statuses 返回所有插件的状态快照。
func (m *Manager) Statuses() []Status {
	ids := m.ids()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		inst, err := m.get(id)
		if err != nil {
			continue
		}
		inst.mu.Lock()
		out = append(out, Status{Info: inst.info, State: inst.state, Tools: append([]string(nil), inst.tools...)})
		inst.mu.Unlock()
	}
	return out
}

func (m *Manager) execContext(ctx context.Context, inst *instance) *ExecutionContext {
	return (&ExecutionContext{C: ctx, Config: inst.config, Resources: m.resources}).Clone()
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s not registered", id)
	}
	return inst, nil
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	for id, pluginCfg := range cfg.Plugins {
		if !pluginCfg.Enabled {
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.Dir != "" {
			path = filepath.Join(cfg.Dir, path)
		}
		if err := m.Load(id, path, pluginCfg.Config, pluginCfg.Policy); err != nil {
			return err
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
