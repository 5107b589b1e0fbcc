package tools

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.:-]{0,63}$`)

// Registry 是“有哪些工具、如何执行它们”的唯一来源。
// 注册通常发生在进程启动阶段，运行期的读写由读写锁保护。
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	byCategory map[Category]map[string]struct{}
	logger     *slog.Logger
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		byCategory: make(map[Category]map[string]struct{}),
		logger:     logger.Named("tools.registry"),
	}
}

// Register 校验定义并注册工具。名字重复时返回 CodeToolDuplicate，注册表保持不变。
func (r *Registry) Register(def Definition, fn Func) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	if fn == nil {
		return xerrors.Newf(CodeToolDefinitionInvalid, "工具 %s 缺少执行函数", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return xerrors.Newf(CodeToolDuplicate, "工具 %s 已注册", def.Name)
	}
	r.tools[def.Name] = Tool{Definition: cloneDefinition(def), Func: fn}
	set := r.byCategory[def.Category]
	if set == nil {
		set = make(map[string]struct{})
		r.byCategory[def.Category] = set
	}
	set[def.Name] = struct{}{}
	r.logger.Debug("工具已注册", slog.String("tool", def.Name), slog.String("category", string(def.Category)))
	return nil
}

// MustRegister 与 Register 相同，但在失败时 panic，仅用于启动阶段的内置工具。
func (r *Registry) MustRegister(def Definition, fn Func) {
	if err := r.Register(def, fn); err != nil {
		panic(err)
	}
}

// Unregister 移除工具及其类别索引，返回是否确实移除了内容。
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool, ok := r.tools[name]
	if !ok {
		return false
	}
	delete(r.tools, name)
	if set, ok := r.byCategory[tool.Category]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(r.byCategory, tool.Category)
		}
	}
	return true
}

// Get 返回指定名字的工具副本。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return Tool{Definition: cloneDefinition(tool.Definition), Func: tool.Func}, true
}

// Has 判断工具是否存在。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count 返回已注册工具数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// GetAll 返回全部工具定义，按名字排序。
func (r *Registry) GetAll() []Definition {
	return r.filter(func(Definition) bool { return true })
}

// GetByCategory 返回指定类别下的工具定义。
func (r *Registry) GetByCategory(category Category) []Definition {
	r.mu.RLock()
	names := make([]string, 0, len(r.byCategory[category]))
	for name := range r.byCategory[category] {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, cloneDefinition(r.tools[name].Definition))
	}
	r.mu.RUnlock()
	return defs
}

// GetByPermission 返回需要指定权限的工具定义。
func (r *Registry) GetByPermission(permission string) []Definition {
	return r.filter(func(def Definition) bool {
		for _, p := range def.Permissions {
			if p == permission {
				return true
			}
		}
		return false
	})
}

// Search 对名字与描述做不区分大小写的子串匹配。
func (r *Registry) Search(text string) []Definition {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return r.GetAll()
	}
	return r.filter(func(def Definition) bool {
		return strings.Contains(strings.ToLower(def.Name), needle) ||
			strings.Contains(strings.ToLower(def.Description), needle)
	})
}

// GetForUser 返回所需权限全部被 permissions 满足的工具，供规划器与路由器限定可选范围。
func (r *Registry) GetForUser(permissions []string) []Definition {
	return r.filter(func(def Definition) bool {
		return hasAll(permissions, def.Permissions)
	})
}

// GetForPeer 返回可在指定 peer 上执行的工具：所需权限必须全部包含在 capabilities 中；
// peerID 为空时排除需要 peer 的工具。
func (r *Registry) GetForPeer(peerID string, capabilities []string) []Definition {
	peerID = strings.TrimSpace(peerID)
	return r.filter(func(def Definition) bool {
		if def.RequiresPeer && peerID == "" {
			return false
		}
		return hasAll(capabilities, def.Permissions)
	})
}

func (r *Registry) filter(keep func(Definition) bool) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		if keep(tool.Definition) {
			defs = append(defs, cloneDefinition(tool.Definition))
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ValidateDefinition 校验工具定义的结构。
func ValidateDefinition(def Definition) error {
	if !toolNamePattern.MatchString(def.Name) {
		return xerrors.Newf(CodeToolDefinitionInvalid, "工具名非法: %q", def.Name)
	}
	if strings.TrimSpace(def.Description) == "" {
		return xerrors.Newf(CodeToolDefinitionInvalid, "工具 %s 缺少描述", def.Name)
	}
	if !IsValidCategory(def.Category) {
		return xerrors.Newf(CodeToolDefinitionInvalid, "工具 %s 的类别 %q 不受支持", def.Name, def.Category)
	}
	if err := validateParameters(def.Name, def.Parameters); err != nil {
		return err
	}
	for _, perm := range def.Permissions {
		if strings.TrimSpace(perm) == "" {
			return xerrors.Newf(CodeToolDefinitionInvalid, "工具 %s 含有空权限", def.Name)
		}
	}
	return nil
}

func validateParameters(tool string, params []Parameter) error {
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if strings.TrimSpace(p.Name) == "" {
			return xerrors.Newf(CodeToolDefinitionInvalid, "工具 %s 含有未命名参数", tool)
		}
		if _, dup := seen[p.Name]; dup {
			return xerrors.Newf(CodeToolDefinitionInvalid, "工具 %s 的参数 %s 重复", tool, p.Name)
		}
		seen[p.Name] = struct{}{}
		if !isValidParameterType(p.Type) {
			return xerrors.Newf(CodeToolDefinitionInvalid, "工具 %s 的参数 %s 类型 %q 不受支持", tool, p.Name, p.Type)
		}
		if p.Items != nil {
			if err := validateParameters(tool, []Parameter{withDefaultName(*p.Items, p.Name)}); err != nil {
				return err
			}
		}
		if len(p.Properties) > 0 {
			if err := validateParameters(tool, p.Properties); err != nil {
				return err
			}
		}
	}
	return nil
}

func withDefaultName(p Parameter, fallback string) Parameter {
	if p.Name == "" {
		p.Name = fallback + "[]"
	}
	return p
}
