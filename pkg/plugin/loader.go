package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// Loader 把插件路径解析为 Plugin 实现。
type Loader interface {
	Load(path string) (Plugin, error)
}

// LoaderFunc 让普通函数满足 Loader。
type LoaderFunc func(path string) (Plugin, error)

// Load 实现 Loader。
func (f LoaderFunc) Load(path string) (Plugin, error) { return f(path) }

// 共享对象中按顺序查找的导出符号。
var symbolNames = []string{"Plugin", "New"}

// GoPluginLoader 使用 Go 原生的 plugin 机制加载共享对象。
// 共享对象需导出 Plugin 变量或 New 构造函数。
type GoPluginLoader struct{}

// Load 实现 Loader。
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	for _, name := range symbolNames {
		symbol, err := so.Lookup(name)
		if err != nil {
			continue
		}
		p, err := resolveSymbol(symbol)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: symbol %s: %w", path, name, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("plugin %s exports neither Plugin nor New", path)
}

func resolveSymbol(symbol any) (Plugin, error) {
	var p Plugin
	switch s := symbol.(type) {
	case Plugin:
		p = s
	case *Plugin:
		if s != nil {
			p = *s
		}
	case func() Plugin:
		p = s()
	case *func() Plugin:
		if s != nil && *s != nil {
			p = (*s)()
		}
	default:
		return nil, fmt.Errorf("unexpected type %T", symbol)
	}
	if p == nil {
		return nil, errors.New("symbol resolves to a nil plugin")
	}
	return p, nil
}
