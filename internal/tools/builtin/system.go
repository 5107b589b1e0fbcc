// Package builtin 提供随服务一起注册的内置工具：system.* 与可选的 chain.*。
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/tools"
)

// 内置工具名称。
const (
	ToolEcho          = "system.echo"
	ToolTime          = "system.time"
	ToolChainSnapshot = "chain.snapshot"
	ToolChainBalance  = "chain.balance"
	ToolChainNonce    = "chain.nonce"
)

// now 便于测试替换。
var now = time.Now

// RegisterSystem 注册 system.echo 与 system.time。
func RegisterSystem(registry *tools.Registry) error {
	defs := []struct {
		def tools.Definition
		fn  tools.Func
	}{
		{
			def: tools.Definition{
				Name:        ToolEcho,
				Description: "Echo the given text back, useful for conversational replies and dry runs",
				Category:    tools.CategorySystem,
				Parameters: []tools.Parameter{
					{Name: "text", Type: tools.TypeString, Description: "text to echo", Required: true},
				},
				Reversible: true,
			},
			fn: echo,
		},
		{
			def: tools.Definition{
				Name:        ToolTime,
				Description: "Report the current server time, optionally in an IANA timezone",
				Category:    tools.CategorySystem,
				Parameters: []tools.Parameter{
					{Name: "timezone", Type: tools.TypeString, Description: "IANA timezone such as Asia/Shanghai"},
				},
				Reversible: true,
			},
			fn: currentTime,
		},
	}
	for _, d := range defs {
		if err := registry.Register(d.def, d.fn); err != nil {
			return err
		}
	}
	return nil
}

func echo(_ context.Context, params map[string]any, _ tools.ExecutionContext) (any, error) {
	text, _ := params["text"].(string)
	return map[string]any{"text": text}, nil
}

func currentTime(_ context.Context, params map[string]any, _ tools.ExecutionContext) (any, error) {
	loc := time.UTC
	if name, _ := params["timezone"].(string); strings.TrimSpace(name) != "" {
		l, err := time.LoadLocation(strings.TrimSpace(name))
		if err != nil {
			return nil, xerrors.Wrap(tools.CodeToolParameterInvalid, err, fmt.Sprintf("未知时区 %q", name))
		}
		loc = l
	}
	t := now().In(loc)
	return map[string]any{
		"time":     t.Format(time.RFC3339),
		"unix":     t.Unix(),
		"timezone": loc.String(),
	}, nil
}
