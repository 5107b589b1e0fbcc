package heuristic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"OpenMCP-Orchestrator/internal/pipeline"
)

// 支持的输出格式。
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

// Formatter 把执行报告或任意内容转换为 text、markdown 或 json。
type Formatter struct {
	defaultFormat string
}

// NewFormatter 创建格式化器，defaultFormat 为空时使用 text。
func NewFormatter(defaultFormat string) *Formatter {
	if defaultFormat == "" {
		defaultFormat = FormatText
	}
	return &Formatter{defaultFormat: defaultFormat}
}

// Format 实现 pipeline.OutputEngine。不支持的格式以 Error 字段返回而不是 error。
func (f *Formatter) Format(_ context.Context, req pipeline.FormatRequest) (pipeline.FormattedOutput, error) {
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = f.defaultFormat
	}
	out := pipeline.FormattedOutput{Format: format, Metadata: req.Metadata}

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(req.Content, "", "  ")
		if err != nil {
			out.Error = true
			out.ErrorMessage = fmt.Sprintf("encode json: %v", err)
			return out, nil
		}
		out.Content = string(data)
	case FormatMarkdown:
		out.Content = markdown(req.Content, req.Metadata)
	case FormatText:
		out.Content = text(req.Content)
	default:
		out.Error = true
		out.ErrorMessage = fmt.Sprintf("unsupported output format %q", format)
	}
	return out, nil
}

func text(content any) string {
	report, ok := content.(*pipeline.ExecutionReport)
	if !ok {
		return plain(content)
	}
	var b strings.Builder
	for i, step := range report.Steps {
		if i > 0 {
			b.WriteByte('\n')
		}
		status := "ok"
		if !step.Success {
			status = "failed: " + step.Error
		}
		fmt.Fprintf(&b, "%s [%s] %s", step.StepID, step.Tool, status)
		if step.Output != nil {
			fmt.Fprintf(&b, " -> %s", plain(step.Output))
		}
	}
	return b.String()
}

func markdown(content any, metadata map[string]any) string {
	report, ok := content.(*pipeline.ExecutionReport)
	if !ok {
		return plain(content)
	}
	var b strings.Builder
	b.WriteString("## Execution\n\n")
	fmt.Fprintf(&b, "Mode: %s", report.Mode)
	if report.Simulated {
		b.WriteString(" (simulated)")
	}
	b.WriteString("\n\n| Step | Tool | Status | Output |\n|---|---|---|---|\n")
	for _, step := range report.Steps {
		status := "ok"
		if !step.Success {
			status = "failed"
		}
		output := plain(step.Output)
		if step.Error != "" {
			output = step.Error
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", step.StepID, step.Tool, status, escapeCell(output))
	}
	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- **%s**: %v\n", k, metadata[k])
		}
	}
	return b.String()
}

func plain(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

var _ pipeline.OutputEngine = (*Formatter)(nil)
