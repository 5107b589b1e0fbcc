package tools

import (
	"fmt"
	"strings"
)

// SchemaFormat 标识对外的工具调用协议格式。
type SchemaFormat string

const (
	FormatOpenAI    SchemaFormat = "openai"
	FormatAnthropic SchemaFormat = "anthropic"
	FormatGemini    SchemaFormat = "gemini"
)

// ToOpenAI 生成 OpenAI function calling 格式的工具描述。
func ToOpenAI(def Definition) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        def.Name,
			"description": def.Description,
			"parameters":  objectSchema(def.Parameters, false),
		},
	}
}

// ToAnthropic 生成 Anthropic tool use 格式的工具描述。
func ToAnthropic(def Definition) map[string]any {
	return map[string]any{
		"name":         def.Name,
		"description":  def.Description,
		"input_schema": objectSchema(def.Parameters, false),
	}
}

// ToGemini 生成 Gemini function declaration 格式的工具描述，类型名为大写。
func ToGemini(def Definition) map[string]any {
	return map[string]any{
		"name":        def.Name,
		"description": def.Description,
		"parameters":  objectSchema(def.Parameters, true),
	}
}

// Export 按指定格式导出工具描述。
func Export(def Definition, format SchemaFormat) (map[string]any, error) {
	switch SchemaFormat(strings.ToLower(string(format))) {
	case FormatOpenAI, "":
		return ToOpenAI(def), nil
	case FormatAnthropic:
		return ToAnthropic(def), nil
	case FormatGemini:
		return ToGemini(def), nil
	default:
		return nil, fmt.Errorf("unsupported schema format %q", format)
	}
}

// ExportAll 导出注册表中全部工具的描述。
func (r *Registry) ExportAll(format SchemaFormat) ([]map[string]any, error) {
	defs := r.GetAll()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		schema, err := Export(def, format)
		if err != nil {
			return nil, err
		}
		out = append(out, schema)
	}
	return out, nil
}

func objectSchema(params []Parameter, upper bool) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for _, p := range params {
		properties[p.Name] = parameterSchema(p, upper)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       typeName(TypeObject, upper),
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func parameterSchema(p Parameter, upper bool) map[string]any {
	if p.Type == TypeObject && len(p.Properties) > 0 {
		schema := objectSchema(p.Properties, upper)
		if p.Description != "" {
			schema["description"] = p.Description
		}
		return schema
	}
	schema := map[string]any{"type": typeName(p.Type, upper)}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		schema["enum"] = append([]string(nil), p.Enum...)
	}
	if p.Type == TypeArray {
		items := Parameter{Type: TypeString}
		if p.Items != nil {
			items = *p.Items
		}
		schema["items"] = parameterSchema(items, upper)
	}
	return schema
}

func typeName(t ParameterType, upper bool) string {
	if upper {
		return strings.ToUpper(string(t))
	}
	return string(t)
}
