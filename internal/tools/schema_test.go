package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaDefinition() Definition {
	return Definition{
		Name:        "file.search",
		Description: "search files",
		Category:    CategoryFile,
		Parameters: []Parameter{
			{Name: "query", Type: TypeString, Required: true, Description: "pattern"},
			{Name: "tags", Type: TypeArray, Items: &Parameter{Type: TypeString}},
			{Name: "mode", Type: TypeString, Enum: []string{"fast", "deep"}},
		},
	}
}

func TestToOpenAI(t *testing.T) {
	schema := ToOpenAI(schemaDefinition())
	assert.Equal(t, "function", schema["type"])
	fn := schema["function"].(map[string]any)
	assert.Equal(t, "file.search", fn["name"])
	params := fn["parameters"].(map[string]any)
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []string{"query"}, params["required"])
	props := params["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string"}, props["tags"].(map[string]any)["items"])
	assert.Equal(t, []string{"fast", "deep"}, props["mode"].(map[string]any)["enum"])
}

func TestToAnthropicAndGemini(t *testing.T) {
	anthropic := ToAnthropic(schemaDefinition())
	assert.Contains(t, anthropic, "input_schema")

	gemini := ToGemini(schemaDefinition())
	params := gemini["parameters"].(map[string]any)
	assert.Equal(t, "OBJECT", params["type"])
	query := params["properties"].(map[string]any)["query"].(map[string]any)
	assert.Equal(t, "STRING", query["type"])
}

func TestExportAll(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(schemaDefinition(), noop)

	out, err := r.ExportAll(FormatAnthropic)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "file.search", out[0]["name"])

	_, err = r.ExportAll("mcp")
	assert.Error(t, err)
}
