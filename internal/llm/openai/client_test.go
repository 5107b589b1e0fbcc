package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	client, err := NewClient(Config{APIKey: "k", BaseURL: "http://example.com/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/v1", client.baseURL)
	assert.Equal(t, defaultModelName, client.Model())
	assert.Equal(t, defaultTimeout, client.httpClient.Timeout)
}

func TestGenerateSuccess(t *testing.T) {
	var (
		header http.Header
		body   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		defer r.Body.Close()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "local-2024",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": ` {"steps":[]} `}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "local", Organization: "org-1", HTTPClient: srv.Client()})
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleSystem, Content: "plan"}, {Role: llm.RoleUser, Content: "测试"}},
		MaxTokens: 256,
		JSON:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"steps":[]}`, resp.Content)
	assert.Equal(t, "local-2024", resp.Model)
	assert.Equal(t, llm.Usage{PromptTokens: 12, CompletionTokens: 3}, resp.Usage)

	assert.Equal(t, "Bearer test", header.Get("Authorization"))
	assert.Equal(t, "org-1", header.Get("OpenAI-Organization"))
	assert.Equal(t, "local", body["model"])
	assert.EqualValues(t, 256, body["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
	assert.Len(t, body["messages"], 2)
}

func TestGenerateErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		code   xerrors.Code
		detail string
	}{
		{"plain rejection", http.StatusBadRequest, "boom", llm.CodeModelRejected, "boom"},
		{"json rejection", http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`, llm.CodeModelRejected, "invalid api key"},
		{"rate limited", http.StatusTooManyRequests, "slow down", llm.CodeModelUnavailable, "slow down"},
		{"server error", http.StatusBadGateway, "upstream", llm.CodeModelUnavailable, "upstream"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, tc.body, tc.status)
			}))
			defer srv.Close()

			client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
			require.NoError(t, err)
			_, err = client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
			require.Error(t, err)
			assert.Equal(t, tc.code, xerrors.CodeOf(err))
			assert.Contains(t, err.Error(), tc.detail)
		})
	}
}

func TestGenerateRejectsEmptyInputAndOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{}})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), llm.Request{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	assert.Equal(t, llm.CodeModelUnavailable, xerrors.CodeOf(err))
}
