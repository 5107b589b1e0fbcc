package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/memory"
	"OpenMCP-Orchestrator/internal/pipeline"
	"OpenMCP-Orchestrator/internal/tools"
	"OpenMCP-Orchestrator/pkg/logger"
)

func plannerRegistry() *tools.Registry {
	r := tools.NewRegistry()
	noop := func(context.Context, map[string]any, tools.ExecutionContext) (any, error) { return nil, nil }
	r.MustRegister(tools.Definition{
		Name: "file.read", Description: "Read a file", Category: tools.CategoryFile,
		Parameters: []tools.Parameter{{Name: "path", Type: tools.TypeString, Required: true}},
	}, noop)
	r.MustRegister(tools.Definition{
		Name: "shell.exec", Description: "Run a command", Category: tools.CategoryShell,
		Permissions: []string{"shell:exec"},
	}, noop)
	return r
}

type staticPlanner struct{ called bool }

func (s *staticPlanner) CreatePlan(context.Context, pipeline.PlanRequest) (pipeline.Plan, error) {
	s.called = true
	return pipeline.Plan{Steps: []pipeline.PlanStep{{ID: "fallback", Tool: "file.read"}}}, nil
}

func TestPlannerParsesModelPlan(t *testing.T) {
	var prompt string
	client := ClientFunc(func(_ context.Context, req Request) (*Response, error) {
		assert.True(t, req.JSON)
		require.Len(t, req.Messages, 2)
		prompt = req.Messages[1].Content
		return &Response{Content: "```json\n" + `{"steps":[
			{"id":"a","description":"read","tool":"file.read","arguments":{"path":"/etc/hosts"}},
			{"description":"read again","tool":"file.read","arguments":{"path":"/etc/hosts"},"dependencies":["a"]}
		]}` + "\n```"}, nil
	})
	p := NewPlanner(client, plannerRegistry(), WithLogger(logger.Discard()))

	plan, err := p.CreatePlan(context.Background(), pipeline.PlanRequest{
		Intent:      pipeline.Intent{Category: "file_operation", Confidence: 0.9},
		UserInput:   "show me the hosts file twice",
		Permissions: []string{"file:read"},
		MemoryContext: []memory.Entry{
			{Input: "read hosts", Output: "127.0.0.1 localhost", Success: true},
		},
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "a", plan.Steps[0].ID)
	assert.Equal(t, "/etc/hosts", plan.Steps[0].Arguments["path"])
	assert.Equal(t, "step-2", plan.Steps[1].ID)
	assert.Equal(t, []string{"a"}, plan.Steps[1].Dependencies)

	assert.Contains(t, prompt, "show me the hosts file twice")
	assert.Contains(t, prompt, "file.read: Read a file (path:string!)")
	assert.NotContains(t, prompt, "shell.exec")
	assert.Contains(t, prompt, "[1] 输入:read hosts")
}

func TestPlannerRejectsInvalidPlans(t *testing.T) {
	cases := map[string]string{
		"not json":        "I think you should read the file",
		"empty":           `{"steps":[]}`,
		"unknown tool":    `{"steps":[{"id":"a","tool":"net.scan"}]}`,
		"forward dep":     `{"steps":[{"id":"a","tool":"file.read","dependencies":["b"]},{"id":"b","tool":"file.read"}]}`,
		"duplicate ids":   `{"steps":[{"id":"a","tool":"file.read"},{"id":"a","tool":"file.read"}]}`,
		"restricted tool": `{"steps":[{"id":"a","tool":"shell.exec"}]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			client := ClientFunc(func(context.Context, Request) (*Response, error) {
				return &Response{Content: content}, nil
			})
			_, err := NewPlanner(client, plannerRegistry(), WithLogger(logger.Discard())).
				CreatePlan(context.Background(), pipeline.PlanRequest{UserInput: "x", Permissions: []string{"file:read"}})
			require.Error(t, err)
			assert.Equal(t, CodePlanInvalid, xerrors.CodeOf(err))
		})
	}
}

func TestPlannerFallsBackWhenModelFails(t *testing.T) {
	client := ClientFunc(func(context.Context, Request) (*Response, error) {
		return nil, errors.New("connection refused")
	})
	fallback := &staticPlanner{}
	p := NewPlanner(client, plannerRegistry(), WithFallback(fallback), WithLogger(logger.Discard()))

	plan, err := p.CreatePlan(context.Background(), pipeline.PlanRequest{UserInput: "x"})
	require.NoError(t, err)
	assert.True(t, fallback.called)
	assert.Equal(t, "fallback", plan.Steps[0].ID)

	_, err = NewPlanner(client, plannerRegistry(), WithLogger(logger.Discard())).
		CreatePlan(context.Background(), pipeline.PlanRequest{UserInput: "x"})
	assert.Equal(t, xerrors.CodeExecutorFailure, xerrors.CodeOf(err))
	assert.True(t, strings.Contains(err.Error(), "connection refused"))
}

func TestPlannerTimeout(t *testing.T) {
	client := ClientFunc(func(ctx context.Context, _ Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := NewPlanner(client, plannerRegistry(), WithTimeout(10*time.Millisecond), WithLogger(logger.Discard())).
		CreatePlan(context.Background(), pipeline.PlanRequest{UserInput: "x"})
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestPlannerKeepsModelErrorCodes(t *testing.T) {
	client := ClientFunc(func(context.Context, Request) (*Response, error) {
		return nil, xerrors.New(CodeModelUnavailable, "rate limited")
	})
	_, err := NewPlanner(client, plannerRegistry(), WithLogger(logger.Discard())).
		CreatePlan(context.Background(), pipeline.PlanRequest{UserInput: "x"})
	require.Error(t, err)
	assert.Equal(t, CodeModelUnavailable, xerrors.CodeOf(err))
	assert.True(t, xerrors.HasCode(err, CodeModelUnavailable))
}
