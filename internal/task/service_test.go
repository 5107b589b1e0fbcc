package task

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Orchestrator/internal/bus"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/pkg/logger"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *captureDispatcher) received() []alerting.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alerting.Event(nil), c.events...)
}

func echoRequest(prompt string) SubmitRequest {
	return SubmitRequest{
		Prompt: prompt,
		UserID: "alice",
		Steps:  []TaskStep{{ID: "s1", Tool: "system.echo", Arguments: map[string]any{"text": "hi"}}},
	}
}

func TestServiceSubmitsDirectly(t *testing.T) {
	exec := newScriptedExecutor()
	exec.results["system.echo"] = "hi"
	o := newTestOrchestrator(t, WithStepExecutor(exec.exec))
	svc := NewService(o, nil, nil)
	assert.False(t, svc.Queued())

	ai, err := svc.Submit(context.Background(), echoRequest("say hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := svc.WaitUntilCompleted(ctx, ai.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, AIStatusCompleted, done.Status)
	assert.Equal(t, "hi", done.Steps[0].Result)

	listed, err := svc.List(context.Background(), WithUser("alice"))
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	// 同一用户带 ID 的重复提交返回已有任务，其他用户不能借 ID 读取。
	again, err := svc.Submit(context.Background(), SubmitRequest{ID: ai.ID, Prompt: "say hi", UserID: "alice", Steps: echoRequest("").Steps})
	require.NoError(t, err)
	assert.Equal(t, ai.ID, again.ID)
	assert.Len(t, o.GetAllAITasks(), 1)

	stolen, err := svc.Submit(context.Background(), SubmitRequest{ID: ai.ID, Prompt: "say hi", UserID: "mallory", Steps: echoRequest("").Steps})
	assert.Nil(t, stolen)
	assert.True(t, IsTaskError(err, CodeTaskConflict))
	assert.Len(t, o.GetAllAITasks(), 1)
}

func TestServiceAuthorizesEveryStep(t *testing.T) {
	var (
		mu     sync.Mutex
		owners []string
	)
	o := newTestOrchestrator(t, WithStepExecutor(func(ctx context.Context, tool string, _ map[string]any, _ string) (any, error) {
		mu.Lock()
		owners = append(owners, OwnerFromContext(ctx))
		mu.Unlock()
		return tool, nil
	}))
	denied := errors.New("missing system:admin")
	var checked []string
	svc := NewService(o, nil, nil, WithStepAuthorizer(func(_ context.Context, userID string, perms []string, tool string) error {
		checked = append(checked, userID+":"+tool)
		if tool == "admin.reset" && !slices.Contains(perms, "system:admin") {
			return xerrors.Wrap(xerrors.CodePermissionDenied, denied, "")
		}
		return nil
	}))

	_, err := svc.Submit(context.Background(), SubmitRequest{
		Prompt: "reset everything",
		UserID: "anonymous",
		Steps:  []TaskStep{{ID: "s1", Tool: "system.echo"}, {ID: "s2", Tool: "admin.reset"}},
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePermissionDenied, xerrors.CodeOf(err))
	assert.Equal(t, []string{"anonymous:system.echo", "anonymous:admin.reset"}, checked)
	assert.Empty(t, o.GetAllAITasks())

	ai, err := svc.Submit(context.Background(), SubmitRequest{
		Prompt:      "reset everything",
		UserID:      "root",
		Permissions: []string{"system:admin"},
		Steps:       []TaskStep{{ID: "s1", Tool: "admin.reset"}},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := svc.WaitUntilCompleted(ctx, ai.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, AIStatusCompleted, done.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"root"}, owners)
}

func TestServiceSubmitValidation(t *testing.T) {
	o := newTestOrchestrator(t, WithStepExecutor(newScriptedExecutor().exec))
	svc := NewService(o, nil, nil)

	_, err := svc.Submit(context.Background(), SubmitRequest{Prompt: "  "})
	assert.True(t, IsTaskError(err, CodeTaskValidation))

	_, err = svc.Submit(context.Background(), SubmitRequest{Prompt: "no steps"})
	assert.True(t, IsTaskError(err, CodeTaskValidation))

	_, err = svc.Submit(context.Background(), SubmitRequest{Prompt: "bad", Steps: []TaskStep{{ID: "s"}}})
	assert.True(t, IsTaskError(err, CodeTaskValidation))

	queuedWithoutStorage := NewService(o, nil, NewMemoryQueue(1))
	_, err = queuedWithoutStorage.Submit(context.Background(), echoRequest("x"))
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestServiceQueuedSubmissionIsProcessed(t *testing.T) {
	exec := newScriptedExecutor()
	exec.results["system.echo"] = "queued hi"
	storage := NewMemoryStorage()
	o := newTestOrchestrator(t, WithStepExecutor(exec.exec), WithStorage(storage))
	queue := NewMemoryQueue(8)
	svc := NewService(o, storage, queue)
	require.True(t, svc.Queued())

	processor := NewProcessor(o, storage, queue, WithWorkerCount(2), WithProcessorLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- processor.Start(ctx) }()

	ai, err := svc.Submit(context.Background(), echoRequest("queued greeting"))
	require.NoError(t, err)
	assert.Equal(t, AIStatusPending, ai.Status)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	done, err := svc.WaitUntilCompleted(waitCtx, ai.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, AIStatusCompleted, done.Status)

	require.NoError(t, o.WaitForAll(context.Background(), 5*time.Second))
	stored, err := storage.GetTask(context.Background(), ai.ID)
	require.NoError(t, err)
	assert.Equal(t, AIStatusCompleted, stored.Status)

	cancel()
	assert.ErrorIs(t, <-stopped, context.Canceled)
}

func TestServicePublishFailureMarksTaskFailed(t *testing.T) {
	storage := NewMemoryStorage()
	o := newTestOrchestrator(t, WithStepExecutor(newScriptedExecutor().exec))
	svc := NewService(o, storage, failingProducer{})

	_, err := svc.Submit(context.Background(), SubmitRequest{ID: "pub-1", Prompt: "p", Steps: echoRequest("").Steps})
	require.Error(t, err)
	assert.True(t, IsTaskError(err, CodeTaskPublish))

	stored, err := storage.GetTask(context.Background(), "pub-1")
	require.NoError(t, err)
	assert.Equal(t, AIStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "broker down")
}

func TestServiceCancelBeforeConsumption(t *testing.T) {
	storage := NewMemoryStorage()
	exec := newScriptedExecutor()
	o := newTestOrchestrator(t, WithStepExecutor(exec.exec))
	queue := NewMemoryQueue(8)
	svc := NewService(o, storage, queue)

	ai, err := svc.Submit(context.Background(), echoRequest("never run"))
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(context.Background(), ai.ID))

	stored, err := storage.GetTask(context.Background(), ai.ID)
	require.NoError(t, err)
	assert.Equal(t, AIStatusFailed, stored.Status)
	assert.Equal(t, "cancelled", stored.Error)

	processor := NewProcessor(o, storage, queue, WithProcessorLogger(logger.Discard()))
	require.NoError(t, processor.handle(context.Background(), ai.ID))
	_, known := o.GetAITask(ai.ID)
	assert.False(t, known)
	assert.Empty(t, exec.invoked())

	err = svc.Cancel(context.Background(), ai.ID)
	assert.True(t, IsTaskError(err, CodeTaskConflict))
	err = svc.Cancel(context.Background(), "missing")
	assert.True(t, IsTaskError(err, CodeTaskNotFound))
}

func TestProcessorResumesInterruptedTask(t *testing.T) {
	storage := NewMemoryStorage()
	exec := newScriptedExecutor()
	o := newTestOrchestrator(t, WithStepExecutor(exec.exec), WithStorage(storage))

	ai := NewAITask("resume me",
		TaskStep{ID: "s1", Tool: "a", Status: AIStatusCompleted, Result: "done"},
		TaskStep{ID: "s2", Tool: "b", Status: AIStatusRunning},
	)
	ai.Status = AIStatusRunning
	ai.Metadata = map[string]any{metadataDependencies: []any{"warmup"}}
	require.NoError(t, storage.SaveTask(context.Background(), ai))

	_, err := o.AddTask(&Task{ID: "warmup", Execute: func(context.Context) (any, error) { return nil, nil }})
	require.NoError(t, err)

	processor := NewProcessor(o, storage, nil, WithProcessorLogger(logger.Discard()))
	require.NoError(t, processor.handle(context.Background(), ai.ID))
	require.NoError(t, o.WaitForAll(context.Background(), 5*time.Second))

	assert.Equal(t, []string{"s2"}, exec.invoked())
	got, _ := o.GetAITask(ai.ID)
	assert.Equal(t, AIStatusCompleted, got.Status)

	// 再次投递同一任务时跳过。
	require.NoError(t, processor.handle(context.Background(), ai.ID))
	assert.Equal(t, []string{"s2"}, exec.invoked())
	require.NoError(t, processor.handle(context.Background(), "unknown"))

	err = processor.Start(context.Background())
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestProcessorAlertsOnFailedAITask(t *testing.T) {
	events := bus.New(bus.WithLogger(logger.Discard()))
	exec := newScriptedExecutor()
	exec.errs["file.write"] = errors.New("disk full")
	o := newTestOrchestrator(t, WithStepExecutor(exec.exec), WithEventBus(events))
	dispatcher := &captureDispatcher{}
	processor := NewProcessor(o, NewMemoryStorage(), nil,
		WithAlertDispatcher(dispatcher), WithProcessorLogger(logger.Discard()))
	unsubscribe := processor.AlertOnFailure(events)
	defer unsubscribe()

	id, err := o.SubmitAITask(NewAITask("write", TaskStep{ID: "w", Tool: "file.write"}))
	require.NoError(t, err)
	require.NoError(t, o.WaitForAll(context.Background(), 5*time.Second))

	require.Eventually(t, func() bool { return len(dispatcher.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	alert := dispatcher.received()[0]
	assert.Equal(t, id, alert.TaskID)
	assert.Equal(t, "w", alert.StepID)
	assert.Equal(t, CodeAITaskStepFailed, alert.Code)
	assert.Equal(t, xerrors.SeverityWarning, alert.Severity)
	assert.Contains(t, alert.Message, "disk full")
	assert.Equal(t, "aitask_failed", alert.Metadata["stage"])
}
