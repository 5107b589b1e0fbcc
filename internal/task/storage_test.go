package task

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storageBackends(t *testing.T) map[string]TaskStorage {
	t.Helper()
	sqlite, err := NewSQLStorage(context.Background(), SQLConfig{
		Driver: DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "tasks.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]TaskStorage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func storedTask(id, prompt, user string, created time.Time, status AIStatus) *AITask {
	ai := NewAITask(prompt,
		TaskStep{ID: id + "-1", Description: "first", Tool: "file.read", Arguments: map[string]any{"path": "/tmp/a"}},
		TaskStep{ID: id + "-2", Description: "second", Tool: "system.echo"},
	)
	ai.ID = id
	ai.UserID = user
	ai.Status = status
	ai.Priority = PriorityHigh
	ai.Metadata = map[string]any{"source": "test"}
	ai.CreatedAt = created
	ai.UpdatedAt = created
	return ai
}

func TestStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	created := time.Now().Add(-time.Minute)
	for name, storage := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ai := storedTask("t1", "Back up the database", "alice", created, AIStatusPending)
			require.NoError(t, storage.SaveTask(ctx, ai))

			got, err := storage.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "Back up the database", got.Prompt)
			assert.Equal(t, "alice", got.UserID)
			assert.Equal(t, PriorityHigh, got.Priority)
			assert.Equal(t, AIStatusPending, got.Status)
			assert.Equal(t, "test", got.Metadata["source"])
			assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)
			require.Len(t, got.Steps, 2)
			assert.Equal(t, "t1-1", got.Steps[0].ID)
			assert.Equal(t, "/tmp/a", got.Steps[0].Arguments["path"])
			assert.Equal(t, "system.echo", got.Steps[1].Tool)

			// 再次保存覆盖原记录。
			ai.Prompt = "Back up everything"
			ai.Steps = ai.Steps[:1]
			require.NoError(t, storage.SaveTask(ctx, ai))
			got, err = storage.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "Back up everything", got.Prompt)
			assert.Len(t, got.Steps, 1)

			_, err = storage.GetTask(ctx, "missing")
			assert.ErrorIs(t, err, ErrTaskNotFound)
		})
	}
}

func TestStorageStatusUpdates(t *testing.T) {
	ctx := context.Background()
	for name, storage := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ai := storedTask("t2", "write report", "bob", time.Now(), AIStatusPending)
			require.NoError(t, storage.SaveTask(ctx, ai))

			require.NoError(t, storage.UpdateTaskStatus(ctx, "t2", AIStatusRunning, ""))
			step := ai.Steps[0]
			step.Status = AIStatusRunning
			step.StartedAt = time.Now()
			require.NoError(t, storage.UpdateStepStatus(ctx, "t2", step))

			got, err := storage.GetTask(ctx, "t2")
			require.NoError(t, err)
			assert.Equal(t, AIStatusRunning, got.Status)
			assert.Equal(t, "t2-1", got.CurrentStepID)
			assert.Equal(t, AIStatusRunning, got.Steps[0].Status)

			step.Status = AIStatusFailed
			step.Error = "disk full"
			step.EndedAt = time.Now()
			require.NoError(t, storage.UpdateStepStatus(ctx, "t2", step))
			require.NoError(t, storage.UpdateTaskStatus(ctx, "t2", AIStatusFailed, "step t2-1 failed: disk full"))

			got, err = storage.GetTask(ctx, "t2")
			require.NoError(t, err)
			assert.Equal(t, AIStatusFailed, got.Status)
			assert.Equal(t, "step t2-1 failed: disk full", got.Error)
			assert.Empty(t, got.CurrentStepID)
			assert.Equal(t, "disk full", got.Steps[0].Error)
			assert.False(t, got.Steps[0].EndedAt.IsZero())
			assert.Equal(t, AIStatusPending, got.Steps[1].Status)

			assert.ErrorIs(t, storage.UpdateTaskStatus(ctx, "missing", AIStatusFailed, ""), ErrTaskNotFound)
			assert.ErrorIs(t, storage.UpdateStepStatus(ctx, "t2", TaskStep{ID: "nope", Status: AIStatusCompleted}), ErrTaskNotFound)
		})
	}
}

func TestStorageListTasks(t *testing.T) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for name, storage := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, storage.SaveTask(ctx, storedTask("a", "deploy service", "alice", base, AIStatusCompleted)))
			require.NoError(t, storage.SaveTask(ctx, storedTask("b", "Rotate keys", "bob", base.Add(time.Second), AIStatusFailed)))
			require.NoError(t, storage.SaveTask(ctx, storedTask("c", "deploy docs", "alice", base.Add(2*time.Second), AIStatusPending)))

			all, err := storage.ListTasks(ctx, BuildListOptions())
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"c", "b", "a"}, ids(all))
			assert.Len(t, all[0].Steps, 2)

			asc, err := storage.ListTasks(ctx, BuildListOptions(WithSortOrder(SortByCreatedAsc), WithLimit(2)))
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, ids(asc))

			page, err := storage.ListTasks(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids(page))

			deploy, err := storage.ListTasks(ctx, BuildListOptions(WithQuery("DEPLOY"), WithUser("alice")))
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a"}, ids(deploy))

			finished, err := storage.ListTasks(ctx, BuildListOptions(WithStatuses(AIStatusCompleted, AIStatusFailed, "bogus")))
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "a"}, ids(finished))

			empty, err := storage.ListTasks(ctx, BuildListOptions(WithOffset(10)))
			require.NoError(t, err)
			assert.Empty(t, empty)

			window, err := storage.ListTasks(ctx, BuildListOptions(WithCreatedBetween(base.Add(time.Second), base.Add(2*time.Second))))
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids(window))

			chain := NewAITask("check balance", TaskStep{ID: "d-1", Tool: "chain.balance"})
			chain.ID = "d"
			chain.CreatedAt = base.Add(3 * time.Second)
			chain.UpdatedAt = chain.CreatedAt
			require.NoError(t, storage.SaveTask(ctx, chain))
			byTool, err := storage.ListTasks(ctx, BuildListOptions(WithTool("chain.balance")))
			require.NoError(t, err)
			assert.Equal(t, []string{"d"}, ids(byTool))
			echo, err := storage.ListTasks(ctx, BuildListOptions(WithTool("system.echo")))
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b", "a"}, ids(echo))
		})
	}
}

func TestBuildListOptionsDefaults(t *testing.T) {
	opts := BuildListOptions(WithLimit(1000), WithOffset(-3), WithStatuses(AIStatusRunning, AIStatusRunning))
	assert.Equal(t, 100, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
	assert.Equal(t, []AIStatus{AIStatusRunning}, opts.Statuses)
	assert.Equal(t, SortByCreatedDesc, opts.Order)

	assert.Equal(t, 20, BuildListOptions().Limit)
}

func TestNewSQLStorageRejectsBadConfig(t *testing.T) {
	_, err := NewSQLStorage(context.Background(), SQLConfig{Driver: "postgres", DSN: "x"})
	require.Error(t, err)
	_, err = NewSQLStorage(context.Background(), SQLConfig{Driver: DialectSQLite})
	require.Error(t, err)
}

func TestSQLStorageMigrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")
	first, err := NewSQLStorage(ctx, SQLConfig{Driver: DialectSQLite, DSN: path})
	require.NoError(t, err)
	require.NoError(t, first.SaveTask(ctx, storedTask("keep", "persisted", "", time.Now(), AIStatusPending)))
	require.NoError(t, first.Close())

	second, err := NewSQLStorage(ctx, SQLConfig{Driver: DialectSQLite, DSN: path})
	require.NoError(t, err)
	defer second.Close()
	got, err := second.GetTask(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Prompt)
}

func ids(tasks []*AITask) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}
