package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesRegisteredDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "")
	assert.Equal(t, "[STORAGE_FAILURE] storage failure", err.Error())
	assert.True(t, err.Retryable())
	assert.Equal(t, SeverityCritical, err.Severity())

	overridden := New(CodeStorageFailure, "disk full", WithRetryable(false), WithSeverity(SeverityWarning))
	assert.False(t, overridden.Retryable())
	assert.Equal(t, SeverityWarning, overridden.Severity())
}

func TestWrapAndLookup(t *testing.T) {
	cause := stdErrors.New("connection reset")
	wrapped := fmt.Errorf("saving task: %w", Wrap(CodeQueueFailure, cause, "发布任务失败", WithMetadata("queue", "tasks")))

	assert.Equal(t, CodeQueueFailure, CodeOf(wrapped))
	assert.True(t, RetryableError(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.ErrorIs(t, wrapped, New(CodeQueueFailure, "other message"))

	xe, ok := From(wrapped)
	require.True(t, ok)
	assert.Equal(t, "发布任务失败: connection reset", xe.Detail())
	assert.Equal(t, map[string]string{"queue": "tasks"}, xe.Metadata())

	assert.Equal(t, CodeUnknown, CodeOf(cause))
	assert.False(t, RetryableError(cause))
	assert.Equal(t, KindInternal, KindOf(cause))
}

func TestHasCodeSeesInnerCodes(t *testing.T) {
	inner := New(CodeTimeout, "slow")
	outer := Wrap(CodeExecutorFailure, inner, "step failed")
	assert.Equal(t, CodeExecutorFailure, CodeOf(outer))
	assert.True(t, HasCode(outer, CodeTimeout))
	assert.False(t, HasCode(outer, CodeNotFound))
}

func TestRegisterDefaultsKind(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityInfo})
	assert.Equal(t, KindInternal, AttributesOf(code).Kind)
	assert.Equal(t, "registered", New(code, "").Message())

	assert.Equal(t, KindNotFound, KindOf(New(CodeNotFound, "")))
	assert.Equal(t, AttributesOf(CodeUnknown), AttributesOf("NEVER_REGISTERED"))
}
