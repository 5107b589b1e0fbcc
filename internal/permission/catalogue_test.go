package permission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

func TestSubjectWildcardPermissions(t *testing.T) {
	subject := &Subject{ID: "ops", Permissions: []string{"file:*", "System:Read"}}

	assert.True(t, subject.HasPermission("file:write"))
	assert.True(t, subject.HasPermission("system:read"))
	assert.False(t, subject.HasPermission("system:admin"))

	err := subject.Authorize("file:read", "system:admin")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePermissionDenied, xerrors.CodeOf(err))
}

func TestCatalogueValidate(t *testing.T) {
	c := NewCatalogue([]Seed{
		{ID: "admin", Permissions: []string{"system:admin", "system:read"}},
		{ID: "reader", Permissions: []string{"system:read"}},
	}, []string{"system:echo"})
	ctx := context.Background()

	ok, err := c.Validate(ctx, "admin", []string{"system:admin"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.Validate(ctx, "reader", []string{"system:admin"})
	assert.False(t, ok)

	ok, _ = c.Validate(ctx, "stranger", []string{"system:echo"})
	assert.True(t, ok)

	c.Grant("reader", "system:admin")
	ok, _ = c.Validate(ctx, "reader", []string{"system:admin"})
	assert.True(t, ok)

	c.Revoke("reader", "system:admin")
	ok, _ = c.Validate(ctx, "reader", []string{"system:admin"})
	assert.False(t, ok)

	c.SetDisabled("admin", true)
	ok, _ = c.Validate(ctx, "admin", []string{"system:read"})
	assert.False(t, ok)

	assert.Equal(t, []string{"admin", "reader"}, c.Users())
}

func TestMiddlewareAttachesSubject(t *testing.T) {
	c := NewCatalogue([]Seed{{ID: "alice", Permissions: []string{"task:submit"}}}, nil)
	var seen *Subject
	handler := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set(UserHeader, "alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.ID)
	assert.True(t, seen.HasPermission("task:submit"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, AnonymousUser, seen.ID)
}
