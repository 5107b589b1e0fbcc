package permission

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Subject 是一个持有权限集合的调用方。权限支持通配，例如 "file:*" 覆盖 "file:read"。
type Subject struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled,omitempty"`

	exact    map[string]struct{}
	patterns []string
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil || s.exact != nil {
		return
	}
	s.exact = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		perm = normalisePermission(perm)
		if perm == "" {
			continue
		}
		if strings.ContainsAny(perm, "*?[{") {
			s.patterns = append(s.patterns, perm)
			continue
		}
		s.exact[perm] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil || s.Disabled {
		return false
	}
	s.normalise()
	permission = normalisePermission(permission)
	if _, ok := s.exact[permission]; ok {
		return true
	}
	for _, pattern := range s.patterns {
		if ok, _ := doublestar.Match(pattern, permission); ok {
			return true
		}
	}
	return false
}

// Authorize 确认主体持有全部所需权限，否则返回 PERMISSION_DENIED。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return xerrors.New(xerrors.CodePermissionDenied, "unknown subject")
	}
	if s.Disabled {
		return xerrors.Newf(xerrors.CodePermissionDenied, "subject %s is disabled", s.ID)
	}
	for _, perm := range perms {
		if strings.TrimSpace(perm) == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Newf(xerrors.CodePermissionDenied, "subject %s is missing %s", s.ID, perm)
		}
	}
	return nil
}

// Clone creates a copy whose lookup caches are rebuilt lazily.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	return &Subject{
		ID:          s.ID,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
}

func normalisePermission(perm string) string {
	return strings.ToLower(strings.TrimSpace(perm))
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
