// Package permission 维护调用方的权限目录，并为工具执行器提供权限校验。
package permission

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"OpenMCP-Orchestrator/internal/tools"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Seed 定义启动时写入目录的一个主体。
type Seed struct {
	ID          string
	Permissions []string
	Disabled    bool
}

// Catalogue 是并发安全的内存权限目录。未登记的用户使用默认权限。
type Catalogue struct {
	mu       sync.RWMutex
	subjects map[string]*Subject
	defaults []string
	logger   *slog.Logger
}

var _ tools.PermissionValidator = (*Catalogue)(nil)

// NewCatalogue 使用种子数据与默认权限初始化目录。
func NewCatalogue(seeds []Seed, defaults []string) *Catalogue {
	c := &Catalogue{
		subjects: make(map[string]*Subject, len(seeds)),
		defaults: dedupe(defaults),
		logger:   logger.Named("permission"),
	}
	for _, seed := range seeds {
		id := strings.TrimSpace(seed.ID)
		if id == "" {
			continue
		}
		c.subjects[id] = &Subject{ID: id, Permissions: dedupe(seed.Permissions), Disabled: seed.Disabled}
	}
	return c
}

// Subject 返回指定用户的主体副本；未登记的用户得到仅含默认权限的主体。
func (c *Catalogue) Subject(userID string) *Subject {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if subject, ok := c.subjects[userID]; ok {
		return subject.Clone()
	}
	return &Subject{ID: userID, Permissions: append([]string(nil), c.defaults...)}
}

// Grant 为用户追加权限，必要时创建主体。
func (c *Catalogue) Grant(userID string, perms ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subject, ok := c.subjects[userID]
	if !ok {
		subject = &Subject{ID: userID, Permissions: append([]string(nil), c.defaults...)}
		c.subjects[userID] = subject
	}
	subject.Permissions = dedupe(append(subject.Permissions, perms...))
	subject.exact, subject.patterns = nil, nil
	c.logger.Info("授予权限", slog.String("user_id", userID), slog.Any("permissions", perms))
}

// Revoke 移除用户的指定权限。
func (c *Catalogue) Revoke(userID string, perms ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subject, ok := c.subjects[userID]
	if !ok {
		return
	}
	drop := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		drop[normalisePermission(p)] = struct{}{}
	}
	kept := subject.Permissions[:0]
	for _, p := range subject.Permissions {
		if _, ok := drop[normalisePermission(p)]; !ok {
			kept = append(kept, p)
		}
	}
	subject.Permissions = kept
	subject.exact, subject.patterns = nil, nil
	c.logger.Info("撤销权限", slog.String("user_id", userID), slog.Any("permissions", perms))
}

// SetDisabled 启用或禁用主体。被禁用的主体不通过任何权限校验。
func (c *Catalogue) SetDisabled(userID string, disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subject, ok := c.subjects[userID]; ok {
		subject.Disabled = disabled
	}
}

// Users 返回已登记的用户 ID，按字典序排列。
func (c *Catalogue) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.subjects))
	for id := range c.subjects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate 实现 tools.PermissionValidator。
func (c *Catalogue) Validate(_ context.Context, userID string, required []string) (bool, error) {
	subject := c.Subject(userID)
	if err := subject.Authorize(required...); err != nil {
		c.logger.Debug("权限校验未通过", slog.String("user_id", userID), slog.Any("error", err))
		return false, nil
	}
	return true, nil
}
