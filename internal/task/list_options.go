package task

import (
	"strings"
	"time"
)

// SortOrder 决定任务列表的排序方式。
type SortOrder int

const (
	// SortByCreatedDesc 按创建时间倒序，最新的在前。
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc 按创建时间正序。
	SortByCreatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 描述任务列表查询的筛选、排序与分页条件。
// Since 包含边界，Until 不包含边界，零值表示不限。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []AIStatus
	UserID   string
	Tool     string
	Since    time.Time
	Until    time.Time
	Order    SortOrder
	Query    string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
	opts.UserID = strings.TrimSpace(opts.UserID)
	opts.Tool = strings.TrimSpace(opts.Tool)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 设置单页数量，超过 100 时截断。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条匹配结果。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只返回处于给定状态的任务，非法状态会被忽略。
func WithStatuses(statuses ...AIStatus) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithUser 只返回指定用户提交的任务。
func WithUser(userID string) ListOption {
	return func(opts *ListOptions) { opts.UserID = userID }
}

// WithTool 只返回至少有一个步骤调用了该工具的任务。
func WithTool(tool string) ListOption {
	return func(opts *ListOptions) { opts.Tool = tool }
}

// WithCreatedBetween 限定创建时间窗口 [since, until)。
func WithCreatedBetween(since, until time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.Since = since
		opts.Until = until
	}
}

// WithSortOrder 修改排序方式。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 按提示词做大小写无关的子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// BuildListOptions 在默认值之上依次应用选项。
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []AIStatus) []AIStatus {
	seen := make(map[AIStatus]struct{}, len(input))
	var result []AIStatus
	for _, status := range input {
		if !IsValidAIStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	return result
}

// matches 是内存存储使用的筛选逻辑，与 SQL 存储的 WHERE 条件保持一致。
func (opts ListOptions) matches(ai *AITask) bool {
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, ai.Status) {
		return false
	}
	if opts.UserID != "" && ai.UserID != opts.UserID {
		return false
	}
	if !opts.Since.IsZero() && ai.CreatedAt.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && !ai.CreatedAt.Before(opts.Until) {
		return false
	}
	if opts.Tool != "" && !usesTool(ai, opts.Tool) {
		return false
	}
	if opts.Query != "" && !strings.Contains(strings.ToLower(ai.Prompt), strings.ToLower(opts.Query)) {
		return false
	}
	return true
}

func containsStatus(statuses []AIStatus, status AIStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func usesTool(ai *AITask, tool string) bool {
	for _, step := range ai.Steps {
		if step.Tool == tool {
			return true
		}
	}
	return false
}
