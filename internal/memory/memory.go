// Package memory 为思考流水线提供历史上下文的读写。
//
// Ring 在进程内保存最近的交互记录，RedisStore 把记录写入 Redis 列表以便多实例共享，
// Knowledge 从 JSON 文件加载静态知识。三者都实现 Recall，可通过 Multi 组合。
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Entry 是一条可被召回的上下文记录。
type Entry struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Input     string    `json:"input"`
	Output    string    `json:"output,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"score,omitempty"`
}

// Query 描述一次召回请求。
type Query struct {
	Text   string
	UserID string
	Limit  int
}

// Recall 按查询返回相关记录，相关度高的在前。
type Recall interface {
	Recall(ctx context.Context, q Query) ([]Entry, error)
}

// Store 在 Recall 的基础上支持写入。
type Store interface {
	Recall
	Remember(ctx context.Context, entry Entry) error
}

// 记录来源。
const (
	SourceRing      = "ring"
	SourceRedis     = "redis"
	SourceKnowledge = "knowledge"
)

const defaultLimit = 5

// Multi 依次查询多个 Recall，合并后按得分排序。写入只交给第一个 Store。
type Multi []Recall

// Recall 合并所有来源的结果。单个来源失败不影响其他来源。
func (m Multi) Recall(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	var (
		merged []Entry
		errs   []error
	)
	for _, r := range m {
		if r == nil {
			continue
		}
		entries, err := r.Recall(ctx, q)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		merged = append(merged, entries...)
	}
	sortEntries(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	if len(merged) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return merged, nil
}

// Remember 写入第一个实现了 Store 的来源。
func (m Multi) Remember(ctx context.Context, entry Entry) error {
	for _, r := range m {
		if s, ok := r.(Store); ok {
			return s.Remember(ctx, entry)
		}
	}
	return nil
}

var _ Store = Multi(nil)

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}

// tokenize 把文本切分为小写词，忽略长度不足 2 的词。
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// score 返回查询词在记录中命中的比例。空查询对所有记录返回一个很小的正分，
// 使召回退化为按时间排序。
func score(query []string, e Entry) float64 {
	if len(query) == 0 {
		return 0.01
	}
	haystack := strings.ToLower(e.Input + " " + e.Output + " " + strings.Join(e.Tags, " "))
	hits := 0
	for _, token := range query {
		if strings.Contains(haystack, token) {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// rank 给记录打分并保留命中的前 limit 条。
func rank(entries []Entry, q Query) []Entry {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	tokens := tokenize(q.Text)
	out := make([]Entry, 0, limit)
	for _, e := range entries {
		if q.UserID != "" && e.UserID != "" && e.UserID != q.UserID {
			continue
		}
		s := score(tokens, e)
		if s <= 0 {
			continue
		}
		e.Score = s
		out = append(out, e)
	}
	sortEntries(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
