package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Snippet 描述一段静态知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// Knowledge 通过关键词与标签匹配提供静态知识召回。
type Knowledge struct {
	items      []Snippet
	maxResults int
}

// NewKnowledge 创建静态知识库。
func NewKnowledge(items []Snippet, maxResults int) *Knowledge {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &Knowledge{items: items, maxResults: maxResults}
}

// LoadKnowledge 从 JSON 文件加载知识条目。
func LoadKnowledge(path string, maxResults int) (*Knowledge, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "知识库文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析知识库路径失败")
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取知识库文件失败")
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析知识库文件失败")
	}
	return NewKnowledge(entries, maxResults), nil
}

// Recall 返回与查询文本匹配的知识，按文件中的顺序。
func (k *Knowledge) Recall(_ context.Context, q Query) ([]Entry, error) {
	if k == nil {
		return nil, nil
	}
	text := strings.ToLower(strings.TrimSpace(q.Text))
	limit := k.maxResults
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}
	results := make([]Entry, 0, limit)
	for i, item := range k.items {
		if !matches(item, text) {
			continue
		}
		results = append(results, Entry{
			ID:      "knowledge-" + item.Title,
			Source:  SourceKnowledge,
			Input:   item.Title,
			Output:  item.Content,
			Success: true,
			Tags:    append([]string(nil), item.Tags...),
			// 按文件顺序递减。
			Score: 0.5 - float64(i)*1e-6,
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func matches(snippet Snippet, text string) bool {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return true
	}
	for _, word := range append(append([]string(nil), snippet.Keywords...), snippet.Tags...) {
		normalized := strings.ToLower(strings.TrimSpace(word))
		if normalized != "" && strings.Contains(text, normalized) {
			return true
		}
	}
	return false
}

var _ Recall = (*Knowledge)(nil)
