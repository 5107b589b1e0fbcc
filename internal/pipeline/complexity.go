package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Level 是复杂度等级。
type Level string

const (
	LevelSimple   Level = "simple"
	LevelModerate Level = "moderate"
	LevelComplex  Level = "complex"
)

// ComplexityResult 是复杂度检测的结论。
type ComplexityResult struct {
	Level             Level   `json:"level"`
	Score             float64 `json:"score"`
	Reasoning         string  `json:"reasoning"`
	ShouldUsePipeline bool    `json:"should_use_pipeline"`
	EstimatedSteps    int     `json:"estimated_steps"`
}

var (
	actionKeywords = []string{
		"create", "write", "delete", "remove", "deploy", "install", "run", "execute",
		"build", "send", "transfer", "move", "copy", "backup", "back up", "update",
		"download", "upload", "rename", "generate", "analyze", "analyse", "compare",
		"query", "fetch", "schedule", "configure",
		"创建", "删除", "部署", "安装", "执行", "运行", "发送", "转账", "备份", "更新", "下载", "生成", "分析",
	}
	connectives = []string{
		" then ", "and then", "after that", "afterwards", "first,", "first ", " next ", "finally",
		"step 1", "step one", "followed by",
		"然后", "接着", "之后", "最后", "首先",
	}
	codePattern = regexp.MustCompile("```|\\bfunc\\s+\\w+\\(|\\bdef\\s+\\w+\\(|=>|\\bimport\\s+\\w|\\bclass\\s+\\w+|[{};]\\s*$")
	pathPattern = regexp.MustCompile(`(?:^|\s)(?:~/|\./|\.\./|/[\w.-]+/|[A-Za-z]:\\)[\w./\\-]*|\b[\w-]+\.(?:go|py|js|ts|json|ya?ml|txt|md|csv|sh|toml|sql|log)\b`)
)

// DetectComplexity 对输入做启发式打分。各信号独立加减分，结果截断到 [0,1]；
// 小于 0.3 为 simple，小于 0.7 为 moderate，其余为 complex。只有 simple 跳过流水线。
func DetectComplexity(input string) ComplexityResult {
	text := strings.TrimSpace(input)
	lower := " " + strings.ToLower(text) + " "
	length := utf8.RuneCountInString(text)

	score := 0.1
	var reasons []string
	steps := 1

	switch {
	case length > 200:
		score += 0.25
		reasons = append(reasons, "long input")
	case length > 80:
		score += 0.1
		reasons = append(reasons, "medium-length input")
	case length < 20:
		score -= 0.1
		reasons = append(reasons, "short input")
	}

	actions := countMatches(lower, actionKeywords)
	if actions > 0 {
		score += 0.25 + 0.05*float64(min(actions-1, 3))
		steps += actions - 1
		reasons = append(reasons, fmt.Sprintf("%d action keyword(s)", actions))
	}

	links := countMatches(lower, connectives)
	if links > 0 {
		score += 0.3
		steps += links
		reasons = append(reasons, "multi-step phrasing")
	}

	if strings.HasSuffix(text, "?") || strings.HasSuffix(text, "？") {
		if len(strings.Fields(text)) <= 8 && actions == 0 {
			score -= 0.2
			reasons = append(reasons, "single short question")
		}
	}

	if codePattern.MatchString(text) {
		score += 0.2
		reasons = append(reasons, "code-like content")
	}
	if pathPattern.MatchString(text) {
		score += 0.15
		reasons = append(reasons, "file or path reference")
	}

	score = clamp(score)
	level := LevelComplex
	switch {
	case score < 0.3:
		level = LevelSimple
	case score < 0.7:
		level = LevelModerate
	}
	if level == LevelSimple {
		steps = 1
	}
	if steps > 10 {
		steps = 10
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no complexity signals")
	}
	return ComplexityResult{
		Level:             level,
		Score:             score,
		Reasoning:         strings.Join(reasons, "; "),
		ShouldUsePipeline: level != LevelSimple,
		EstimatedSteps:    steps,
	}
}

func countMatches(text string, needles []string) int {
	n := 0
	for _, needle := range needles {
		if containsWord(text, needle) {
			n++
		}
	}
	return n
}

// containsWord 要求 ASCII 关键词两侧不是字母，避免 "run" 命中 "brunch"。
func containsWord(text, word string) bool {
	for offset := 0; ; {
		idx := strings.Index(text[offset:], word)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(word)
		if !isASCIILetter(text, start-1) && !isASCIILetter(text, end) {
			return true
		}
		offset = start + 1
	}
}

func isASCIILetter(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return false
	}
	c := text[i]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
