// Package heuristic 提供基于规则的流水线协作者，不依赖外部模型即可完成
// 意图识别、规划、优化、安全校验、路由与输出格式化。
package heuristic

import (
	"context"
	"regexp"
	"strings"

	"OpenMCP-Orchestrator/internal/pipeline"
)

// 意图类别。
const (
	IntentFile         = "file_operation"
	IntentShell        = "shell_command"
	IntentNetwork      = "network_request"
	IntentData         = "data_processing"
	IntentChain        = "chain_query"
	IntentSystem       = "system_info"
	IntentTask         = "task_management"
	IntentConversation = "conversation"
)

type weightedPattern struct {
	re     *regexp.Regexp
	weight float64
}

var intentPatterns = map[string][]weightedPattern{
	IntentFile: {
		{regexp.MustCompile(`\b(read|write|open|save|copy|move|rename|delete|remove)\b.*\b(file|files|folder|directory|dir)\b`), 1.2},
		{regexp.MustCompile(`\b(file|files|folder|directory|backup|back up)\b`), 0.8},
		{regexp.MustCompile(`(文件|目录|备份)`), 1.0},
	},
	IntentShell: {
		{regexp.MustCompile(`\b(run|execute|exec)\b.*\b(command|script|shell|bash)\b`), 1.2},
		{regexp.MustCompile(`\b(shell|bash|terminal|command line|sudo)\b`), 0.9},
		{regexp.MustCompile(`(命令|脚本|终端)`), 1.0},
	},
	IntentNetwork: {
		{regexp.MustCompile(`https?://`), 1.2},
		{regexp.MustCompile(`\b(fetch|download|upload|request|http|api|webhook|url)\b`), 0.8},
		{regexp.MustCompile(`(下载|上传|请求|接口)`), 1.0},
	},
	IntentData: {
		{regexp.MustCompile(`\b(analy[sz]e|aggregate|summari[sz]e|parse|transform|convert|csv|json|database|query|report)\b`), 0.9},
		{regexp.MustCompile(`(分析|统计|汇总|转换|数据库)`), 1.0},
	},
	IntentChain: {
		{regexp.MustCompile(`\b0x[0-9a-f]{40}\b`), 1.5},
		{regexp.MustCompile(`\b(balance|block|chain|wallet|ethereum|eth|transaction|gas)\b`), 0.9},
		{regexp.MustCompile(`(余额|区块|链上|钱包|交易)`), 1.0},
	},
	IntentSystem: {
		{regexp.MustCompile(`\b(time|date|uptime|cpu|memory usage|disk space|hostname|version)\b`), 0.8},
		{regexp.MustCompile(`(时间|日期|系统信息)`), 1.0},
	},
	IntentTask: {
		{regexp.MustCompile(`\b(schedule|task|tasks|queue|cancel|retry|job)\b`), 0.8},
		{regexp.MustCompile(`(任务|调度|取消)`), 1.0},
	},
}

var (
	urlPattern     = regexp.MustCompile(`https?://[^\s"'<>]+`)
	addressPattern = regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`)
	filePattern    = regexp.MustCompile(`(?:~/|\./|\.\./|/)[\w./-]+|\b[\w-]+\.(?:go|py|js|ts|json|ya?ml|txt|md|csv|sh|toml|sql|log)\b`)
)

// IntentClassifier 用加权正则给输入打分，得分最高的类别即为意图。
type IntentClassifier struct {
	patterns map[string][]weightedPattern
}

// NewIntentClassifier 使用内置规则创建分类器。
func NewIntentClassifier() *IntentClassifier {
	return &IntentClassifier{patterns: intentPatterns}
}

// Detect 实现 pipeline.IntentEngine。
func (c *IntentClassifier) Detect(_ context.Context, input string) (pipeline.Intent, error) {
	lower := strings.ToLower(input)
	scores := make(map[string]float64)
	var total float64
	for category, patterns := range c.patterns {
		for _, p := range patterns {
			if p.re.MatchString(lower) {
				scores[category] += p.weight
				total += p.weight
			}
		}
	}

	intent := pipeline.Intent{Category: IntentConversation, Confidence: 0.4, Entities: ExtractEntities(input)}
	if total == 0 {
		return intent, nil
	}
	var best float64
	for category, score := range scores {
		// 分数相同时按名字排序，保证结果稳定。
		if score > best || (score == best && category < intent.Category) {
			best = score
			intent.Category = category
		}
	}
	intent.Confidence = best / total
	if len(scores) == 1 {
		intent.Confidence = min(intent.Confidence+0.25, 1.0)
	}
	return intent, nil
}

// ExtractEntities 抽取输入中的 URL、链上地址与文件路径。
func ExtractEntities(input string) map[string]string {
	entities := make(map[string]string)
	if url := urlPattern.FindString(input); url != "" {
		entities["url"] = url
	}
	if addr := addressPattern.FindString(input); addr != "" {
		entities["address"] = addr
	}
	// URL 中的路径不算文件路径。
	stripped := urlPattern.ReplaceAllString(input, " ")
	if path := filePattern.FindString(stripped); path != "" {
		entities["path"] = path
	}
	if len(entities) == 0 {
		return nil
	}
	return entities
}

var _ pipeline.IntentEngine = (*IntentClassifier)(nil)
