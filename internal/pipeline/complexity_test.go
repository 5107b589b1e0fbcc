package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectComplexityLevels(t *testing.T) {
	cases := []struct {
		name  string
		input string
		level Level
	}{
		{"greeting", "Hello", LevelSimple},
		{"short question", "What time is it?", LevelSimple},
		{"single action", "Please create a new report for the quarterly sales numbers", LevelModerate},
		{"multi step with path", complexInput, LevelComplex},
		{"code", "Refactor this:\n```go\nfunc main() { fmt.Println(1) }\n```", LevelModerate},
		{"chinese multi step", "首先备份数据库，然后部署新版本", LevelModerate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectComplexity(tc.input)
			assert.Equal(t, tc.level, got.Level, got.Reasoning)
			assert.Equal(t, tc.level != LevelSimple, got.ShouldUsePipeline)
			assert.GreaterOrEqual(t, got.Score, 0.0)
			assert.LessOrEqual(t, got.Score, 1.0)
		})
	}
}

func TestDetectComplexityWordBoundaries(t *testing.T) {
	got := DetectComplexity("we had brunch")
	assert.Equal(t, LevelSimple, got.Level)
	assert.NotContains(t, got.Reasoning, "action keyword")
}

func TestDetectComplexityEstimatesSteps(t *testing.T) {
	got := DetectComplexity("Download the file, then analyze it, then upload the summary and finally send an email")
	assert.Equal(t, LevelComplex, got.Level)
	assert.Greater(t, got.EstimatedSteps, 2)
	assert.LessOrEqual(t, got.EstimatedSteps, 10)

	assert.Equal(t, 1, DetectComplexity("Hello").EstimatedSteps)
}
