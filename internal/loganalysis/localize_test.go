package loganalysis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autofix/ci-healer/internal/model"
)

func TestLocalize_Empty(t *testing.T) {
	_, ok := Localize(nil)
	assert.False(t, ok)
}

func TestLocalize_PicksHighestScore(t *testing.T) {
	logs := []model.JobLog{
		{Name: "lint", Text: "all checks passed"},
		{Name: "test", Text: "Traceback (most recent call last):\nTypeError: boom\nFAILED tests/test_x.py"},
	}
	best, ok := Localize(logs)
	assert.True(t, ok)
	assert.Contains(t, best, "TypeError: boom")
}

func TestLocalize_TieBrokenByOrder(t *testing.T) {
	logs := []model.JobLog{
		{Name: "a", Text: "error in a"},
		{Name: "b", Text: "error in b"},
	}
	best, ok := Localize(logs)
	assert.True(t, ok)
	assert.Equal(t, "error in a", best)
	assert.NotContains(t, best, "error in b")
}

func TestLocalize_AllZeroConcatenatesWithHeaders(t *testing.T) {
	logs := []model.JobLog{
		{Name: "build", Text: "compiling..."},
		{Name: "deploy", Text: "deploying..."},
	}
	best, ok := Localize(logs)
	assert.True(t, ok)
	assert.Contains(t, best, "=== job: build ===")
	assert.Contains(t, best, "=== job: deploy ===")
}
