// Package loganalysis implements the Log Localizer (C1) and Log Truncator
// (C2): picking the log most likely to carry a failure's evidence and
// shrinking an oversized log to an error-relevant excerpt.
package loganalysis

import (
	"fmt"
	"strings"

	"github.com/autofix/ci-healer/internal/model"
)

// indicators are the case-insensitive tokens counted when scoring a log.
var indicators = []string{"error", "failed", "exception", "traceback"}

// caseSensitiveIndicators are counted verbatim, in addition to the
// case-insensitive set above.
var caseSensitiveIndicators = []string{"FAILED", "AssertionError", "TypeError", "ImportError", "ModuleNotFoundError"}

// Localize picks the single log most likely to contain failure evidence.
// Returns ok=false if logs is empty. When every log scores zero, Localize
// falls back to concatenating all logs with job-name headers so recall is
// preserved even without a density signal.
func Localize(logs []model.JobLog) (string, bool) {
	if len(logs) == 0 {
		return "", false
	}

	bestIdx := -1
	bestScore := -1
	allZero := true
	for i, l := range logs {
		score := scoreLog(l.Text)
		if score > 0 {
			allZero = false
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if allZero {
		var b strings.Builder
		for _, l := range logs {
			fmt.Fprintf(&b, "=== job: %s ===\n", l.Name)
			b.WriteString(l.Text)
			b.WriteString("\n")
		}
		return b.String(), true
	}

	return logs[bestIdx].Text, true
}

func scoreLog(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, tok := range indicators {
		score += strings.Count(lower, tok)
	}
	for _, tok := range caseSensitiveIndicators {
		score += strings.Count(text, tok)
	}
	return score
}
