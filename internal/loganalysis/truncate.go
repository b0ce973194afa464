package loganalysis

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultLogBudget is the byte budget used when callers don't override it.
const DefaultLogBudget = 50_000

var relevantTokens = []string{"error", "exception", "traceback", "failed", "assert"}

var fileLocationPattern = regexp.MustCompile(`File "[^"]+", line \d+`)

// Truncate reduces an oversized log to an error-relevant excerpt. Inputs
// already within the budget are returned unchanged. Otherwise relevant lines (matching an
// error/exception/traceback/failed/assert token or a `File "...", line N`
// frame) are expanded with 5 lines of leading and 10 lines of trailing
// context, deduplicated, and emitted in original order; that rendering,
// header included, is returned only if it fits within budget. Otherwise
// Truncate falls back to the last budget bytes of the raw input behind a
// one-line "[Log truncated — last N chars]" header, so the fallback's
// total length is budget plus the header's length.
func Truncate(log string, budget int) string {
	if len(log) <= budget {
		return log
	}

	lines := strings.Split(log, "\n")
	keep := make(map[int]bool, len(lines))
	for i, line := range lines {
		if !isRelevantLine(line) {
			continue
		}
		start := i - 5
		if start < 0 {
			start = 0
		}
		end := i + 10
		if end > len(lines)-1 {
			end = len(lines) - 1
		}
		for j := start; j <= end; j++ {
			keep[j] = true
		}
	}

	if len(keep) > 0 {
		idxs := make([]int, 0, len(keep))
		for i := range keep {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)

		var b strings.Builder
		b.WriteString("[Log truncated — error-relevant sections]\n")
		for _, i := range idxs {
			b.WriteString(lines[i])
			b.WriteString("\n")
		}
		rendered := b.String()
		if len(rendered) <= budget {
			return rendered
		}
	}

	tail := log
	if len(tail) > budget {
		tail = tail[len(tail)-budget:]
	}
	return "[Log truncated — last " + strconv.Itoa(budget) + " chars]\n" + tail
}

func isRelevantLine(line string) bool {
	lower := strings.ToLower(line)
	for _, tok := range relevantTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return fileLocationPattern.MatchString(line)
}
