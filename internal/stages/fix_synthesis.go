package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/autofix/ci-healer/internal/llm"
	"github.com/autofix/ci-healer/internal/model"
)

const (
	maxErrorOutputBytes = 500
	maxTestOutputBytes  = 2000
)

const fixSynthesisPromptTemplate = `Propose a minimal fix for the failure below. Change as few lines as
possible. Respond with a single JSON object and nothing else, matching:

{"file_path": string, "original_code": string, "fixed_code": string, "explanation": string}

original_code must be copied verbatim from the current source so it can
be located by exact substring match.

Current source (%s):
%s

Failure analysis:
- error kind: %s
- message: %s

Prior attempts:
%s

Latest test output (truncated):
%s
`

// BuildFixSynthesisPrompt renders the C8 prompt, summarizing prior
// attempts per spec.md §4.8 (attempt number, explanation, verdict,
// truncated error output).
func BuildFixSynthesisPrompt(filePath, source string, analysis *model.Analysis, priorAttempts []model.FixAttempt, testOutput string) string {
	var attempts strings.Builder
	if len(priorAttempts) == 0 {
		attempts.WriteString("(none yet)\n")
	}
	for _, a := range priorAttempts {
		errOut := a.ErrorOutput
		if len(errOut) > maxErrorOutputBytes {
			errOut = errOut[:maxErrorOutputBytes]
		}
		fmt.Fprintf(&attempts, "- attempt %d: %s (%s) — %s\n", a.AttemptNumber, a.Explanation, a.Verdict, errOut)
	}

	truncatedOutput := testOutput
	if len(truncatedOutput) > maxTestOutputBytes {
		truncatedOutput = truncatedOutput[:maxTestOutputBytes]
	}

	return fmt.Sprintf(fixSynthesisPromptTemplate,
		filePath, source, analysis.ErrorKind, analysis.Message, attempts.String(), truncatedOutput)
}

type fixResponse struct {
	FilePath     string `json:"file_path"`
	OriginalCode string `json:"original_code"`
	FixedCode    string `json:"fixed_code"`
	Explanation  string `json:"explanation"`
}

// SynthesizeFix invokes the LLM fix-synthesize call and parses the
// response into a Patch artifact. Unlike Analyze, a parse failure here
// is bubbled up as an error — spec.md §4.8 says so explicitly, and the
// Fix Loop (C9) is the one responsible for turning that error into a
// recorded failed attempt.
func SynthesizeFix(ctx context.Context, client llm.Client, filePath, source string, analysis *model.Analysis, priorAttempts []model.FixAttempt, testOutput string) (*model.Patch, error) {
	raw, err := client.SynthesizeFix(ctx, BuildFixSynthesisPrompt(filePath, source, analysis, priorAttempts, testOutput))
	if err != nil {
		return nil, fmt.Errorf("stages: fix synthesis call failed: %w", err)
	}

	var parsed fixResponse
	body := stripFence(raw)
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("stages: fix synthesis response is not valid JSON: %w", err)
	}
	if parsed.OriginalCode == "" || parsed.FixedCode == "" {
		return nil, fmt.Errorf("stages: fix synthesis response missing original_code or fixed_code")
	}

	path := parsed.FilePath
	if path == "" {
		path = filePath
	}

	return &model.Patch{
		FilePath:        path,
		OriginalSpan:    parsed.OriginalCode,
		ReplacementSpan: parsed.FixedCode,
		Explanation:     parsed.Explanation,
	}, nil
}
