// Package stages implements the Analysis Stage (C6), Test Synthesis
// Stage (C7), and Fix Synthesis Stage (C8): the three structured LLM
// call sites, each building its own prompt and owning its own response
// schema, per the design note that these must never collapse into one
// union type.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/autofix/ci-healer/internal/llm"
	"github.com/autofix/ci-healer/internal/model"
)

// ConfidenceGate is the threshold below which the orchestrator skips
// reproduction and routes directly to escalation (spec.md §4.6).
const ConfidenceGate = 0.3

// defaultConfidence is used when the LLM response omits a confidence
// field entirely (spec.md §4.6: "default 0.5 on missing").
const defaultConfidence = 0.5

// rawExcerptOnParseFailure bounds how much of an unparseable response is
// kept as the Analysis artifact's raw excerpt.
const rawExcerptOnParseFailure = 1000

const analyzePromptTemplate = `You are analyzing a continuous-integration failure. Respond with a single JSON document and nothing else, matching this schema:

{
  "error_kind": one of ImportError, ModuleNotFoundError, TypeError, AttributeError, AssertionError, SyntaxError, NameError, ValueError, KeyError, Other,
  "file_path": string, relative to the repository root,
  "line": integer or null,
  "function_name": string,
  "message": string,
  "frames": array of strings, the relevant stack frames in order,
  "failing_test": string or null,
  "confidence": number in [0,1]
}

Failure log (localized and truncated):
%s
`

// BuildAnalyzePrompt renders the C6 prompt for a localized, truncated log.
func BuildAnalyzePrompt(log string) string {
	return fmt.Sprintf(analyzePromptTemplate, log)
}

// Analyze invokes the LLM analyze call on log, then validates and
// normalizes the structured response per spec.md §4.6. It never returns
// an error for a malformed LLM response — an unparseable response yields
// a low-confidence Other-kind artifact instead, since §4.6 defines that
// fallback explicitly; Analyze only errors when the LLM call itself
// fails transport-side.
func Analyze(ctx context.Context, client llm.Client, log string) (*model.Analysis, error) {
	raw, err := client.Analyze(ctx, BuildAnalyzePrompt(log))
	if err != nil {
		return nil, fmt.Errorf("stages: analyze call failed: %w", err)
	}

	return parseAnalysis(raw), nil
}

type analyzeResponse struct {
	ErrorKind    string   `json:"error_kind"`
	FilePath     string   `json:"file_path"`
	Line         *int     `json:"line"`
	FunctionName string   `json:"function_name"`
	Message      string   `json:"message"`
	Frames       []string `json:"frames"`
	FailingTest  string   `json:"failing_test"`
	Confidence   *float64 `json:"confidence"`
}

func parseAnalysis(raw string) *model.Analysis {
	stripped := stripFence(raw)

	var parsed analyzeResponse
	if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
		excerpt := raw
		if len(excerpt) > rawExcerptOnParseFailure {
			excerpt = excerpt[:rawExcerptOnParseFailure]
		}
		return &model.Analysis{
			ErrorKind:  model.ErrorKindOther,
			Confidence: 0,
			RawExcerpt: excerpt,
		}
	}

	filePath := parsed.FilePath
	if filePath == "" {
		filePath = "unknown"
	}

	confidence := defaultConfidence
	if parsed.Confidence != nil {
		confidence = *parsed.Confidence
	}

	frames := parsed.Frames
	if frames == nil {
		frames = []string{}
	}

	return &model.Analysis{
		ErrorKind:    model.NormalizeErrorKind(parsed.ErrorKind),
		FilePath:     filePath,
		Line:         parsed.Line,
		FunctionName: parsed.FunctionName,
		Message:      parsed.Message,
		Frames:       frames,
		FailingTest:  parsed.FailingTest,
		Confidence:   model.ClampConfidence(confidence),
		RawExcerpt:   stripped,
	}
}

// stripFence removes a single leading/trailing fenced code-block marker
// (``` or ```json) if present, leaving the content between them.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}
