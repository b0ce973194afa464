package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofix/ci-healer/internal/llm"
)

func TestAnalyze_ParsesStructuredResponse(t *testing.T) {
	client := &llm.FakeClient{AnalyzeResponses: []string{
		`{"error_kind":"TypeError","file_path":"src/payment/processor.py","line":42,"function_name":"process_payment","message":"'NoneType' object has no attribute 'amount'","confidence":0.92}`,
	}}

	analysis, err := Analyze(context.Background(), client, "some log")
	require.NoError(t, err)
	assert.EqualValues(t, "TypeError", analysis.ErrorKind)
	assert.Equal(t, "src/payment/processor.py", analysis.FilePath)
	require.NotNil(t, analysis.Line)
	assert.Equal(t, 42, *analysis.Line)
	assert.InDelta(t, 0.92, analysis.Confidence, 0.0001)
}

func TestAnalyze_StripsCodeFence(t *testing.T) {
	client := &llm.FakeClient{AnalyzeResponses: []string{
		"```json\n{\"error_kind\":\"ValueError\",\"confidence\":0.5}\n```",
	}}

	analysis, err := Analyze(context.Background(), client, "log")
	require.NoError(t, err)
	assert.EqualValues(t, "ValueError", analysis.ErrorKind)
}

func TestAnalyze_UnknownKindCoercedToOther(t *testing.T) {
	client := &llm.FakeClient{AnalyzeResponses: []string{`{"error_kind":"WeirdError","confidence":0.8}`}}

	analysis, err := Analyze(context.Background(), client, "log")
	require.NoError(t, err)
	assert.EqualValues(t, "Other", analysis.ErrorKind)
}

func TestAnalyze_MissingConfidenceDefaultsToHalf(t *testing.T) {
	client := &llm.FakeClient{AnalyzeResponses: []string{`{"error_kind":"KeyError"}`}}

	analysis, err := Analyze(context.Background(), client, "log")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, analysis.Confidence, 0.0001)
}

func TestAnalyze_OutOfRangeConfidenceClamped(t *testing.T) {
	client := &llm.FakeClient{AnalyzeResponses: []string{`{"error_kind":"KeyError","confidence":5}`}}

	analysis, err := Analyze(context.Background(), client, "log")
	require.NoError(t, err)
	assert.Equal(t, 1.0, analysis.Confidence)
}

func TestAnalyze_UnparseableResponseYieldsOtherWithZeroConfidence(t *testing.T) {
	client := &llm.FakeClient{AnalyzeResponses: []string{"not json at all"}}

	analysis, err := Analyze(context.Background(), client, "log")
	require.NoError(t, err)
	assert.EqualValues(t, "Other", analysis.ErrorKind)
	assert.Equal(t, 0.0, analysis.Confidence)
	assert.Equal(t, "not json at all", analysis.RawExcerpt)
}

func TestAnalyze_TransportErrorBubblesUp(t *testing.T) {
	client := &llm.FakeClient{Err: assertErr{}}
	_, err := Analyze(context.Background(), client, "log")
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "transport failure" }
