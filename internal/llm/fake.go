package llm

import "context"

// FakeClient is a scripted Client for tests in internal/stages,
// internal/fixloop, and internal/pipeline.
type FakeClient struct {
	AnalyzeResponses        []string
	SynthesizeTestResponses []string
	SynthesizeFixResponses  []string

	analyzeCalls int
	testCalls    int
	fixCalls     int

	Err error
}

func (f *FakeClient) Analyze(ctx context.Context, prompt string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.next(&f.analyzeCalls, f.AnalyzeResponses), nil
}

func (f *FakeClient) SynthesizeTest(ctx context.Context, prompt string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.next(&f.testCalls, f.SynthesizeTestResponses), nil
}

func (f *FakeClient) SynthesizeFix(ctx context.Context, prompt string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.next(&f.fixCalls, f.SynthesizeFixResponses), nil
}

func (f *FakeClient) next(calls *int, responses []string) string {
	if len(responses) == 0 {
		return ""
	}
	idx := *calls
	if idx >= len(responses) {
		idx = len(responses) - 1
	}
	*calls++
	return responses[idx]
}
