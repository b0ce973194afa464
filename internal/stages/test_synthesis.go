package stages

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/autofix/ci-healer/internal/llm"
	"github.com/autofix/ci-healer/internal/model"
)

// maxExistingTestBytes bounds how much of an existing test file is fed
// back into the prompt (spec.md §4.7).
const maxExistingTestBytes = 2000

const testSynthesisPromptTemplate = `Write exactly one regression test for the failure described below, in the
same language as the subject source file. Requirements:
- a single test function, minimal, named test_<subject>_<edge_case>
- a short docstring explaining what it verifies
- no mocking unless strictly required

Subject file (%s):
%s

Existing test file, if any (truncated):
%s

Failure analysis:
- error kind: %s
- message: %s
- failing test: %s
`

// BuildTestSynthesisPrompt renders the C7 prompt.
func BuildTestSynthesisPrompt(subjectPath, subjectSource, existingTest string, analysis *model.Analysis) string {
	truncatedExisting := existingTest
	if len(truncatedExisting) > maxExistingTestBytes {
		truncatedExisting = truncatedExisting[:maxExistingTestBytes]
	}
	return fmt.Sprintf(testSynthesisPromptTemplate,
		subjectPath, subjectSource, truncatedExisting,
		analysis.ErrorKind, analysis.Message, analysis.FailingTest)
}

var (
	testNamePattern     = regexp.MustCompile(`def\s+(test_\w+)\s*\(`)
	subjectFuncPattern  = regexp.MustCompile(`def\s+(\w+)\s*\(`)
)

// SynthesizeTest invokes the LLM test-synthesize call and parses the
// response into a GeneratedTest artifact per spec.md §4.7.
func SynthesizeTest(ctx context.Context, client llm.Client, subjectPath, subjectSource, existingTest string, analysis *model.Analysis) (*model.GeneratedTest, error) {
	raw, err := client.SynthesizeTest(ctx, BuildTestSynthesisPrompt(subjectPath, subjectSource, existingTest, analysis))
	if err != nil {
		return nil, fmt.Errorf("stages: test synthesis call failed: %w", err)
	}

	body := stripFence(raw)

	name := "test_generated_case"
	if m := testNamePattern.FindStringSubmatch(body); m != nil {
		name = m[1]
	}

	required := requiredSymbols(subjectSource, body)
	target := deriveTargetTestFile(subjectPath, name)

	return &model.GeneratedTest{
		TestName:      name,
		TestCode:      body,
		TargetFile:    target,
		ImportsNeeded: required,
	}, nil
}

// requiredSymbols returns the names of the functions defined in the
// subject file (any `def`, including methods and nested functions) that
// the generated test body mentions as a substring, used to populate the
// required-symbol list.
func requiredSymbols(subjectSource, testBody string) []string {
	var required []string
	for _, m := range subjectFuncPattern.FindAllStringSubmatch(subjectSource, -1) {
		name := m[1]
		if strings.Contains(testBody, name) {
			required = append(required, name)
		}
	}
	return required
}

// deriveTargetTestFile replaces the first "src" path component with
// "tests" and prefixes the filename with "test_", or places the file
// under tests/ when subjectPath has no src component.
func deriveTargetTestFile(subjectPath, testName string) string {
	dir, file := path.Split(subjectPath)
	fileName := "test_" + strings.TrimPrefix(file, "test_")
	_ = testName

	segments := strings.Split(strings.TrimSuffix(dir, "/"), "/")
	replaced := false
	for i, seg := range segments {
		if seg == "src" {
			segments[i] = "tests"
			replaced = true
			break
		}
	}
	if !replaced {
		return path.Join("tests", fileName)
	}
	return path.Join(path.Join(segments...), fileName)
}
