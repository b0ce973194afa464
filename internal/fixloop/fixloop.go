// Package fixloop implements the Fix Loop (C9): bounded iteration of
// synthesize → apply → re-test → verify-or-revert, accumulating an
// attempt log that each iteration's synthesis prompt is built from.
package fixloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/autofix/ci-healer/internal/llm"
	"github.com/autofix/ci-healer/internal/model"
	"github.com/autofix/ci-healer/internal/patch"
	"github.com/autofix/ci-healer/internal/sandbox"
	"github.com/autofix/ci-healer/internal/stages"
)

// MaxAttempts is the bound on synthesize/apply/verify cycles per failure.
const MaxAttempts = 3

const maxCapturedStderr = 2000

// Run drives the Fix Loop against workspaceDir. testCmd is the test
// command discovered by the Reproduction Runner (C5); each attempt runs
// it to completion in a fresh sandbox session (C4) — "a simplified
// variant of C5 without cloning," since the workspace already exists.
func Run(ctx context.Context, client llm.Client, driver sandbox.Driver, workspaceDir string, analysis *model.Analysis, testCmd []string, testTimeout time.Duration) (succeeded bool, attempts []model.FixAttempt) {
	for n := 1; n <= MaxAttempts; n++ {
		attempt, appliedPatch, ok := runAttempt(ctx, client, driver, workspaceDir, analysis, testCmd, testTimeout, n, attempts)
		attempts = append(attempts, attempt)

		if attempt.Verdict == model.VerdictPass {
			succeeded = true
			break
		}
		if ok && appliedPatch != nil {
			_ = patch.Revert(workspaceDir, *appliedPatch)
		}
	}
	return succeeded, attempts
}

// runAttempt performs one synthesize/apply/test cycle. ok reports
// whether the patch was successfully applied (and therefore needs a
// revert on non-pass verdicts); appliedPatch is nil when application
// never happened or failed.
func runAttempt(ctx context.Context, client llm.Client, driver sandbox.Driver, workspaceDir string, analysis *model.Analysis, testCmd []string, testTimeout time.Duration, attemptNumber int, prior []model.FixAttempt) (model.FixAttempt, *model.Patch, bool) {
	base := model.FixAttempt{
		AttemptNumber: attemptNumber,
		FilePath:      analysis.FilePath,
		CreatedAt:     time.Now(),
	}

	source, err := os.ReadFile(filepath.Join(workspaceDir, analysis.FilePath))
	if err != nil {
		return failAttempt(base, "", "", "could not read source file: "+err.Error()), nil, false
	}

	p, err := stages.SynthesizeFix(ctx, client, analysis.FilePath, string(source), analysis, prior, lastOutput(prior))
	if err != nil {
		return failAttempt(base, "", "", "fix synthesis failed: "+err.Error()), nil, false
	}
	base.OriginalCode = p.OriginalSpan
	base.FixedCode = p.ReplacementSpan
	base.Explanation = p.Explanation

	if err := patch.Apply(workspaceDir, *p); err != nil {
		reason := "Failed to apply fix — original code not found"
		if !errors.Is(err, patch.ErrSpanNotFound) && !errors.Is(err, patch.ErrFileNotFound) &&
			!errors.Is(err, patch.ErrAmbiguousPatch) && !errors.Is(err, patch.ErrNoOp) {
			reason = "apply error: " + err.Error()
		}
		base.Verdict = model.VerdictFail
		base.ErrorOutput = reason
		return base, nil, false
	}

	sess := sandbox.NewSession(driver, sandbox.PythonBaseImage, workspaceDir)
	defer sess.Close()

	res, err := sess.Exec(ctx, testCmd, testTimeout)
	if err != nil {
		base.Verdict = model.VerdictFail
		base.ErrorOutput = "test run failed: " + err.Error()
		return base, p, true
	}

	if res.ExitCode == 0 {
		base.Verdict = model.VerdictPass
		return base, p, true
	}

	base.Verdict = model.VerdictFail
	base.ErrorOutput = truncate(res.Stderr, maxCapturedStderr)
	return base, p, true
}

func failAttempt(base model.FixAttempt, original, fixed, reason string) model.FixAttempt {
	base.OriginalCode = original
	base.FixedCode = fixed
	base.Verdict = model.VerdictFail
	base.ErrorOutput = reason
	return base
}

func lastOutput(prior []model.FixAttempt) string {
	if len(prior) == 0 {
		return ""
	}
	return prior[len(prior)-1].ErrorOutput
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
