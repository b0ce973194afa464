// Package repro implements the Reproduction Runner (C5): clone at a
// commit, detect the test harness, install dependencies, run the test
// command, and report whether the failure reproduces.
package repro

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/autofix/ci-healer/internal/sandbox"
)

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 300 * time.Second

const (
	depInstallTimeout   = 180 * time.Second
	editableInstallTimeout = 120 * time.Second
	shallowCloneDepth   = 50
)

// Options configures one reproduction attempt.
type Options struct {
	CloneURL    string
	Commit      string
	TestCommand []string // optional override of the detected default
	Timeout     time.Duration
}

// Result is the outcome of Run.
type Result struct {
	Success       bool
	Reproduced    bool
	ExitCode      int
	Stdout        string
	Stderr        string
	WorkspaceDir  string
	Error         string
	InstallFailed bool
	// TestCommand is the command Run actually executed (the detected
	// default, or opts.TestCommand when given) — reused by the Fix Loop
	// so it retests with the same invocation that first reproduced.
	TestCommand []string
}

// Run executes the C5 procedure against a fresh workspace. On any
// earlier-stage failure it returns {Success: false, Reproduced: false,
// Error: message} and still releases the sandbox; WorkspaceDir is
// retained in the result only when Success && Reproduced, matching
// spec.md §4.5 step 6 (the Fix Loop needs it; a non-reproducing or
// failed run has nothing useful to reuse).
func Run(ctx context.Context, driver sandbox.Driver, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	workspaceDir, err := os.MkdirTemp("", "ci-healer-workspace-*")
	if err != nil {
		return &Result{Error: fmt.Sprintf("create workspace: %v", err)}, nil
	}

	if err := cloneAndCheckout(ctx, opts.CloneURL, opts.Commit, workspaceDir); err != nil {
		os.RemoveAll(workspaceDir)
		return &Result{Error: fmt.Sprintf("clone: %v", err)}, nil
	}

	harness := DetectHarness(workspaceDir)
	testCmd := opts.TestCommand
	if len(testCmd) == 0 {
		testCmd = harness.DefaultTestCommand()
	}

	sess := sandbox.NewSession(driver, sandbox.PythonBaseImage, workspaceDir)
	defer sess.Close()

	installFailed, err := installDependencies(ctx, sess, harness)
	if err != nil {
		os.RemoveAll(workspaceDir)
		return &Result{Error: fmt.Sprintf("sandbox setup: %v", err), InstallFailed: installFailed}, nil
	}

	execRes, err := sess.Exec(ctx, testCmd, timeout)
	if err != nil {
		os.RemoveAll(workspaceDir)
		return &Result{Error: fmt.Sprintf("run tests: %v", err), InstallFailed: installFailed}, nil
	}

	reproduced := execRes.ExitCode != 0
	result := &Result{
		Success:       true,
		Reproduced:    reproduced,
		ExitCode:      execRes.ExitCode,
		Stdout:        execRes.Stdout,
		Stderr:        execRes.Stderr,
		InstallFailed: installFailed,
	}
	if reproduced {
		result.WorkspaceDir = workspaceDir
	} else {
		os.RemoveAll(workspaceDir)
	}
	return result, nil
}

// installDependencies upgrades pip, installs the test runner, and
// installs requirements.txt / the editable package when present. A
// non-zero dependency-install exit is tolerated per the Open Question
// decision in DESIGN.md: it is recorded via installFailed but does not
// abort reproduction — the test command's own exit code still decides
// the verdict.
func installDependencies(ctx context.Context, sess *sandbox.Session, h Harness) (installFailed bool, err error) {
	steps := [][]string{
		{"pip", "install", "--upgrade", "pip"},
		{"pip", "install", "pytest"},
	}
	for _, step := range steps {
		res, execErr := sess.Exec(ctx, step, depInstallTimeout)
		if execErr != nil {
			return installFailed, execErr
		}
		if res.ExitCode != 0 {
			installFailed = true
		}
	}

	if h.HasRequirementsTxt {
		res, execErr := sess.Exec(ctx, []string{"pip", "install", "-r", "requirements.txt"}, depInstallTimeout)
		if execErr != nil {
			return installFailed, execErr
		}
		if res.ExitCode != 0 {
			installFailed = true
		}
	}

	if h.HasSetupPy {
		res, execErr := sess.Exec(ctx, []string{"pip", "install", "-e", "."}, editableInstallTimeout)
		if execErr != nil {
			return installFailed, execErr
		}
		if res.ExitCode != 0 {
			installFailed = true
		}
	}

	return installFailed, nil
}

func cloneAndCheckout(ctx context.Context, cloneURL, commit, workspaceDir string) error {
	cloneArgs := []string{"clone", "--depth", fmt.Sprintf("%d", shallowCloneDepth), cloneURL, workspaceDir}
	if out, err := runGit(ctx, "", cloneArgs); err != nil {
		return fmt.Errorf("%v: %s", err, out)
	}

	if out, err := runGit(ctx, workspaceDir, []string{"checkout", commit}); err == nil {
		return nil
	} else if _, fetchErr := runGit(ctx, workspaceDir, []string{"fetch", "--depth", fmt.Sprintf("%d", shallowCloneDepth), "origin", commit}); fetchErr != nil {
		return fmt.Errorf("checkout %v: %s", err, out)
	}

	if out, err := runGit(ctx, workspaceDir, []string{"checkout", commit}); err != nil {
		return fmt.Errorf("%v: %s", err, out)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

// Harness is the detected test harness for a Python workspace.
type Harness struct {
	HasRequirementsTxt bool
	HasPytestSection   bool
	HasSetupPy         bool
}

// DetectHarness inspects workspaceDir for the marker files spec.md §4.5
// names.
func DetectHarness(workspaceDir string) Harness {
	h := Harness{
		HasRequirementsTxt: fileExists(filepath.Join(workspaceDir, "requirements.txt")),
		HasSetupPy:         fileExists(filepath.Join(workspaceDir, "setup.py")),
	}
	if contents, err := os.ReadFile(filepath.Join(workspaceDir, "pyproject.toml")); err == nil {
		h.HasPytestSection = bytes.Contains(contents, []byte("[tool.pytest"))
	}
	return h
}

// DefaultTestCommand derives the test invocation spec.md §4.5 step 2
// describes: a bare pytest invocation when a pyproject pytest section is
// present, otherwise pytest against tests/ with verbose and short
// tracebacks.
func (h Harness) DefaultTestCommand() []string {
	if h.HasPytestSection {
		return []string{"pytest"}
	}
	return []string{"pytest", "tests/", "-v", "--tb=short"}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
