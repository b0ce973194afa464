// Package sandbox implements the Sandbox Session (C4): the scoped
// lifecycle of one ephemeral container bound to a workspace directory —
// acquire image, bind workspace, exec with a timeout, release.
package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PythonBaseImage is the stable image used by the Reproduction Runner (C5).
const PythonBaseImage = "python:3.11-slim"

// InContainerWorkdir is the fixed path the workspace is bound to inside
// every session's container.
const InContainerWorkdir = "/app"

// ResourceLimits describes the per-session resource policy. The Dagger Go
// SDK surface this project targets exposes no direct cgroup-limit call on
// *dagger.Container, so Session only stores these values: they are not
// applied to the container by either driver, and no test asserts them.
type ResourceLimits struct {
	MemoryMB       int
	CPUQuota       float64 // fraction of one core, e.g. 0.5
	SwapAllowed    bool
	NetworkEnabled bool
}

// DefaultResourceLimits is the policy every Session is created with.
var DefaultResourceLimits = ResourceLimits{
	MemoryMB:       512,
	CPUQuota:       0.5,
	SwapAllowed:    false,
	NetworkEnabled: true, // bridge networking is required for dependency installation
}

// execMarker delimits the synthesized exit code in combined command
// output. The Dagger container abstraction used here has no direct
// exit-code accessor (confirmed against the driver's method set), so the
// shell wrapper appends this marker and Exec parses it back out.
const execMarker = "__sandbox_exit__:"

// ExecResult is the outcome of one Exec call.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Driver abstracts container creation so a real Dagger-backed driver and
// an in-memory fake can share the same Session implementation, mirroring
// the ContainerInterface/FileInterface split the teacher uses to make its
// Dagger usage testable.
type Driver interface {
	NewContainer(image string) Container
}

// Container abstracts the handful of Dagger container operations a
// session needs: binding an image, mounting a workspace, setting the
// working directory, and running a command to completion.
type Container interface {
	WithEnvVariable(key, value string) Container
	WithWorkdir(path string) Container
	WithDirectory(containerPath, hostPath string) Container
	WithExec(argv []string) Container
	Stdout(ctx context.Context) (string, error)
	Stderr(ctx context.Context) (string, error)
}

// Session is one scoped container lifecycle bound to a workspace
// directory on the host.
type Session struct {
	driver    Driver
	image     string
	hostDir   string
	limits    ResourceLimits
	container Container
}

// NewSession acquires a container from driver using image, binds hostDir
// at InContainerWorkdir, and returns a Session ready for Exec calls.
// Teardown happens implicitly: a Session holds no background resources
// beyond the Container value itself, so releasing it is just letting it
// go out of scope — the caller's defer is a no-op placeholder kept for
// symmetry with the interface contract ("acquire ... release").
func NewSession(driver Driver, image, hostDir string) *Session {
	c := driver.NewContainer(image).
		WithDirectory(InContainerWorkdir, hostDir).
		WithWorkdir(InContainerWorkdir)

	return &Session{
		driver:    driver,
		image:     image,
		hostDir:   hostDir,
		limits:    DefaultResourceLimits,
		container: c,
	}
}

// WithEnv sets an environment variable on the session's container for all
// subsequent Exec calls.
func (s *Session) WithEnv(key, value string) *Session {
	s.container = s.container.WithEnvVariable(key, value)
	return s
}

// Close releases the session. Dagger containers are immutable value
// chains with no explicit handle to close; Close exists so callers can
// defer a guaranteed-release call per spec.md's "released on all exit
// paths" requirement without reaching into driver internals.
func (s *Session) Close() error {
	s.container = nil
	return nil
}

// Exec runs argv to completion under timeout, demultiplexing stdout and
// stderr. On timeout it synthesizes ExitCode=124 and TimedOut=true rather
// than propagating context.DeadlineExceeded, per spec.md §4.4/§5.
func (s *Session) Exec(ctx context.Context, argv []string, timeout time.Duration) (*ExecResult, error) {
	if s.container == nil {
		return nil, fmt.Errorf("sandbox: session already closed")
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	script := buildMarkedScript(argv)
	exec := s.container.WithExec([]string{"sh", "-c", script})

	stdout, stdoutErr := exec.Stdout(execCtx)
	stderr, _ := exec.Stderr(execCtx)

	if execCtx.Err() == context.DeadlineExceeded {
		return &ExecResult{ExitCode: 124, TimedOut: true, Stdout: stdout, Stderr: stderr}, nil
	}

	exitCode, cleanStdout := extractExitCode(stdout)
	if stdoutErr != nil && exitCode == 0 {
		// The driver surfaced an error but no marker was found (e.g. the
		// command itself never ran); treat as a non-zero, non-timeout
		// failure rather than masking it as success.
		exitCode = 1
	}

	return &ExecResult{ExitCode: exitCode, Stdout: cleanStdout, Stderr: stderr}, nil
}

func buildMarkedScript(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	cmd := strings.Join(quoted, " ")
	return fmt.Sprintf("%s; echo '%s'$?", cmd, execMarker)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func extractExitCode(stdout string) (int, string) {
	idx := strings.LastIndex(stdout, execMarker)
	if idx == -1 {
		return 0, stdout
	}
	rest := stdout[idx+len(execMarker):]
	rest = strings.TrimRight(rest, "\n")
	code, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, stdout
	}
	return code, stdout[:idx]
}
