package sandbox

import (
	"context"
	"strconv"
	"strings"
)

// FakeDriver is an in-memory stand-in for DaggerDriver, grounded on the
// teacher's MockDaggerContainer in dagger_mocks.go: it records exec
// history and serves configured outputs instead of touching a real
// container runtime.
type FakeDriver struct {
	// Outputs maps a substring of the wrapped shell command, with its
	// single-quote shell quoting removed (so "pytest tests/ -v" matches
	// the quoted argv Session.Exec builds), to the result Exec should
	// observe for it. The first matching key (by map
	// iteration) wins; keep keys specific enough not to collide.
	Outputs map[string]FakeResult
	// Default is served when no entry in Outputs matches.
	Default FakeResult

	// ExecHistory records every command run, across every container this
	// driver created, in order.
	ExecHistory [][]string
	// Directories records containerPath -> hostPath bindings requested.
	Directories map[string]string
	// TransportErr, when non-nil, is returned from Stdout/Stderr instead
	// of a result — simulates a driver-level failure (daemon unreachable)
	// rather than a command exit code.
	TransportErr error

	// Handler, when set, overrides Outputs/Default entirely: it is
	// called with the number of WithExec calls made so far (including
	// the current one) and decides the result. Useful for simulating a
	// command whose outcome changes across a sequence of attempts.
	Handler func(callNumber int, argv []string) FakeResult
}

// FakeResult is a configured command outcome.
type FakeResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// NewFakeDriver returns a FakeDriver with empty state, ready for Outputs
// to be populated by a test.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		Outputs:     make(map[string]FakeResult),
		Default:     FakeResult{ExitCode: 0, Stdout: "ok"},
		Directories: make(map[string]string),
	}
}

func (d *FakeDriver) NewContainer(image string) Container {
	return &fakeContainer{driver: d, image: image}
}

type fakeContainer struct {
	driver     *FakeDriver
	image      string
	env        map[string]string
	workdir    string
	lastCmd    string
	callNumber int
}

func (c *fakeContainer) WithEnvVariable(key, value string) Container {
	next := *c
	next.env = cloneEnv(c.env)
	next.env[key] = value
	return &next
}

func cloneEnv(env map[string]string) map[string]string {
	cloned := make(map[string]string, len(env))
	for k, v := range env {
		cloned[k] = v
	}
	return cloned
}

func (c *fakeContainer) WithWorkdir(path string) Container {
	next := *c
	next.workdir = path
	return &next
}

func (c *fakeContainer) WithDirectory(containerPath, hostPath string) Container {
	c.driver.Directories[containerPath] = hostPath
	next := *c
	return &next
}

func (c *fakeContainer) WithExec(argv []string) Container {
	c.driver.ExecHistory = append(c.driver.ExecHistory, argv)
	next := *c
	next.lastCmd = strings.ReplaceAll(strings.Join(argv, " "), "'", "")
	next.callNumber = len(c.driver.ExecHistory)
	return &next
}

func (c *fakeContainer) Stdout(ctx context.Context) (string, error) {
	if c.driver.TransportErr != nil {
		return "", c.driver.TransportErr
	}
	res := c.resolve()
	return res.Stdout + "\n" + execMarker + strconv.Itoa(res.ExitCode), nil
}

func (c *fakeContainer) Stderr(ctx context.Context) (string, error) {
	if c.driver.TransportErr != nil {
		return "", c.driver.TransportErr
	}
	return c.resolve().Stderr, nil
}

func (c *fakeContainer) resolve() FakeResult {
	if c.driver.Handler != nil {
		lastArgv := []string{}
		if len(c.driver.ExecHistory) > 0 {
			lastArgv = c.driver.ExecHistory[len(c.driver.ExecHistory)-1]
		}
		return c.driver.Handler(c.callNumber, lastArgv)
	}
	for key, res := range c.driver.Outputs {
		if strings.Contains(c.lastCmd, key) {
			return res
		}
	}
	return c.driver.Default
}
