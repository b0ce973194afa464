package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_ExecSuccess(t *testing.T) {
	driver := NewFakeDriver()
	driver.Outputs["pytest"] = FakeResult{Stdout: "1 passed", ExitCode: 0}

	sess := NewSession(driver, PythonBaseImage, t.TempDir())
	defer sess.Close()

	res, err := sess.Exec(context.Background(), []string{"pytest"}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "1 passed")
	assert.False(t, res.TimedOut)
}

func TestSession_ExecNonZeroExit(t *testing.T) {
	driver := NewFakeDriver()
	driver.Outputs["pytest"] = FakeResult{Stdout: "1 failed", ExitCode: 1}

	sess := NewSession(driver, PythonBaseImage, t.TempDir())
	defer sess.Close()

	res, err := sess.Exec(context.Background(), []string{"pytest"}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestSession_ExecTimeout(t *testing.T) {
	driver := NewFakeDriver()
	sess := NewSession(driver, PythonBaseImage, t.TempDir())
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	res, err := sess.Exec(ctx, []string{"sleep", "300"}, 1*time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, 124, res.ExitCode)
	assert.True(t, res.TimedOut)
}

func TestSession_BindsWorkspaceAtFixedPath(t *testing.T) {
	driver := NewFakeDriver()
	hostDir := t.TempDir()
	_ = NewSession(driver, PythonBaseImage, hostDir)

	assert.Equal(t, hostDir, driver.Directories[InContainerWorkdir])
}

func TestSession_ExecAfterClose(t *testing.T) {
	driver := NewFakeDriver()
	sess := NewSession(driver, PythonBaseImage, t.TempDir())
	require.NoError(t, sess.Close())

	_, err := sess.Exec(context.Background(), []string{"true"}, time.Second)
	assert.Error(t, err)
}
