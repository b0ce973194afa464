package janitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofix/ci-healer/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	stale   []model.FailureRecord
	saved   []model.FailureRecord
}

func (f *fakeStore) StaleNonTerminal(cutoff time.Time) ([]model.FailureRecord, error) {
	return f.stale, nil
}

func (f *fakeStore) SaveFailure(rec *model.FailureRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *rec)
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func TestSweep_MarksStaleNonTerminalFailuresAsFailed(t *testing.T) {
	store := &fakeStore{stale: []model.FailureRecord{
		{ID: "f1", RunID: "1001", Repo: "acme/x", Status: model.StatusReproducing},
	}}
	j := New(store, testLogger(), time.Hour)

	j.Sweep(context.Background())

	require.Len(t, store.saved, 1)
	assert.Equal(t, model.StatusFailed, store.saved[0].Status)
	assert.NotEmpty(t, store.saved[0].Error)
	assert.NotNil(t, store.saved[0].CompletedAt)
}

func TestSweepWorkspaces_RemovesOnlyStaleManagedDirectories(t *testing.T) {
	store := &fakeStore{}
	j := New(store, testLogger(), time.Hour)
	j.tempDir = t.TempDir()

	staleDir := filepath.Join(j.tempDir, WorkspacePrefix+"stale")
	freshDir := filepath.Join(j.tempDir, WorkspacePrefix+"fresh")
	unrelatedDir := filepath.Join(j.tempDir, "unrelated-dir")
	require.NoError(t, os.MkdirAll(staleDir, 0o755))
	require.NoError(t, os.MkdirAll(freshDir, 0o755))
	require.NoError(t, os.MkdirAll(unrelatedDir, 0o755))

	oldTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(staleDir, oldTime, oldTime))

	require.NoError(t, j.sweepWorkspaces())

	_, err := os.Stat(staleDir)
	assert.True(t, os.IsNotExist(err), "stale workspace should be removed")

	_, err = os.Stat(freshDir)
	assert.NoError(t, err, "fresh workspace should survive")

	_, err = os.Stat(unrelatedDir)
	assert.NoError(t, err, "directory outside the managed prefix must never be touched")
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	store := &fakeStore{}
	j := New(store, testLogger(), time.Hour)

	fakeTicker := time.NewTicker(time.Millisecond)
	orig := newTicker
	newTicker = func(d time.Duration) *time.Ticker { return fakeTicker }
	defer func() { newTicker = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
