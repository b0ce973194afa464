// Package janitor implements the Janitor (C12): a scheduled sweep that
// removes workspace directories and stale store rows left behind by
// pipeline runs that never reached a terminal state (e.g. a crashed
// process). Grounded on the teacher's main.go MonitorWorkflows
// ticker-loop pattern (a package-var newTicker indirection so tests can
// substitute a fake ticker).
package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/autofix/ci-healer/internal/model"
)

// WorkspacePrefix is the directory-name prefix every pipeline-owned
// workspace is created under (internal/repro.Run uses
// os.MkdirTemp("", "ci-healer-workspace-*")); the Janitor only ever
// touches directories matching this prefix inside os.TempDir().
const WorkspacePrefix = "ci-healer-workspace-"

// DefaultAgeThreshold is the age past which a workspace or an in-flight
// failure row is considered abandoned (spec.md §4.12: "older than 24h").
const DefaultAgeThreshold = 24 * time.Hour

// Store is the subset of internal/store.Store the Janitor needs.
type Store interface {
	StaleNonTerminal(cutoff time.Time) ([]model.FailureRecord, error)
	SaveFailure(f *model.FailureRecord) error
}

// Janitor runs the periodic sweep.
type Janitor struct {
	store     Store
	logger    *logrus.Logger
	threshold time.Duration
	tempDir   string
}

// New builds a Janitor backed by store, sweeping os.TempDir() for stale
// workspace directories and store for stale non-terminal failure rows.
func New(store Store, logger *logrus.Logger, threshold time.Duration) *Janitor {
	if threshold <= 0 {
		threshold = DefaultAgeThreshold
	}
	return &Janitor{store: store, logger: logger, threshold: threshold, tempDir: os.TempDir()}
}

// newTicker is a package-var indirection so tests can run Run with a
// fast-firing fake ticker instead of waiting on a real one, mirroring
// the teacher's own newTicker = time.NewTicker substitution point.
var newTicker = time.NewTicker

// Run drives one sweep on every tick of a ticker firing every interval,
// until ctx is cancelled. Each sweep's own failures are logged and do
// not stop the loop, per spec.md §4.12 ("failures during cleanup are
// logged and do not propagate").
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := newTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: stale workspace directories are removed, and
// stale non-terminal failure rows are marked failed. Errors from either
// half are logged and do not abort the other.
func (j *Janitor) Sweep(ctx context.Context) {
	if err := j.sweepWorkspaces(); err != nil {
		j.logger.WithError(err).Warn("janitor: workspace sweep failed")
	}
	if err := j.sweepStaleFailures(); err != nil {
		j.logger.WithError(err).Warn("janitor: stale failure sweep failed")
	}
}

func (j *Janitor) sweepWorkspaces() error {
	entries, err := os.ReadDir(j.tempDir)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-j.threshold)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), WorkspacePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			j.logger.WithError(err).Warnf("janitor: stat workspace %s", e.Name())
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.tempDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.WithError(err).Warnf("janitor: remove workspace %s", path)
		}
	}
	return nil
}

func (j *Janitor) sweepStaleFailures() error {
	cutoff := time.Now().Add(-j.threshold)
	stale, err := j.store.StaleNonTerminal(cutoff)
	if err != nil {
		return err
	}

	for _, f := range stale {
		rec := f
		rec.Status = model.StatusFailed
		rec.Error = "janitor: abandoned in-flight run swept after age threshold"
		now := time.Now()
		rec.CompletedAt = &now
		if err := j.store.SaveFailure(&rec); err != nil {
			j.logger.WithError(err).Warnf("janitor: mark failure %s failed", rec.ID)
		}
	}
	return nil
}
