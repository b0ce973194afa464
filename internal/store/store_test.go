package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofix/ci-healer/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "healer.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertFailure_InsertsFreshRow(t *testing.T) {
	s := openTestStore(t)

	f := model.NewFailureRecord("1001", "acme/x", "a1b2", "main", "CI")
	require.NoError(t, s.UpsertFailure(f))

	got, err := s.GetFailure(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "1001", got.RunID)
	assert.Equal(t, "acme/x", got.Repo)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestUpsertFailure_ReingestionResetsExistingRowToPending(t *testing.T) {
	s := openTestStore(t)

	f := model.NewFailureRecord("1001", "acme/x", "a1b2", "main", "CI")
	require.NoError(t, s.UpsertFailure(f))

	f.Status = model.StatusFixed
	now := time.Now()
	f.CompletedAt = &now
	require.NoError(t, s.SaveFailure(f))

	replay := model.NewFailureRecord("1001", "acme/x", "c3d4", "main", "CI")
	require.NoError(t, s.UpsertFailure(replay))

	assert.Equal(t, f.ID, replay.ID, "replay must reuse the existing row under the unique (run_id, repo) key")

	got, err := s.GetFailure(replay.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "c3d4", got.SHA)
	assert.Nil(t, got.CompletedAt)
}

func TestSaveFailure_PersistsAnalysisAndOutcomeFields(t *testing.T) {
	s := openTestStore(t)
	f := model.NewFailureRecord("1001", "acme/x", "a1b2", "main", "CI")
	require.NoError(t, s.UpsertFailure(f))

	f.ErrorType = model.ErrorKindType
	f.FilePath = "src/payment/processor.py"
	f.LineNumber = 42
	f.HasLine = true
	f.Confidence = 0.92
	f.Status = model.StatusFixed
	f.PRURL = "https://example.com/pr/1"
	now := time.Now()
	f.CompletedAt = &now
	require.NoError(t, s.SaveFailure(f))

	got, err := s.GetFailure(f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ErrorKindType, got.ErrorType)
	assert.Equal(t, 42, got.LineNumber)
	assert.True(t, got.HasLine)
	assert.InDelta(t, 0.92, got.Confidence, 0.0001)
	assert.Equal(t, model.StatusFixed, got.Status)
	assert.Equal(t, "https://example.com/pr/1", got.PRURL)
	require.NotNil(t, got.CompletedAt)
}

func TestAppendAttempt_AndListAttempts_PreservesOrder(t *testing.T) {
	s := openTestStore(t)
	f := model.NewFailureRecord("1001", "acme/x", "a1b2", "main", "CI")
	require.NoError(t, s.UpsertFailure(f))

	for n := 1; n <= 3; n++ {
		a := &model.FixAttempt{
			ID: "attempt-" + string(rune('0'+n)), FailureID: f.ID, AttemptNumber: n,
			Verdict: model.VerdictFail, CreatedAt: time.Now(),
		}
		require.NoError(t, s.AppendAttempt(a))
	}

	attempts, err := s.ListAttempts(f.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}
}

func TestMetrics_CountsByStatus(t *testing.T) {
	s := openTestStore(t)

	statuses := []model.Status{model.StatusFixed, model.StatusEscalated, model.StatusFailed, model.StatusNotReproduced, model.StatusPending}
	for i, st := range statuses {
		f := model.NewFailureRecord(string(rune('a'+i)), "acme/x", "sha", "main", "CI")
		require.NoError(t, s.UpsertFailure(f))
		f.Status = st
		if st != model.StatusPending {
			now := time.Now()
			f.CompletedAt = &now
		}
		require.NoError(t, s.SaveFailure(f))
	}

	m, err := s.Metrics()
	require.NoError(t, err)
	assert.Equal(t, 5, m.TotalFailures)
	assert.Equal(t, 1, m.Fixed)
	assert.Equal(t, 1, m.Escalated)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 1, m.NotReproduced)
	assert.Equal(t, 1, m.InFlight)
}

func TestStaleNonTerminal_ExcludesTerminalRows(t *testing.T) {
	s := openTestStore(t)

	stale := model.NewFailureRecord("old", "acme/x", "sha", "main", "CI")
	stale.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.UpsertFailure(stale))
	// SaveFailure never writes created_at, so pin the backdated timestamp
	// with a direct UPDATE rather than relying on the upsert alone.
	require.NoError(t, s.SaveFailure(stale))
	_, err := s.db.Exec(`UPDATE failures SET created_at = ? WHERE id = ?`, stale.CreatedAt, stale.ID)
	require.NoError(t, err)

	done := model.NewFailureRecord("done", "acme/x", "sha", "main", "CI")
	require.NoError(t, s.UpsertFailure(done))
	done.Status = model.StatusFixed
	require.NoError(t, s.SaveFailure(done))
	_, err = s.db.Exec(`UPDATE failures SET created_at = ? WHERE id = ?`, time.Now().Add(-48*time.Hour), done.ID)
	require.NoError(t, err)

	rows, err := s.StaleNonTerminal(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stale.ID, rows[0].ID)
}
