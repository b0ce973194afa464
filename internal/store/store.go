// Package store implements the Durable Store (C11): the failures,
// fix_attempts, and generated_tests tables from spec.md §6, backed by
// SQLite. Grounded on theRebelliousNerd-codenerd's internal/store
// package — a *sql.DB guarded by a mutex (a sync.Mutex here), schema created with
// CREATE TABLE IF NOT EXISTS on open, idempotent upserts — since the
// teacher (tosin2013-dagger-autofix) carries no persistence layer of its
// own for this pipeline to be grounded on directly.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/autofix/ci-healer/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS failures (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	repo TEXT NOT NULL,
	sha TEXT NOT NULL,
	branch TEXT NOT NULL,
	workflow_name TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	error_type TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	line_number INTEGER NOT NULL DEFAULT 0,
	has_line INTEGER NOT NULL DEFAULT 0,
	function_name TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	failing_test TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	raw_log_snippet TEXT NOT NULL DEFAULT '',
	environment_suspect INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	pr_url TEXT NOT NULL DEFAULT '',
	issue_url TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	completed_at DATETIME,
	UNIQUE(run_id, repo)
);

CREATE TABLE IF NOT EXISTS fix_attempts (
	id TEXT PRIMARY KEY,
	failure_id TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	original_code TEXT NOT NULL DEFAULT '',
	fixed_code TEXT NOT NULL DEFAULT '',
	explanation TEXT NOT NULL DEFAULT '',
	test_result TEXT NOT NULL DEFAULT '',
	error_output TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS generated_tests (
	id TEXT PRIMARY KEY,
	failure_id TEXT NOT NULL,
	test_name TEXT NOT NULL DEFAULT '',
	test_code TEXT NOT NULL DEFAULT '',
	target_file TEXT NOT NULL DEFAULT '',
	imports_needed TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failures_repo ON failures(repo);
CREATE INDEX IF NOT EXISTS idx_failures_status ON failures(status);
CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id);
CREATE INDEX IF NOT EXISTS idx_fix_attempts_failure_id ON fix_attempts(failure_id);
`

// Store is the SQLite-backed durable store. All writes are serialized
// through mu, matching spec.md §5's "durable store is single-writer-safe
// by construction" — here enforced at the Go layer rather than relying
// solely on SQLite's own locking, the same belt-and-suspenders pattern
// LocalStore uses.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates/opens the SQLite database at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertFailure inserts f, or — if a row already exists under the unique
// (run_id, repo) key — overwrites it in place and resets status to
// pending, per spec.md §3/§6/§8 property 7 (re-ingestion semantics). On
// an overwrite f.ID is set in place to the existing row's ID (on a fresh
// insert it is left as is), so callers always operate against the row
// that is actually live in the store.
func (s *Store) UpsertFailure(f *model.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existingID, err := s.lookupID(f.RunID, f.Repo)
	if err != nil {
		return err
	}
	if existingID != "" {
		f.ID = existingID
	}
	f.Status = model.StatusPending
	f.CompletedAt = nil
	f.Error = ""

	_, err = s.db.Exec(`
		INSERT INTO failures (
			id, run_id, repo, sha, branch, workflow_name, created_at,
			error_type, file_path, line_number, has_line, function_name,
			error_message, failing_test, confidence, raw_log_snippet,
			environment_suspect, status, pr_url, issue_url, error, completed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id, repo) DO UPDATE SET
			sha=excluded.sha, branch=excluded.branch, workflow_name=excluded.workflow_name,
			created_at=excluded.created_at, error_type=excluded.error_type,
			file_path=excluded.file_path, line_number=excluded.line_number,
			has_line=excluded.has_line, function_name=excluded.function_name,
			error_message=excluded.error_message, failing_test=excluded.failing_test,
			confidence=excluded.confidence, raw_log_snippet=excluded.raw_log_snippet,
			environment_suspect=excluded.environment_suspect, status=excluded.status,
			pr_url=excluded.pr_url, issue_url=excluded.issue_url, error=excluded.error,
			completed_at=excluded.completed_at
	`,
		f.ID, f.RunID, f.Repo, f.SHA, f.Branch, f.WorkflowName, f.CreatedAt,
		string(f.ErrorType), f.FilePath, f.LineNumber, boolToInt(f.HasLine), f.FunctionName,
		f.ErrorMessage, f.FailingTest, f.Confidence, f.RawLogSnippet,
		boolToInt(f.EnvironmentSuspect), string(f.Status), f.PRURL, f.IssueURL, f.Error, nullTime(f.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("store: upsert failure: %w", err)
	}
	return nil
}

// SaveFailure persists every mutable field of f, used by the pipeline to
// flush state at every stage transition (spec.md §4.11: "all writes are
// synchronous to the local store before the next stage begins").
func (s *Store) SaveFailure(f *model.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE failures SET
			sha=?, branch=?, workflow_name=?, error_type=?, file_path=?, line_number=?,
			has_line=?, function_name=?, error_message=?, failing_test=?, confidence=?,
			raw_log_snippet=?, environment_suspect=?, status=?, pr_url=?, issue_url=?,
			error=?, completed_at=?
		WHERE id=?
	`,
		f.SHA, f.Branch, f.WorkflowName, string(f.ErrorType), f.FilePath, f.LineNumber,
		boolToInt(f.HasLine), f.FunctionName, f.ErrorMessage, f.FailingTest, f.Confidence,
		f.RawLogSnippet, boolToInt(f.EnvironmentSuspect), string(f.Status), f.PRURL, f.IssueURL,
		f.Error, nullTime(f.CompletedAt), f.ID,
	)
	if err != nil {
		return fmt.Errorf("store: save failure: %w", err)
	}
	return nil
}

// GetFailure loads a failure record by ID.
func (s *Store) GetFailure(id string) (*model.FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id, run_id, repo, sha, branch, workflow_name, created_at,
			error_type, file_path, line_number, has_line, function_name,
			error_message, failing_test, confidence, raw_log_snippet,
			environment_suspect, status, pr_url, issue_url, error, completed_at
		FROM failures WHERE id = ?`, id)
	return scanFailure(row)
}

func (s *Store) lookupID(runID, repo string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM failures WHERE run_id = ? AND repo = ?`, runID, repo).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: lookup (run_id, repo): %w", err)
	}
	return id, nil
}

// AppendAttempt appends a to the fix_attempts table. Attempts are
// append-only (spec.md §3): there is no update path, matching spec.md
// §8 property 1/2's bounded, monotone attempt-number invariants which
// the Fix Loop (C9) is responsible for upholding before calling this.
func (s *Store) AppendAttempt(a *model.FixAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO fix_attempts (
			id, failure_id, attempt_number, file_path, original_code, fixed_code,
			explanation, test_result, error_output, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)
	`, a.ID, a.FailureID, a.AttemptNumber, a.FilePath, a.OriginalCode, a.FixedCode,
		a.Explanation, string(a.Verdict), a.ErrorOutput, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append attempt: %w", err)
	}
	return nil
}

// ListAttempts returns every fix attempt for failureID in attempt-number
// order.
func (s *Store) ListAttempts(failureID string) ([]model.FixAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, failure_id, attempt_number, file_path, original_code, fixed_code,
			explanation, test_result, error_output, created_at
		FROM fix_attempts WHERE failure_id = ? ORDER BY attempt_number ASC`, failureID)
	if err != nil {
		return nil, fmt.Errorf("store: list attempts: %w", err)
	}
	defer rows.Close()

	var out []model.FixAttempt
	for rows.Next() {
		var a model.FixAttempt
		var verdict string
		if err := rows.Scan(&a.ID, &a.FailureID, &a.AttemptNumber, &a.FilePath, &a.OriginalCode,
			&a.FixedCode, &a.Explanation, &verdict, &a.ErrorOutput, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan attempt: %w", err)
		}
		a.Verdict = model.Verdict(verdict)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveGeneratedTest persists the at-most-one generated test for a
// failure.
func (s *Store) SaveGeneratedTest(t *model.GeneratedTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	imports, err := json.Marshal(t.ImportsNeeded)
	if err != nil {
		return fmt.Errorf("store: marshal imports_needed: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO generated_tests (id, failure_id, test_name, test_code, target_file, imports_needed, created_at)
		VALUES (?,?,?,?,?,?,?)
	`, t.ID, t.FailureID, t.TestName, t.TestCode, t.TargetFile, string(imports), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save generated test: %w", err)
	}
	return nil
}

// Metrics computes the aggregate view backing the status CLI subcommand
// — a real implementation of the teacher's GetMetrics, which in
// tosin2013-dagger-autofix's main.go is a stub returning zeros.
func (s *Store) Metrics() (*model.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &model.Metrics{}
	rows, err := s.db.Query(`SELECT status, created_at, completed_at FROM failures`)
	if err != nil {
		return nil, fmt.Errorf("store: metrics query: %w", err)
	}
	defer rows.Close()

	var totalDuration time.Duration
	var terminalCount int
	for rows.Next() {
		var status string
		var createdAt time.Time
		var completedAt sql.NullTime
		if err := rows.Scan(&status, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("store: scan metrics row: %w", err)
		}
		m.TotalFailures++
		switch model.Status(status) {
		case model.StatusFixed:
			m.Fixed++
		case model.StatusEscalated:
			m.Escalated++
		case model.StatusFailed:
			m.Failed++
		case model.StatusNotReproduced:
			m.NotReproduced++
		default:
			m.InFlight++
		}
		if completedAt.Valid {
			totalDuration += completedAt.Time.Sub(createdAt)
			terminalCount++
		}
	}
	if terminalCount > 0 {
		m.AverageTimeToTerminal = totalDuration / time.Duration(terminalCount)
	}
	return m, rows.Err()
}

// StaleNonTerminal returns every failure record whose status is not yet
// terminal and whose created_at predates the cutoff — consumed by the
// Janitor (C12) to mark abandoned in-flight rows failed.
func (s *Store) StaleNonTerminal(cutoff time.Time) ([]model.FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, repo, status FROM failures
		WHERE created_at < ? AND status NOT IN (?,?,?,?)`,
		cutoff, string(model.StatusFixed), string(model.StatusEscalated),
		string(model.StatusFailed), string(model.StatusNotReproduced))
	if err != nil {
		return nil, fmt.Errorf("store: stale non-terminal query: %w", err)
	}
	defer rows.Close()

	var out []model.FailureRecord
	for rows.Next() {
		var f model.FailureRecord
		var status string
		if err := rows.Scan(&f.ID, &f.RunID, &f.Repo, &status); err != nil {
			return nil, fmt.Errorf("store: scan stale row: %w", err)
		}
		f.Status = model.Status(status)
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFailure(row *sql.Row) (*model.FailureRecord, error) {
	var f model.FailureRecord
	var errorType, status string
	var hasLine, envSuspect int
	var completedAt sql.NullTime
	err := row.Scan(&f.ID, &f.RunID, &f.Repo, &f.SHA, &f.Branch, &f.WorkflowName, &f.CreatedAt,
		&errorType, &f.FilePath, &f.LineNumber, &hasLine, &f.FunctionName,
		&f.ErrorMessage, &f.FailingTest, &f.Confidence, &f.RawLogSnippet,
		&envSuspect, &status, &f.PRURL, &f.IssueURL, &f.Error, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: failure not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan failure: %w", err)
	}
	f.ErrorType = model.ErrorKind(errorType)
	f.Status = model.Status(status)
	f.HasLine = hasLine != 0
	f.EnvironmentSuspect = envSuspect != 0
	if completedAt.Valid {
		t := completedAt.Time
		f.CompletedAt = &t
	}
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
