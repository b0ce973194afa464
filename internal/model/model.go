// Package model holds the data types shared across the healing pipeline:
// failure records, fix attempts, generated tests, and the transient
// analysis/patch artifacts exchanged between stages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the failure record's lifecycle state. Transitions are defined
// in internal/pipeline; Status itself only enumerates the valid values.
type Status string

const (
	StatusPending        Status = "pending"
	StatusFetchingLogs    Status = "fetching_logs"
	StatusAnalyzing       Status = "analyzing"
	StatusReproducing     Status = "reproducing"
	StatusNotReproduced   Status = "not_reproduced"
	StatusGeneratingTest  Status = "generating_test"
	StatusFixing          Status = "fixing"
	StatusCreatingPR      Status = "creating_pr"
	StatusFixed           Status = "fixed"
	StatusEscalated       Status = "escalated"
	StatusFailed          Status = "failed"
)

// Terminal reports whether s is one of the four terminal states a failure
// record can no longer leave except via re-ingestion.
func (s Status) Terminal() bool {
	switch s {
	case StatusFixed, StatusEscalated, StatusFailed, StatusNotReproduced:
		return true
	default:
		return false
	}
}

// ErrorKind is the closed enumeration an Analysis artifact's error kind is
// coerced into.
type ErrorKind string

const (
	ErrorKindImport             ErrorKind = "ImportError"
	ErrorKindModuleNotFound     ErrorKind = "ModuleNotFoundError"
	ErrorKindType               ErrorKind = "TypeError"
	ErrorKindAttribute          ErrorKind = "AttributeError"
	ErrorKindAssertion          ErrorKind = "AssertionError"
	ErrorKindSyntax             ErrorKind = "SyntaxError"
	ErrorKindName               ErrorKind = "NameError"
	ErrorKindValue              ErrorKind = "ValueError"
	ErrorKindKey                ErrorKind = "KeyError"
	ErrorKindOther              ErrorKind = "Other"
)

// validErrorKinds is used to coerce unrecognized LLM output to ErrorKindOther.
var validErrorKinds = map[ErrorKind]bool{
	ErrorKindImport: true, ErrorKindModuleNotFound: true, ErrorKindType: true,
	ErrorKindAttribute: true, ErrorKindAssertion: true, ErrorKindSyntax: true,
	ErrorKindName: true, ErrorKindValue: true, ErrorKindKey: true, ErrorKindOther: true,
}

// NormalizeErrorKind coerces an arbitrary string into the closed enum,
// defaulting to ErrorKindOther.
func NormalizeErrorKind(raw string) ErrorKind {
	k := ErrorKind(raw)
	if validErrorKinds[k] {
		return k
	}
	return ErrorKindOther
}

// Verdict is a fix attempt's outcome.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// FailureRecord is the durable row for one (run ID, repo) failure.
type FailureRecord struct {
	ID           string
	RunID        string
	Repo         string
	SHA          string
	Branch       string
	WorkflowName string
	CreatedAt    time.Time

	// Analysis fields, populated after the Analysis Stage.
	ErrorType     ErrorKind
	FilePath      string
	LineNumber    int
	HasLine       bool
	FunctionName  string
	ErrorMessage  string
	FailingTest   string
	Confidence    float64
	RawLogSnippet string

	// EnvironmentSuspect is set when the reproduction's dependency-install
	// step exited non-zero; carried through so analysis consumers can
	// discount a reproduction verdict obtained over a broken environment.
	EnvironmentSuspect bool

	// Outcome fields.
	Status      Status
	PRURL       string
	IssueURL    string
	Error       string
	CompletedAt *time.Time
}

// NewFailureRecord builds a pending record for a freshly ingested event.
func NewFailureRecord(runID, repo, sha, branch, workflow string) *FailureRecord {
	return &FailureRecord{
		ID:           uuid.NewString(),
		RunID:        runID,
		Repo:         repo,
		SHA:          sha,
		Branch:       branch,
		WorkflowName: workflow,
		CreatedAt:    time.Now(),
		Status:       StatusPending,
	}
}

// FixAttempt is one (synthesize, apply, verify) cycle within the Fix Loop.
type FixAttempt struct {
	ID              string
	FailureID       string
	AttemptNumber   int
	FilePath        string
	OriginalCode    string
	FixedCode       string
	Explanation     string
	Verdict         Verdict
	ErrorOutput     string
	CreatedAt       time.Time
}

// GeneratedTest is the at-most-one synthesized regression test for a failure.
type GeneratedTest struct {
	ID             string
	FailureID      string
	TestName       string
	TestCode       string
	TargetFile     string
	ImportsNeeded  []string
	CreatedAt      time.Time
}

// Analysis is the transient artifact returned by the Analysis Stage (C6).
type Analysis struct {
	ErrorKind          ErrorKind
	FilePath           string
	Line               *int
	FunctionName       string
	Message            string
	Frames             []string
	FailingTest        string
	Confidence         float64
	RawExcerpt         string
	EnvironmentSuspect bool
}

// ClampConfidence returns c clamped into [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Patch is the transient artifact returned by the Fix Synthesis Stage (C8).
type Patch struct {
	FilePath        string
	OriginalSpan    string
	ReplacementSpan string
	Explanation     string
}

// JobLog is one per-job log text as retrieved from the code host.
type JobLog struct {
	Name string
	Text string
}

// Metrics is an aggregate view over the durable store, backing the status
// CLI subcommand.
type Metrics struct {
	TotalFailures   int
	Fixed           int
	Escalated       int
	Failed          int
	NotReproduced   int
	InFlight        int
	AverageTimeToTerminal time.Duration
}
