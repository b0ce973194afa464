// Package pipeline implements the Pipeline Orchestrator (C10): the
// stateful, multi-stage sequencing of C6 (analyze) → C5 (reproduce) →
// C7 (synthesize test) → C9 (fix loop), persisting a status transition
// before each stage begins so a crash-restart never loses progress.
// Grounded on the teacher's main.go checkForFailures control flow
// (fetch → analyze → fix → PR), generalized into the explicit state
// enum spec.md §4.10 names.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/autofix/ci-healer/internal/codehost"
	"github.com/autofix/ci-healer/internal/fixloop"
	"github.com/autofix/ci-healer/internal/llm"
	"github.com/autofix/ci-healer/internal/loganalysis"
	"github.com/autofix/ci-healer/internal/model"
	"github.com/autofix/ci-healer/internal/repro"
	"github.com/autofix/ci-healer/internal/sandbox"
	"github.com/autofix/ci-healer/internal/stages"
)

// Store is the subset of internal/store.Store the Orchestrator needs.
type Store interface {
	UpsertFailure(f *model.FailureRecord) error
	SaveFailure(f *model.FailureRecord) error
	AppendAttempt(a *model.FixAttempt) error
	SaveGeneratedTest(t *model.GeneratedTest) error
}

// CodeHost is the subset of internal/codehost.Client the Orchestrator
// needs.
type CodeHost interface {
	FetchLogs(ctx context.Context, repo string, runID int64) ([]model.JobLog, error)
	OpenReviewRequest(ctx context.Context, req codehost.ReviewRequest) (string, error)
	OpenEscalationIssue(ctx context.Context, req codehost.EscalationRequest) (string, error)
}

// Input is what it takes to start a pipeline run, per spec.md §4.10's
// "Inputs to start" list.
type Input struct {
	Repo           string
	RunID          string
	WorkflowRunID  int64
	SHA            string
	Branch         string
	WorkflowName   string
	CloneURL       string
	InstallationID *int64
}

// Options configures an Orchestrator.
type Options struct {
	ReproTimeout   time.Duration
	TargetBranch   string
	WorkerPoolSize int
}

// Orchestrator drives pipeline runs per spec.md §4.10. All suspension
// points (log download, clone, container exec, LLM calls, store writes,
// code-host calls) hold no lock across them — the orchestrator's own
// mutex only ever guards the in-flight cancellation registry, never
// wraps an I/O call, per spec.md §5.
type Orchestrator struct {
	store    Store
	host     CodeHost
	llm      llm.Client
	driver   sandbox.Driver
	pool     *WorkerPool
	logger   *logrus.Logger
	opts     Options

	mu       sync.Mutex
	inFlight map[string]*inFlightRun
}

// inFlightRun is the registry entry for one submitted run. Identity
// (pointer equality), not the CancelFunc value (context.CancelFunc
// values aren't comparable), is what lets a run's own cleanup tell
// whether it is still the current occupant of the registry slot before
// deleting it — a superseding run installs a new *inFlightRun, and the
// superseded run's cleanup must never remove that newer entry.
type inFlightRun struct {
	cancel context.CancelFunc
}

// New builds an Orchestrator.
func New(store Store, host CodeHost, client llm.Client, driver sandbox.Driver, logger *logrus.Logger, opts Options) *Orchestrator {
	if opts.TargetBranch == "" {
		opts.TargetBranch = "main"
	}
	if opts.ReproTimeout == 0 {
		opts.ReproTimeout = repro.DefaultTimeout
	}
	return &Orchestrator{
		store:    store,
		host:     host,
		llm:      client,
		driver:   driver,
		pool:     NewWorkerPool(opts.WorkerPoolSize),
		logger:   logger,
		opts:     opts,
		inFlight: make(map[string]*inFlightRun),
	}
}

// Wait blocks until every submitted pipeline run has returned. Exposed
// for the CLI's synchronous "ingest" subcommand and for tests.
func (o *Orchestrator) Wait() {
	o.pool.Wait()
}

func inFlightKey(repo, runID string) string {
	return repo + "#" + runID
}

// afterRunCleanup is a package-var indirection so tests can observe the
// instant a submitted run's registry cleanup has completed, the same
// newTicker-style substitution point internal/janitor uses.
var afterRunCleanup = func(key string) {}

// Ingest records a new failure and starts a pipeline run for it,
// returning once the store write has completed — the event ingestion
// path's "return acknowledgment immediately" contract (spec.md §5).
//
// Re-ingestion semantics (Open Question, spec.md §9, decided in
// DESIGN.md): a second ingestion for the same (run_id, repo) cancels
// the in-flight pipeline's context and starts a fresh one. The store
// write that resets status to pending happens before the old run's
// context is cancelled, so an external observer never sees status
// regress below pending even if the old goroutine is still unwinding.
func (o *Orchestrator) Ingest(ctx context.Context, in Input) error {
	key := inFlightKey(in.Repo, in.RunID)
	failure := model.NewFailureRecord(in.RunID, in.Repo, in.SHA, in.Branch, in.WorkflowName)

	if err := o.store.UpsertFailure(failure); err != nil {
		return fmt.Errorf("pipeline: ingest upsert: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &inFlightRun{cancel: cancel}

	o.mu.Lock()
	if prev, ok := o.inFlight[key]; ok {
		prev.cancel()
	}
	o.inFlight[key] = handle
	o.mu.Unlock()

	o.pool.Submit(func() {
		defer func() {
			o.mu.Lock()
			if o.inFlight[key] == handle {
				delete(o.inFlight, key)
			}
			o.mu.Unlock()
			cancel()
			afterRunCleanup(key)
		}()
		o.run(runCtx, failure, in)
	})

	return nil
}

// run drives one failure record through the state machine. Any
// uncaught panic is recovered and converted into a failed terminal
// transition, matching spec.md §7's "no exception propagates past the
// pipeline entry point."
func (o *Orchestrator) run(ctx context.Context, f *model.FailureRecord, in Input) {
	defer func() {
		if r := recover(); r != nil {
			o.terminate(ctx, f, model.StatusFailed, fmt.Sprintf("panic: %v", r), "", "")
		}
	}()

	if o.cancelled(ctx) {
		return
	}
	o.transition(f, model.StatusFetchingLogs)

	logs, err := o.host.FetchLogs(ctx, in.Repo, in.WorkflowRunID)
	if o.cancelled(ctx) {
		return
	}
	if err != nil {
		o.terminate(ctx, f, model.StatusFailed, "fetch logs: "+err.Error(), "", "")
		return
	}

	localized, ok := loganalysis.Localize(logs)
	if !ok {
		o.terminate(ctx, f, model.StatusFailed, "no logs available for this run", "", "")
		return
	}
	truncated := loganalysis.Truncate(localized, loganalysis.DefaultLogBudget)

	o.transition(f, model.StatusAnalyzing)
	analysis, err := stages.Analyze(ctx, o.llm, truncated)
	if o.cancelled(ctx) {
		return
	}
	if err != nil {
		o.terminate(ctx, f, model.StatusFailed, "analysis: "+err.Error(), "", "")
		return
	}
	applyAnalysis(f, analysis)

	if analysis.Confidence < stages.ConfidenceGate {
		f.Error = "Low confidence analysis"
		o.escalate(ctx, f, nil, "Low confidence analysis")
		return
	}

	o.transition(f, model.StatusReproducing)
	reproResult, err := repro.Run(ctx, o.driver, repro.Options{
		CloneURL: in.CloneURL,
		Commit:   in.SHA,
		Timeout:  o.opts.ReproTimeout,
	})
	if o.cancelled(ctx) {
		return
	}
	if err != nil || !reproResult.Success {
		msg := "reproduction setup failed"
		if reproResult != nil {
			msg = reproResult.Error
		} else if err != nil {
			msg = err.Error()
		}
		o.terminate(ctx, f, model.StatusFailed, msg, "", "")
		return
	}
	f.EnvironmentSuspect = reproResult.InstallFailed

	if !reproResult.Reproduced {
		o.terminate(ctx, f, model.StatusNotReproduced, "", "", "")
		return
	}

	workspaceDir := reproResult.WorkspaceDir
	defer os.RemoveAll(workspaceDir)

	o.transition(f, model.StatusGeneratingTest)
	source, err := os.ReadFile(filepath.Join(workspaceDir, analysis.FilePath))
	if err != nil {
		o.terminate(ctx, f, model.StatusFailed, "read subject source: "+err.Error(), workspaceDir, "")
		return
	}
	existingTest := readExistingTestBestEffort(workspaceDir, analysis.FilePath)

	test, err := stages.SynthesizeTest(ctx, o.llm, analysis.FilePath, string(source), existingTest, analysis)
	if o.cancelled(ctx) {
		return
	}
	if err != nil {
		o.terminate(ctx, f, model.StatusFailed, "test synthesis: "+err.Error(), workspaceDir, "")
		return
	}
	test.ID = uuid.NewString()
	test.FailureID = f.ID
	test.CreatedAt = time.Now()
	if err := o.store.SaveGeneratedTest(test); err != nil {
		o.logger.WithError(err).Warn("pipeline: failed to persist generated test")
	}

	o.transition(f, model.StatusFixing)
	succeeded, attempts := fixloop.Run(ctx, o.llm, o.driver, workspaceDir, analysis, reproResult.TestCommand, o.opts.ReproTimeout)
	for i := range attempts {
		attempts[i].ID = uuid.NewString()
		attempts[i].FailureID = f.ID
		if err := o.store.AppendAttempt(&attempts[i]); err != nil {
			o.logger.WithError(err).Warn("pipeline: failed to persist fix attempt")
		}
	}
	if o.cancelled(ctx) {
		return
	}

	if !succeeded {
		o.escalate(ctx, f, attempts, "Exhausted fix attempts")
		return
	}

	o.transition(f, model.StatusCreatingPR)
	last := attempts[len(attempts)-1]
	// The Fix Loop breaks out on a passing attempt before reverting
	// (fixloop.Run), so the workspace still holds the whole patched
	// file — read it rather than the attempt's replacement span alone,
	// which is only a fragment of the file.
	patchedFile, err := os.ReadFile(filepath.Join(workspaceDir, last.FilePath))
	if err != nil {
		o.terminate(ctx, f, model.StatusFailed, "read patched file: "+err.Error(), "", "")
		return
	}
	prURL, err := o.host.OpenReviewRequest(ctx, codehost.ReviewRequest{
		Repo:         in.Repo,
		BranchName:   fmt.Sprintf("autofix/%s", f.ID),
		TargetBranch: o.opts.TargetBranch,
		Failure:      f,
		Test:         test,
		Attempts:     attempts,
		PatchFile:    last.FilePath,
		PatchBefore:  last.OriginalCode,
		PatchAfter:   last.FixedCode,
		FileContent:  string(patchedFile),
	})
	if err != nil {
		o.terminate(ctx, f, model.StatusFailed, "open review request: "+err.Error(), "", "")
		return
	}

	o.terminate(ctx, f, model.StatusFixed, "", "", prURL)
}

// escalate opens an escalation issue and transitions f to escalated.
func (o *Orchestrator) escalate(ctx context.Context, f *model.FailureRecord, attempts []model.FixAttempt, reason string) {
	issueURL, err := o.host.OpenEscalationIssue(ctx, codehost.EscalationRequest{
		Repo:     f.Repo,
		Failure:  f,
		Attempts: attempts,
		Reason:   reason,
	})
	if err != nil {
		o.logger.WithError(err).Warn("pipeline: failed to open escalation issue")
	}
	o.terminateEscalated(f, reason, issueURL)
}

func (o *Orchestrator) terminateEscalated(f *model.FailureRecord, reason, issueURL string) {
	f.Status = model.StatusEscalated
	f.Error = reason
	f.IssueURL = issueURL
	now := time.Now()
	f.CompletedAt = &now
	if err := o.store.SaveFailure(f); err != nil {
		o.logger.WithError(err).Error("pipeline: failed to persist escalated status")
	}
}

// terminate transitions f to status, optionally removing workspaceDir
// first (spec.md §4.10: "workspace cleanup is guaranteed on every
// terminal transition"), and sets the outcome fields.
func (o *Orchestrator) terminate(ctx context.Context, f *model.FailureRecord, status model.Status, errMsg, workspaceDir, prURL string) {
	if workspaceDir != "" {
		os.RemoveAll(workspaceDir)
	}
	f.Status = status
	f.Error = errMsg
	f.PRURL = prURL
	now := time.Now()
	f.CompletedAt = &now
	if err := o.store.SaveFailure(f); err != nil {
		o.logger.WithError(err).Error("pipeline: failed to persist terminal status")
	}
}

// transition persists a non-terminal status change before the next
// stage begins, per spec.md §4.10's "transitions are persisted before
// the next stage begins so that an external observer always sees
// monotone progress."
func (o *Orchestrator) transition(f *model.FailureRecord, status model.Status) {
	f.Status = status
	if err := o.store.SaveFailure(f); err != nil {
		o.logger.WithError(err).Error("pipeline: failed to persist status transition")
	}
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func applyAnalysis(f *model.FailureRecord, a *model.Analysis) {
	f.ErrorType = a.ErrorKind
	f.FilePath = a.FilePath
	if a.Line != nil {
		f.LineNumber = *a.Line
		f.HasLine = true
	}
	f.FunctionName = a.FunctionName
	f.ErrorMessage = a.Message
	f.FailingTest = a.FailingTest
	f.Confidence = a.Confidence
	f.RawLogSnippet = a.RawExcerpt
}

func readExistingTestBestEffort(workspaceDir, subjectPath string) string {
	candidates := []string{
		filepath.Join(workspaceDir, "tests", "test_"+filepath.Base(subjectPath)),
	}
	for _, c := range candidates {
		if b, err := os.ReadFile(c); err == nil {
			return string(b)
		}
	}
	return ""
}
