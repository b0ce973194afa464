// Package codehost implements the code-host client contract from
// spec.md §6: downloading workflow-run logs, and creating review
// requests / escalation issues. Grounded directly on the teacher's
// GitHubIntegration (types.go) and PullRequestEngine
// (pull_request_engine.go) — same go-github/oauth2 stack, same
// generatePRBody/generatePRTitle title-casing approach via
// golang.org/x/text/cases and golang.org/x/text/language.
package codehost

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v45/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/autofix/ci-healer/internal/model"
)

// Client is the code-host contract the Pipeline Orchestrator depends on.
type Client interface {
	FetchLogs(ctx context.Context, repo string, runID int64) ([]model.JobLog, error)
	OpenReviewRequest(ctx context.Context, req ReviewRequest) (url string, err error)
	OpenEscalationIssue(ctx context.Context, req EscalationRequest) (url string, err error)
}

// ReviewRequest carries everything needed to render a review-request
// body, adapted from the teacher's PRCreationOptions/generatePRContent
// shape but retargeted at spec.md's analysis/attempt vocabulary instead
// of the teacher's ProposedFix/FixValidationResult.
type ReviewRequest struct {
	Repo         string
	BranchName   string
	TargetBranch string
	Failure      *model.FailureRecord
	Test         *model.GeneratedTest
	Attempts     []model.FixAttempt
	PatchFile    string
	PatchBefore  string
	PatchAfter   string
	// FileContent is the full, already-patched contents of PatchFile as
	// left in the workspace by a passing Fix Loop attempt — the review
	// request commits this whole file, not the replacement span alone.
	FileContent string
}

// EscalationRequest carries the context an escalation issue is opened
// with when automated repair is skipped or exhausted.
type EscalationRequest struct {
	Repo     string
	Failure  *model.FailureRecord
	Attempts []model.FixAttempt
	Reason   string
}

// GitHubClient is the production Client, backed by go-github/v45 over an
// oauth2-authenticated http.Client exactly as the teacher's
// GitHubIntegration is constructed.
type GitHubClient struct {
	client *github.Client
	http   *http.Client
	logger *logrus.Logger
}

// NewGitHubClient builds a GitHubClient authenticated with token.
func NewGitHubClient(ctx context.Context, token string, logger *logrus.Logger) *GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &GitHubClient{
		client: github.NewClient(tc),
		http:   tc,
		logger: logger,
	}
}

func splitRepo(full string) (owner, name string) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 {
		return full, ""
	}
	return parts[0], parts[1]
}

// FetchLogs downloads the workflow run's log archive and groups entries
// by top-level directory (one directory per job, the shape GitHub's
// Actions log zip uses), matching spec.md §6's code-host contract
// clause (a).
func (g *GitHubClient) FetchLogs(ctx context.Context, repo string, runID int64) ([]model.JobLog, error) {
	owner, name := splitRepo(repo)

	logURL, _, err := g.client.Actions.GetWorkflowRunLogs(ctx, owner, name, runID, true)
	if err != nil {
		return nil, fmt.Errorf("codehost: get workflow run logs: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("codehost: build log download request: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codehost: download log archive: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("codehost: read log archive: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("codehost: log archive download returned %d", resp.StatusCode)
	}

	return groupLogsByJob(raw)
}

// groupLogsByJob extracts every file from a zip archive and groups
// entries by their top-level directory (GitHub Actions' job-log zip
// shape: "<job name>/<step>.txt"), concatenating each job's step files
// in archive order into one text per job.
func groupLogsByJob(raw []byte) ([]model.JobLog, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("codehost: read log zip: %w", err)
	}

	order := []string{}
	byJob := map[string]*strings.Builder{}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		jobName := topLevelDir(f.Name)
		if jobName == "" {
			jobName = f.Name
		}
		b, ok := byJob[jobName]
		if !ok {
			b = &strings.Builder{}
			byJob[jobName] = b
			order = append(order, jobName)
		}

		rc, err := f.Open()
		if err != nil {
			continue
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		b.Write(content)
		b.WriteString("\n")
	}

	logs := make([]model.JobLog, 0, len(order))
	for _, job := range order {
		logs = append(logs, model.JobLog{Name: job, Text: byJob[job].String()})
	}
	return logs, nil
}

func topLevelDir(name string) string {
	idx := strings.Index(name, "/")
	if idx == -1 {
		return ""
	}
	return name[:idx]
}

// OpenReviewRequest opens a pull request proposing the verified patch,
// adapted from the teacher's PullRequestEngine.CreateFixPR /
// generatePRContent, retargeted at spec.md's analysis/attempt
// vocabulary.
func (g *GitHubClient) OpenReviewRequest(ctx context.Context, req ReviewRequest) (string, error) {
	owner, name := splitRepo(req.Repo)

	mainRef, _, err := g.client.Git.GetRef(ctx, owner, name, "heads/"+req.TargetBranch)
	if err != nil {
		return "", fmt.Errorf("codehost: get target branch ref: %w", err)
	}

	newRef := &github.Reference{
		Ref:    github.String("refs/heads/" + req.BranchName),
		Object: &github.GitObject{SHA: mainRef.Object.SHA},
	}
	if _, _, err := g.client.Git.CreateRef(ctx, owner, name, newRef); err != nil {
		return "", fmt.Errorf("codehost: create branch: %w", err)
	}

	if err := g.commitPatch(ctx, owner, name, req.BranchName, req); err != nil {
		return "", fmt.Errorf("codehost: commit patch: %w", err)
	}

	title := reviewRequestTitle(req.Failure)
	body := reviewRequestBody(req)

	newPR := &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(req.BranchName),
		Base:  github.String(req.TargetBranch),
		Body:  github.String(body),
		Draft: github.Bool(false),
	}

	pr, _, err := g.client.PullRequests.Create(ctx, owner, name, newPR)
	if err != nil {
		return "", fmt.Errorf("codehost: create pull request: %w", err)
	}

	labels := []string{"autofix", "automated", string(req.Failure.ErrorType) + "-failure"}
	if _, _, err := g.client.Issues.AddLabelsToIssue(ctx, owner, name, pr.GetNumber(), labels); err != nil {
		g.logger.WithError(err).Warn("codehost: failed to label review request")
	}

	return pr.GetHTMLURL(), nil
}

func (g *GitHubClient) commitPatch(ctx context.Context, owner, name, branch string, req ReviewRequest) error {
	ref, _, err := g.client.Git.GetRef(ctx, owner, name, "heads/"+branch)
	if err != nil {
		return err
	}

	existing, _, _, err := g.client.Repositories.GetContents(ctx, owner, name, req.PatchFile, &github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return fmt.Errorf("read existing file: %w", err)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(fmt.Sprintf("Fix %s", req.Failure.ErrorType)),
		Content: []byte(req.FileContent),
		Branch:  github.String(branch),
		SHA:     existing.SHA,
	}
	_, _, err = g.client.Repositories.UpdateFile(ctx, owner, name, req.PatchFile, opts)
	_ = ref
	return err
}

func reviewRequestTitle(f *model.FailureRecord) string {
	caser := cases.Title(language.English)
	return fmt.Sprintf("Auto-fix: %s in %s", caser.String(string(f.ErrorType)), f.FilePath)
}

func reviewRequestBody(req ReviewRequest) string {
	var b strings.Builder
	f := req.Failure

	b.WriteString("## Automated Fix\n\n")
	b.WriteString("This pull request was automatically generated to fix a CI failure.\n\n")

	b.WriteString("## Failure Analysis\n\n")
	fmt.Fprintf(&b, "**Workflow**: %s\n", f.WorkflowName)
	fmt.Fprintf(&b, "**File**: %s\n", f.FilePath)
	fmt.Fprintf(&b, "**Error Kind**: %s\n", f.ErrorType)
	fmt.Fprintf(&b, "**Confidence**: %.1f%%\n", f.Confidence*100)
	fmt.Fprintf(&b, "**Message**: %s\n\n", f.ErrorMessage)

	if req.Test != nil {
		b.WriteString("## Regression Test\n\n")
		fmt.Fprintf(&b, "`%s` added to `%s`\n\n", req.Test.TestName, req.Test.TargetFile)
	}

	b.WriteString("## Fix Attempts\n\n")
	caser := cases.Title(language.English)
	for _, a := range req.Attempts {
		fmt.Fprintf(&b, "- attempt %d: %s (%s)\n", a.AttemptNumber, a.Explanation, caser.String(string(a.Verdict)))
	}

	b.WriteString("\n---\n")
	b.WriteString("*This pull request was automatically generated by the CI healing agent.*\n")
	return b.String()
}

// OpenEscalationIssue opens a human-review ticket when automated repair
// fails or is skipped, adapted from the teacher's issue-opening path
// (the teacher has no dedicated escalation flow; this generalizes
// PullRequestEngine's body-rendering approach onto an Issues.Create
// call instead of a pull request).
func (g *GitHubClient) OpenEscalationIssue(ctx context.Context, req EscalationRequest) (string, error) {
	owner, name := splitRepo(req.Repo)

	title := fmt.Sprintf("CI failure needs human review: %s (run %s)", req.Failure.ErrorType, req.Failure.RunID)
	body := escalationBody(req)

	issue, _, err := g.client.Issues.Create(ctx, owner, name, &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(body),
		Labels: &[]string{"autofix", "needs-human-review"},
	})
	if err != nil {
		return "", fmt.Errorf("codehost: create escalation issue: %w", err)
	}
	return issue.GetHTMLURL(), nil
}

func escalationBody(req EscalationRequest) string {
	var b strings.Builder
	f := req.Failure

	b.WriteString("## Escalation\n\n")
	fmt.Fprintf(&b, "**Reason**: %s\n\n", req.Reason)
	fmt.Fprintf(&b, "**Workflow**: %s\n", f.WorkflowName)
	fmt.Fprintf(&b, "**Commit**: %s\n", f.SHA)
	fmt.Fprintf(&b, "**Error Kind**: %s\n", f.ErrorType)
	fmt.Fprintf(&b, "**Confidence**: %.1f%%\n", f.Confidence*100)
	fmt.Fprintf(&b, "**Message**: %s\n\n", f.ErrorMessage)

	if len(req.Attempts) > 0 {
		b.WriteString("## Attempts Exhausted\n\n")
		for _, a := range req.Attempts {
			fmt.Fprintf(&b, "- attempt %d: %s — %s\n", a.AttemptNumber, a.Explanation, a.ErrorOutput)
		}
	}

	fmt.Fprintf(&b, "\n_Opened %s by the CI healing agent._\n", time.Now().UTC().Format(time.RFC3339))
	return b.String()
}
