// Package webhook implements the ingestion event contract from spec.md
// §6: HMAC-SHA256 signature verification in constant time, and decoding
// the event shape into the fields the pipeline needs. The HTTP surface
// itself is out of scope (spec.md §1) — this package is the testable
// contract underneath where one would be mounted.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// VerifySignature checks that signature (as delivered in the
// X-Hub-Signature-256-style header, "sha256=<hex>") is the HMAC-SHA256 of
// body under secret, using a constant-time comparison. When secret is
// empty, verification is skipped and requests are accepted unsigned —
// spec.md §6's explicit "development mode only" allowance.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}

	const prefix = "sha256="
	hexDigest := strings.TrimPrefix(signature, prefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexDigest), []byte(expected))
}

// Event is the subset of the workflow-run webhook payload the pipeline
// acts on, per spec.md §6.
type Event struct {
	Action  string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	WorkflowRun struct {
		ID         int64  `json:"id"`
		HeadSHA    string `json:"head_sha"`
		HeadBranch string `json:"head_branch"`
		Conclusion string `json:"conclusion"`
		Name       string `json:"name"`
	} `json:"workflow_run"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// Decode parses raw JSON into an Event.
func Decode(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("webhook: decode event: %w", err)
	}
	return &e, nil
}

// ShouldProcess reports whether e should start a pipeline run, per
// spec.md §6/§8 property 7: only action=="completed" and
// conclusion=="failure" events are acted on; everything else (including
// success, cancelled, skipped) is dropped with an "ignored"
// acknowledgment rather than an error.
func (e *Event) ShouldProcess() bool {
	return e.Action == "completed" && e.WorkflowRun.Conclusion == "failure"
}

// RunID renders the workflow run ID the same way the durable store's
// run_id column expects it: a string, since spec.md's unique key is
// (run_id, repo) and repo is already a string.
func (e *Event) RunID() string {
	return fmt.Sprintf("%d", e.WorkflowRun.ID)
}
