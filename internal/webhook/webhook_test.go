package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_ValidMatches(t *testing.T) {
	body := []byte(`{"action":"completed"}`)
	sig := sign("s3cr3t", body)
	assert.True(t, VerifySignature("s3cr3t", body, sig))
}

func TestVerifySignature_WrongSecretFails(t *testing.T) {
	body := []byte(`{"action":"completed"}`)
	sig := sign("s3cr3t", body)
	assert.False(t, VerifySignature("other", body, sig))
}

func TestVerifySignature_TamperedBodyFails(t *testing.T) {
	sig := sign("s3cr3t", []byte(`{"action":"completed"}`))
	assert.False(t, VerifySignature("s3cr3t", []byte(`{"action":"tampered"}`), sig))
}

func TestVerifySignature_NoSecretAcceptsUnsigned(t *testing.T) {
	assert.True(t, VerifySignature("", []byte("anything"), ""))
}

func TestDecodeAndShouldProcess(t *testing.T) {
	raw := []byte(`{
		"action": "completed",
		"repository": {"full_name": "acme/x", "clone_url": "https://example.com/acme/x.git"},
		"workflow_run": {"id": 1001, "head_sha": "a1b2", "head_branch": "main", "conclusion": "failure", "name": "CI"}
	}`)
	e, err := Decode(raw)
	require.NoError(t, err)
	assert.True(t, e.ShouldProcess())
	assert.Equal(t, "1001", e.RunID())
}

func TestShouldProcess_IgnoresNonFailureConclusions(t *testing.T) {
	for _, conclusion := range []string{"success", "cancelled", "skipped"} {
		e := &Event{Action: "completed"}
		e.WorkflowRun.Conclusion = conclusion
		assert.False(t, e.ShouldProcess(), conclusion)
	}
}

func TestShouldProcess_IgnoresNonCompletedActions(t *testing.T) {
	e := &Event{Action: "requested"}
	e.WorkflowRun.Conclusion = "failure"
	assert.False(t, e.ShouldProcess())
}
