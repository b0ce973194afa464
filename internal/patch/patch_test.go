package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofix/ci-healer/internal/model"
)

func writeWorkspaceFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestApply_ReplacesUniqueSpan(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "src/app.py", "def f():\n    return x.amount\n")

	p := model.Patch{
		FilePath:        "src/app.py",
		OriginalSpan:    "return x.amount",
		ReplacementSpan: "return x.amount if x else None",
	}
	require.NoError(t, Apply(dir, p))

	out, err := os.ReadFile(filepath.Join(dir, "src/app.py"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "if x else None")
}

func TestApply_MissingFile(t *testing.T) {
	dir := t.TempDir()
	p := model.Patch{FilePath: "missing.py", OriginalSpan: "a", ReplacementSpan: "b"}
	assert.ErrorIs(t, Apply(dir, p), ErrFileNotFound)
}

func TestApply_SpanNotFound(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "a.py", "print(1)\n")
	p := model.Patch{FilePath: "a.py", OriginalSpan: "nope", ReplacementSpan: "x"}
	assert.ErrorIs(t, Apply(dir, p), ErrSpanNotFound)
}

func TestApply_AmbiguousSpanRejected(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "a.py", "x = 1\nx = 1\n")
	p := model.Patch{FilePath: "a.py", OriginalSpan: "x = 1", ReplacementSpan: "x = 2"}
	assert.ErrorIs(t, Apply(dir, p), ErrAmbiguousPatch)
}

func TestApply_NoOpRejected(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "a.py", "x = 1\n")
	p := model.Patch{FilePath: "a.py", OriginalSpan: "x = 1", ReplacementSpan: "x = 1"}
	assert.ErrorIs(t, Apply(dir, p), ErrNoOp)
}

func TestApplyThenRevert_RestoresByteForByte(t *testing.T) {
	dir := t.TempDir()
	original := "def f():\n    return x.amount\n"
	writeWorkspaceFile(t, dir, "src/app.py", original)

	p := model.Patch{
		FilePath:        "src/app.py",
		OriginalSpan:    "return x.amount",
		ReplacementSpan: "return x.amount if x else None",
	}
	require.NoError(t, Apply(dir, p))
	require.NoError(t, Revert(dir, p))

	out, err := os.ReadFile(filepath.Join(dir, "src/app.py"))
	require.NoError(t, err)
	assert.Equal(t, original, string(out))
}

func TestRevert_NoOpWhenAlreadyReverted(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "a.py", "x = 1\n")
	p := model.Patch{FilePath: "a.py", OriginalSpan: "x = 1", ReplacementSpan: "x = 2"}
	assert.NoError(t, Revert(dir, p))
}
