// Package patch implements the Patch Applicator (C3): exact-span textual
// patches applied to and reverted from files within a workspace.
package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/autofix/ci-healer/internal/model"
)

// ErrFileNotFound is returned when the patch's target file doesn't exist
// in the workspace.
var ErrFileNotFound = errors.New("patch: target file not found")

// ErrSpanNotFound is returned when original_span is not a substring of
// the current file contents.
var ErrSpanNotFound = errors.New("patch: span not found in file")

// ErrAmbiguousPatch is returned when original_span occurs more than once
// in the target file. Per the decision in DESIGN.md, Apply fails closed
// rather than silently picking the first occurrence.
var ErrAmbiguousPatch = errors.New("patch: span is not unique in file")

// ErrNoOp is returned when applying the patch would leave file contents
// unchanged (original_span equals replacement_span, or replacement is
// already present at that location).
var ErrNoOp = errors.New("patch: applying patch would not change file contents")

// Apply loads workspaceRoot/patch.FilePath, replaces the first occurrence
// of patch.OriginalSpan with patch.ReplacementSpan, and writes the result
// back. It fails if the file is absent, the span is absent, the span is
// not unique, or the replacement is a no-op.
func Apply(workspaceRoot string, p model.Patch) error {
	return replace(workspaceRoot, p.FilePath, p.OriginalSpan, p.ReplacementSpan)
}

// Revert performs the inverse of Apply: replacing ReplacementSpan with
// OriginalSpan. It is a no-op (returns nil) if ReplacementSpan is no
// longer present — the patch may already have been reverted.
func Revert(workspaceRoot string, p model.Patch) error {
	err := replace(workspaceRoot, p.FilePath, p.ReplacementSpan, p.OriginalSpan)
	if errors.Is(err, ErrSpanNotFound) {
		return nil
	}
	return err
}

func replace(workspaceRoot, relPath, from, to string) error {
	fullPath := filepath.Join(workspaceRoot, relPath)

	contents, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, relPath)
		}
		return fmt.Errorf("patch: read %s: %w", relPath, err)
	}
	original := string(contents)

	count := strings.Count(original, from)
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrSpanNotFound, relPath)
	}
	if count > 1 {
		return fmt.Errorf("%w: %s", ErrAmbiguousPatch, relPath)
	}

	updated := strings.Replace(original, from, to, 1)
	if updated == original {
		return fmt.Errorf("%w: %s", ErrNoOp, relPath)
	}

	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("patch: write %s: %w", relPath, err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("patch: rename %s: %w", relPath, err)
	}
	return nil
}
