package patch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/agentbureau/bureau/pkg/errdefs"
)

// Unified produces a git-style unified diff turning before into after.
// rel is the workspace-relative path; it appears as a/<rel> and b/<rel>
// in the headers. Identical inputs produce an empty string.
func Unified(rel, before, after string) string {
	if before == after {
		return ""
	}
	edits := myers.ComputeEdits(span.URIFromPath(rel), before, after)
	body := fmt.Sprint(gotextdiff.ToUnified("a/"+rel, "b/"+rel, before, edits))
	return fmt.Sprintf("diff --git a/%s b/%s\n%s", rel, rel, body)
}

// Apply applies a single-file unified diff to original and returns the
// patched content. Hunks are matched strictly, so a patch generated
// against a file that has since drifted is a Conflict, not a fuzzy
// best-effort merge.
func Apply(original, patchText string) (string, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(patchText))
	if err != nil {
		return "", errdefs.Validationf("invalid patch: %v", err)
	}
	if len(files) != 1 {
		return "", errdefs.Validationf("expected a single-file patch, got %d files", len(files))
	}
	var out bytes.Buffer
	if err := gitdiff.Apply(&out, strings.NewReader(original), files[0]); err != nil {
		return "", errdefs.Conflictf("patch does not apply: %v", err)
	}
	return out.String(), nil
}

// Verify checks that patchText transforms before into exactly after
func Verify(before, patchText, after string) error {
	got, err := Apply(before, patchText)
	if err != nil {
		return err
	}
	if got != after {
		return errdefs.Validationf("patch verification failed: patched content differs from expected")
	}
	return nil
}
