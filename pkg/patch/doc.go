// Package patch generates and applies single-file unified diffs.
//
// Memory-delta proposals store their change as a .patch artifact next to
// the proposal document. The proposal path generates the diff from the
// current target content; the approval path re-applies it later, when
// the target may have drifted. Application is strict: every hunk must
// match its context exactly, and a mismatch surfaces as a Conflict so
// the approver sees that the proposal is stale instead of silently
// merging into the wrong place.
package patch
