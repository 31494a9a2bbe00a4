/*
Package sharepack exports a sanitized, shareable copy of one project:
its run records, a filtered view of their event logs, and the artifacts
the requester is allowed to see.

Two independent gates decide what ships. Events pass through the
envelope gate, which reads only the event's own visibility field (plus
the owning run's team for team scoping). Artifacts pass through the
policy gate, which evaluates the artifact frontmatter via
governance.Enforce with the share action. The gates are separate
contracts: the envelope gate never consults policy, and the policy
gate never reads event envelopes.

Everything that survives the gates is redacted before it is written.
Event payloads go through redact.RedactJSONValue, artifact text through
redact.RedactSensitiveText, and every produced line is then re-checked
with redact.AssertNoSensitiveText. A residual match aborts the whole
export. The pack is staged in a sibling directory and renamed into
place only on success, so consumers never observe a partial or
unsanitized bundle.

Pack layout:

	pack.yaml                    manifest: requester, counts, runs
	project.yaml                 project record
	runs/<run_id>/run.yaml       run record
	runs/<run_id>/events.jsonl   filtered, redacted event lines
	artifacts/<artifact_id>.md   allowed artifacts, redacted

Pack event lines are a reduced schema without hash-chain or session
fields; a filtered copy is not a verifiable chain.
*/
package sharepack
