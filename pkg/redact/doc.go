// Package redact detects and strips secret-shaped text from governed
// writes. It is the last gate before anything authored by an agent or a
// human is persisted where other actors can read it: memory-delta text
// and patches, approval notes, share-pack bundles, and the argv recorded
// in run.started events.
//
// # Contract
//
// Detection is a pure function over a fixed pattern table. Detect
// returns offset-ordered matches; overlapping matches collapse to the
// most specific pattern. The two call styles are:
//
//	// hard gate: refuse the write
//	if err := redact.AssertNoSensitiveText(in.Notes, "approval notes"); err != nil {
//		return err // *redact.SecretDetectedError, nothing persisted
//	}
//
//	// soft gate: sanitize a copy
//	payload["argv"] = redact.RedactArgs(cmd.Args)
//
// SecretDetectedError carries total_matches and matches_by_kind for the
// RPC error surface. Matched text itself is never included anywhere,
// not even in logs.
//
// # Patterns
//
// The table covers provider API keys (anthropic, openai, google),
// platform tokens (github, slack, aws), PEM private key headers, bearer
// authorization values, and generic key=value credential assignments.
// The generic pattern is deliberately conservative: a false positive
// costs a rejected write, a false negative leaks a secret.
package redact
