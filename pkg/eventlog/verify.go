package eventlog

import (
	"fmt"
	"strings"
)

// IssueCode classifies a verification failure
type IssueCode string

const (
	IssueMissingKey            IssueCode = "missing_key"
	IssueInvalidEventHash      IssueCode = "invalid_event_hash"
	IssuePrevHashChainMismatch IssueCode = "prev_hash_chain_mismatch"
	IssueNonmonotonicTs        IssueCode = "nonmonotonic_ts"
	IssueDuplicateEventID      IssueCode = "duplicate_event_id"
)

// Issue is one verification finding for one line
type Issue struct {
	Line    int       `json:"line"`
	Code    IssueCode `json:"code"`
	EventID string    `json:"event_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Verify checks parsed events for envelope completeness, hash integrity,
// chain continuity, timestamp monotonicity, and id uniqueness. Lines
// that failed to parse are skipped here; they are already surfaced as
// Record.Err by the reader.
func Verify(records []Record) []Issue {
	var issues []Issue

	seen := make(map[string]int)
	var prevHash *string
	var prevMono int64
	first := true

	for _, r := range records {
		if r.Err != nil || r.Event == nil {
			continue
		}
		e := r.Event

		if missing := missingKeys([]byte(r.Raw)); len(missing) > 0 {
			issues = append(issues, Issue{
				Line:    r.Line,
				Code:    IssueMissingKey,
				EventID: e.EventID,
				Detail:  strings.Join(missing, ","),
			})
		} else if e.SchemaVersion < MinSchemaVersion {
			issues = append(issues, Issue{
				Line:    r.Line,
				Code:    IssueMissingKey,
				EventID: e.EventID,
				Detail:  fmt.Sprintf("schema_version %d below minimum %d", e.SchemaVersion, MinSchemaVersion),
			})
		}

		want, err := hashCanonical([]byte(r.Raw))
		if err != nil || want != e.EventHash {
			issues = append(issues, Issue{
				Line:    r.Line,
				Code:    IssueInvalidEventHash,
				EventID: e.EventID,
			})
		}

		switch {
		case first:
			if e.PrevEventHash != nil {
				issues = append(issues, Issue{
					Line:    r.Line,
					Code:    IssuePrevHashChainMismatch,
					EventID: e.EventID,
					Detail:  "first event must have null prev_event_hash",
				})
			}
		case e.PrevEventHash == nil || prevHash == nil || *e.PrevEventHash != *prevHash:
			issues = append(issues, Issue{
				Line:    r.Line,
				Code:    IssuePrevHashChainMismatch,
				EventID: e.EventID,
			})
		}

		if !first && e.TsMonotonicMs <= prevMono {
			issues = append(issues, Issue{
				Line:    r.Line,
				Code:    IssueNonmonotonicTs,
				EventID: e.EventID,
				Detail:  fmt.Sprintf("%d after %d", e.TsMonotonicMs, prevMono),
			})
		}

		if e.EventID != "" {
			if firstLine, dup := seen[e.EventID]; dup {
				issues = append(issues, Issue{
					Line:    r.Line,
					Code:    IssueDuplicateEventID,
					EventID: e.EventID,
					Detail:  fmt.Sprintf("first seen on line %d", firstLine),
				})
			} else {
				seen[e.EventID] = r.Line
			}
		}

		hash := e.EventHash
		prevHash = &hash
		prevMono = e.TsMonotonicMs
		first = false
	}

	return issues
}

// VerifyFile reads and verifies one events file
func VerifyFile(path string) ([]Record, []Issue, error) {
	records, err := ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return records, Verify(records), nil
}
