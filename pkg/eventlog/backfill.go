package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// BackfillMigrationID names the envelope backfill in the migration ledger
const BackfillMigrationID = "event-envelope-backfill-v1"

// BackfillReport summarizes one backfill pass
type BackfillReport struct {
	AlreadyApplied bool     `json:"already_applied"`
	FilesScanned   int      `json:"files_scanned"`
	FilesMigrated  int      `json:"files_migrated"`
	LinesAssigned  int      `json:"lines_assigned"`
	SkippedFiles   []string `json:"skipped_files,omitempty"`
}

// BackfillEnvelopes upgrades pre-envelope event lines in every run of
// the workspace: missing identity fields are assigned and the hash chain
// is recomputed. The pass is recorded in the migration ledger and is a
// no-op on a second call unless force is set. Files containing lines
// that are not JSON objects are left untouched and reported.
func BackfillEnvelopes(ws *workspace.Workspace, force bool) (*BackfillReport, error) {
	applied, err := ws.MigrationApplied(BackfillMigrationID)
	if err != nil {
		return nil, err
	}
	if applied && !force {
		return &BackfillReport{AlreadyApplied: true}, nil
	}

	report := &BackfillReport{}

	projects, err := ws.ListProjectIDs()
	if err != nil {
		return nil, err
	}
	for _, pid := range projects {
		runs, err := ws.ListRunIDs(pid)
		if err != nil {
			return nil, err
		}
		for _, rid := range runs {
			path := ws.EventsPath(pid, rid)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				continue
			}
			report.FilesScanned++

			migrated, assigned, err := backfillFile(path, rid)
			if err != nil {
				rel, relErr := ws.Rel(path)
				if relErr != nil {
					rel = path
				}
				report.SkippedFiles = append(report.SkippedFiles, rel)
				log.Logger.Warn().Err(err).Str("path", rel).Msg("Skipping events file during backfill")
				continue
			}
			if migrated {
				report.FilesMigrated++
				report.LinesAssigned += assigned
			}
		}
	}

	details := fmt.Sprintf("%d files migrated, %d lines assigned", report.FilesMigrated, report.LinesAssigned)
	if err := ws.RecordMigration(BackfillMigrationID, details); err != nil {
		return nil, err
	}
	return report, nil
}

// backfillFile rewrites one events file if needed. Returns whether it
// was rewritten and how many lines had fields assigned.
func backfillFile(path, runID string) (bool, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read events file: %w", err)
	}

	// Already fully enveloped and chain-intact: nothing to do.
	records := parseLines(data)
	if len(ParseErrors(records)) == 0 && len(Verify(records)) == 0 && allHaveIDs(records) {
		return false, 0, nil
	}

	lines := splitCompleteLines(data)
	maps := make([]map[string]any, 0, len(lines))
	for i, line := range lines {
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return false, 0, fmt.Errorf("line %d is not a json object: %w", i+1, err)
		}
		maps = append(maps, m)
	}

	assigned := 0
	var lastMono int64
	var prevHash *string
	var out bytes.Buffer

	for _, m := range maps {
		changed := fillEnvelopeDefaults(m, runID)

		mono := numberToInt64(m["ts_monotonic_ms"])
		if mono <= lastMono {
			mono = lastMono + 1
			changed = true
		}
		m["ts_monotonic_ms"] = json.Number(fmt.Sprintf("%d", mono))
		lastMono = mono

		if prevHash == nil {
			m["prev_event_hash"] = nil
		} else {
			m["prev_event_hash"] = *prevHash
		}

		delete(m, "event_hash")
		canonical, err := json.Marshal(m)
		if err != nil {
			return false, 0, fmt.Errorf("failed to canonicalize line: %w", err)
		}
		hash, err := hashCanonical(canonical)
		if err != nil {
			return false, 0, err
		}
		m["event_hash"] = hash
		prevHash = &hash

		line, err := json.Marshal(m)
		if err != nil {
			return false, 0, fmt.Errorf("failed to marshal line: %w", err)
		}
		out.Write(line)
		out.WriteByte('\n')

		if changed {
			assigned++
		}
	}

	if err := workspace.WriteFileAtomic(path, out.Bytes(), 0644); err != nil {
		return false, 0, err
	}
	return true, assigned, nil
}

// fillEnvelopeDefaults adds the identity fields a pre-envelope line
// lacks. Reports whether anything was added.
func fillEnvelopeDefaults(m map[string]any, runID string) bool {
	changed := false
	setIfMissing := func(key string, value any) {
		if _, ok := m[key]; !ok {
			m[key] = value
			changed = true
		}
	}

	setIfMissing("schema_version", json.Number("1"))
	setIfMissing("event_id", uuid.NewString())
	setIfMissing("ts_wallclock", time.Now().UTC().Format(time.RFC3339Nano))
	setIfMissing("ts_monotonic_ms", json.Number("0"))
	setIfMissing("run_id", runID)
	setIfMissing("session_ref", types.SessionRefControlPlane)
	setIfMissing("actor", "system")
	setIfMissing("visibility", string(types.VisibilityTeam))
	setIfMissing("type", "legacy.unknown")
	setIfMissing("payload", map[string]any{})
	if _, ok := m["correlation_id"]; !ok {
		if rid, ok := m["run_id"].(string); ok && rid != "" {
			m["correlation_id"] = rid
		} else {
			m["correlation_id"] = m["event_id"]
		}
		changed = true
	}
	return changed
}

func numberToInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
	case float64:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func allHaveIDs(records []Record) bool {
	for _, r := range records {
		if r.Event == nil || r.Event.EventID == "" || r.Event.EventHash == "" {
			return false
		}
	}
	return true
}

// splitCompleteLines returns every newline-terminated, non-blank line
func splitCompleteLines(data []byte) [][]byte {
	var lines [][]byte
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := data[:nl]
		data = data[nl+1:]
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}
