package eventlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/agentbureau/bureau/pkg/types"
)

// MinSchemaVersion is the lowest envelope schema this code understands
const MinSchemaVersion = 1

// requiredKeys are the envelope keys every line must carry. causation_id
// is optional; prev_event_hash counts as present when explicitly null.
var requiredKeys = []string{
	"schema_version",
	"event_id",
	"ts_wallclock",
	"ts_monotonic_ms",
	"run_id",
	"session_ref",
	"correlation_id",
	"actor",
	"visibility",
	"type",
	"payload",
	"prev_event_hash",
	"event_hash",
}

// ComputeEventHash returns the SHA-256 of the canonical JSON of the
// envelope with event_hash absent. Canonical means key-sorted objects,
// which encoding/json produces when marshalling a map.
func ComputeEventHash(e *types.Event) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	return hashCanonical(raw)
}

// hashCanonical hashes one serialized envelope, dropping event_hash.
// Numbers go through json.Number so re-encoding cannot change their text.
func hashCanonical(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return "", fmt.Errorf("failed to decode event for hashing: %w", err)
	}
	delete(m, "event_hash")

	canonical, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// missingKeys returns the required envelope keys absent from a raw line
func missingKeys(raw []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return requiredKeys
	}

	var missing []string
	for _, k := range requiredKeys {
		if _, ok := m[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
