package sharepack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentbureau/bureau/pkg/redact"
	"github.com/agentbureau/bureau/pkg/types"
)

// packEvent is the sanitized event shape shipped in a pack. Hash-chain
// and session fields stay home: a pack is a filtered copy, not a
// verifiable log.
type packEvent struct {
	SchemaVersion int              `json:"schema_version"`
	EventID       string           `json:"event_id"`
	TsWallclock   string           `json:"ts_wallclock"`
	RunID         string           `json:"run_id"`
	Actor         string           `json:"actor"`
	Visibility    types.Visibility `json:"visibility"`
	Type          string           `json:"type"`
	Payload       map[string]any   `json:"payload,omitempty"`
}

// eventVisible is the envelope gate: it reads only the event envelope
// plus the owning run's team, independent of the artifact policy gate.
func eventVisible(ev *types.Event, runTeamID string, req Requester) bool {
	visibility := ev.Visibility
	if visibility == "" {
		visibility = types.VisibilityTeam
	}
	switch visibility {
	case types.VisibilityOrg:
		return true
	case types.VisibilityManagers:
		return types.RoleAtLeast(req.Role, types.RoleManager)
	case types.VisibilityTeam:
		if types.RoleAtLeast(req.Role, types.RoleManager) {
			return true
		}
		return runTeamID != "" && req.TeamID == runTeamID
	case types.VisibilityPrivateAgent:
		if req.Role == types.RoleHuman {
			return true
		}
		return trimActor(ev.Actor) == trimActor(req.ActorID)
	default:
		return false
	}
}

// sanitizeEventLine renders one pack line with a redacted payload and
// verifies nothing sensitive survived.
func sanitizeEventLine(ev *types.Event) (line []byte, changed bool, err error) {
	pe := packEvent{
		SchemaVersion: ev.SchemaVersion,
		EventID:       ev.EventID,
		TsWallclock:   ev.TsWallclock,
		RunID:         ev.RunID,
		Actor:         ev.Actor,
		Visibility:    ev.Visibility,
		Type:          ev.Type,
	}
	if len(ev.Payload) > 0 {
		clean, _ := redact.RedactJSONValue(ev.Payload).(map[string]any)
		pe.Payload = clean
		before, _ := json.Marshal(ev.Payload)
		after, _ := json.Marshal(clean)
		changed = !bytes.Equal(before, after)
	}

	line, err = json.Marshal(pe)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal pack event %s: %w", ev.EventID, err)
	}
	if err := redact.AssertNoSensitiveText(string(line), "share-pack event"); err != nil {
		return nil, false, err
	}
	return line, changed, nil
}

func trimActor(ref string) string {
	if _, id, ok := strings.Cut(ref, ":"); ok {
		return id
	}
	return ref
}
