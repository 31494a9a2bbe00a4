package eventlog

import (
	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
)

// ReplayMode selects how much scrutiny a replay applies
type ReplayMode string

const (
	// ReplayRaw returns parsed events and parse errors as-is
	ReplayRaw ReplayMode = "raw"
	// ReplayVerified additionally runs chain verification
	ReplayVerified ReplayMode = "verified"
	// ReplayDeterministic fails unless the file replays perfectly
	ReplayDeterministic ReplayMode = "deterministic"
	// ReplayLive is verified plus the current session status
	ReplayLive ReplayMode = "live"
)

// ReplayOptions configure a replay
type ReplayOptions struct {
	Mode ReplayMode

	// SessionStatus is attached to the result in live mode; the caller
	// looks it up from the session runtime.
	SessionStatus string
}

// ReplayResult is the outcome of replaying one events file.
// DeterministicOK is computed by the verifying modes: true when the
// file parsed fully and the chain held.
type ReplayResult struct {
	Events          []*types.Event `json:"events"`
	ParseErrors     []Record       `json:"-"`
	Issues          []Issue        `json:"issues,omitempty"`
	SessionStatus   string         `json:"session_status,omitempty"`
	DeterministicOK bool           `json:"deterministic_ok"`
}

// Replay reads an events file under the requested mode. A missing file
// is NotFound; deterministic mode converts any parse error or
// verification issue into a Validation error.
func Replay(path string, opts ReplayOptions) (*ReplayResult, error) {
	records, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{
		Events:      Events(records),
		ParseErrors: ParseErrors(records),
	}

	switch opts.Mode {
	case ReplayRaw, "":
		return res, nil
	case ReplayVerified:
		res.Issues = Verify(records)
		res.DeterministicOK = len(res.ParseErrors) == 0 && len(res.Issues) == 0
		return res, nil
	case ReplayDeterministic:
		res.Issues = Verify(records)
		if len(res.ParseErrors) > 0 {
			return nil, errdefs.Validationf("events file %s has %d unparseable lines", path, len(res.ParseErrors))
		}
		if len(res.Issues) > 0 {
			return nil, errdefs.Validationf("events file %s has %d verification issues", path, len(res.Issues))
		}
		res.DeterministicOK = true
		return res, nil
	case ReplayLive:
		res.Issues = Verify(records)
		res.DeterministicOK = len(res.ParseErrors) == 0 && len(res.Issues) == 0
		res.SessionStatus = opts.SessionStatus
		return res, nil
	default:
		return nil, errdefs.Validationf("unknown replay mode %q", opts.Mode)
	}
}
