package snapshot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// LiveSource answers whether a run currently has an in-memory session
// and what state it is in. The session runtime implements it; a nil
// source simply leaves live_status blank.
type LiveSource interface {
	LiveRunStatus(projectID, runID string) (types.RunStatus, bool)
}

// Service computes read-only views over the projection index, falling
// back to the canonical files for anything the projection does not
// carry. It never writes workspace state; its only side effect is
// refreshing the index before reading.
type Service struct {
	ix     *index.Index
	live   LiveSource
	logger zerolog.Logger
	nowFn  func() time.Time
}

// NewService builds a snapshot service reading through ix. live may be
// nil when no session runtime is attached (offline inspection).
func NewService(ix *index.Index, live LiveSource) *Service {
	return &Service{
		ix:     ix,
		live:   live,
		logger: log.WithComponent("snapshot"),
		nowFn:  time.Now,
	}
}

// refresh brings the projection up to date before a read. A failed
// incremental sync falls back to a full rebuild so a corrupt or
// missing index never blocks the read path.
func (s *Service) refresh(ws *workspace.Workspace) (synced, rebuilt bool, err error) {
	if _, serr := s.ix.Sync(ws); serr == nil {
		return true, false, nil
	} else {
		s.logger.Warn().Err(serr).Str("workspace", ws.Root()).Msg("Index sync failed, rebuilding")
	}
	if _, rerr := s.ix.Rebuild(ws); rerr != nil {
		return false, false, fmt.Errorf("failed to refresh index: %w", rerr)
	}
	return false, true, nil
}

// parseTime reads the RFC3339 text timestamps the projection stores.
// Malformed or empty values report ok=false rather than erroring, so
// one bad row cannot sink a whole view.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
