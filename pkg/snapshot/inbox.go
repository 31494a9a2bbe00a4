package snapshot

import (
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// InboxOptions tunes the review inbox. DecisionLimit <= 0 keeps the
// default of 20 recent decisions.
type InboxOptions struct {
	DecisionLimit int
}

// ParseErrorSummary warns reviewers when the runs behind their queue
// have corrupt event log lines, since a decision made over a partial
// log deserves a second look.
type ParseErrorSummary struct {
	HasParseErrors      bool  `json:"has_parse_errors"`
	PendingWithErrors   int   `json:"pending_with_errors"`
	DecisionsWithErrors int   `json:"decisions_with_errors"`
	MaxParseErrorCount  int64 `json:"max_parse_error_count"`
}

// Inbox is the review inbox view: open approval items oldest first,
// recent decisions newest first, and the parse error rollup.
type Inbox struct {
	Pending         []index.PendingApprovalRow `json:"pending"`
	RecentDecisions []index.ReviewDecisionRow  `json:"recent_decisions"`
	ParseErrors     ParseErrorSummary          `json:"parse_errors"`
	IndexSynced     bool                       `json:"index_synced,omitempty"`
	IndexRebuilt    bool                       `json:"index_rebuilt,omitempty"`
}

// ReviewInbox builds the approval queue for a human reviewer.
func (s *Service) ReviewInbox(ws *workspace.Workspace, opts InboxOptions) (*Inbox, error) {
	synced, rebuilt, err := s.refresh(ws)
	if err != nil {
		return nil, err
	}
	inbox, err := s.buildInbox(ws, opts)
	if err != nil {
		return nil, err
	}
	inbox.IndexSynced = synced
	inbox.IndexRebuilt = rebuilt
	return inbox, nil
}

func (s *Service) buildInbox(ws *workspace.Workspace, opts InboxOptions) (*Inbox, error) {
	limit := opts.DecisionLimit
	if limit <= 0 {
		limit = 20
	}
	pending, err := s.ix.ListPendingApprovals(ws)
	if err != nil {
		return nil, err
	}
	decisions, err := s.ix.ListRecentDecisions(ws, limit)
	if err != nil {
		return nil, err
	}
	parseCounts, err := s.ix.ParseErrorCounts(ws, "")
	if err != nil {
		return nil, err
	}

	inbox := &Inbox{
		Pending:         pending,
		RecentDecisions: decisions,
	}
	if inbox.Pending == nil {
		inbox.Pending = []index.PendingApprovalRow{}
	}
	if inbox.RecentDecisions == nil {
		inbox.RecentDecisions = []index.ReviewDecisionRow{}
	}
	for _, n := range parseCounts {
		inbox.ParseErrors.HasParseErrors = true
		if n > inbox.ParseErrors.MaxParseErrorCount {
			inbox.ParseErrors.MaxParseErrorCount = n
		}
	}
	for _, p := range inbox.Pending {
		if p.RunID != "" && parseCounts[p.RunID] > 0 {
			inbox.ParseErrors.PendingWithErrors++
		}
	}
	for _, d := range inbox.RecentDecisions {
		if d.RunID != "" && parseCounts[d.RunID] > 0 {
			inbox.ParseErrors.DecisionsWithErrors++
		}
	}
	return inbox, nil
}
