package snapshot

import (
	"sort"
	"strings"
	"time"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Colleague status values, strongest first.
const (
	ColleagueActive      = "active"
	ColleagueNeedsReview = "needs_review"
	ColleagueIdle        = "idle"
)

// Colleague is one agent's presence row. Agents in the registry appear
// even with no activity; an agent referenced by runs but missing from
// the registry still gets a row under its bare id.
type Colleague struct {
	AgentID        string `json:"agent_id"`
	Name           string `json:"name"`
	Role           string `json:"role,omitempty"`
	TeamID         string `json:"team_id,omitempty"`
	Status         string `json:"status"`
	ActiveRuns     int    `json:"active_runs"`
	RunsTotal      int    `json:"runs_total"`
	PendingReviews int    `json:"pending_reviews"`
	LastSeen       string `json:"last_seen,omitempty"`
}

// ColleaguesSnapshot lists agents busiest first.
type ColleaguesSnapshot struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Colleagues  []Colleague `json:"colleagues"`
}

// Colleagues derives per-agent presence from the run monitor and the
// review inbox: who is running work, who has items waiting on review,
// and when each agent last left a trace in an event log.
func (s *Service) Colleagues(ws *workspace.Workspace) (*ColleaguesSnapshot, error) {
	if _, _, err := s.refresh(ws); err != nil {
		return nil, err
	}
	monitor, err := s.buildMonitor(ws, MonitorOptions{})
	if err != nil {
		return nil, err
	}
	inbox, err := s.buildInbox(ws, InboxOptions{})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Colleague)
	agentIDs, err := ws.ListAgentIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range agentIDs {
		agent, err := ws.LoadAgent(id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		byID[id] = &Colleague{
			AgentID: id,
			Name:    agent.Name,
			Role:    string(agent.Role),
			TeamID:  agent.TeamID,
		}
	}
	colleague := func(id string) *Colleague {
		c, ok := byID[id]
		if !ok {
			c = &Colleague{AgentID: id, Name: id}
			byID[id] = c
		}
		return c
	}

	for _, row := range monitor.Rows {
		c := colleague(row.AgentID)
		c.RunsTotal++
		if row.RunStatus == string(types.RunStatusRunning) {
			c.ActiveRuns++
		}
		seen := row.CreatedAt
		if row.LastEvent != nil && row.LastEvent.TsWallclock != "" {
			seen = row.LastEvent.TsWallclock
		}
		if t, ok := parseTime(seen); ok {
			if cur, curOK := parseTime(c.LastSeen); !curOK || t.After(cur) {
				c.LastSeen = seen
			}
		}
	}
	for _, p := range inbox.Pending {
		if id := trimActorPrefix(p.ProducedBy); id != "" {
			colleague(id).PendingReviews++
		}
	}

	snap := &ColleaguesSnapshot{GeneratedAt: s.nowFn().UTC(), Colleagues: make([]Colleague, 0, len(byID))}
	for _, c := range byID {
		switch {
		case c.ActiveRuns > 0:
			c.Status = ColleagueActive
		case c.PendingReviews > 0:
			c.Status = ColleagueNeedsReview
		default:
			c.Status = ColleagueIdle
		}
		snap.Colleagues = append(snap.Colleagues, *c)
	}
	sort.Slice(snap.Colleagues, func(i, j int) bool {
		a, b := snap.Colleagues[i], snap.Colleagues[j]
		if a.ActiveRuns != b.ActiveRuns {
			return a.ActiveRuns > b.ActiveRuns
		}
		if a.PendingReviews != b.PendingReviews {
			return a.PendingReviews > b.PendingReviews
		}
		at, aok := parseTime(a.LastSeen)
		bt, bok := parseTime(b.LastSeen)
		if aok != bok {
			return aok
		}
		if aok && !at.Equal(bt) {
			return at.After(bt)
		}
		ar, br := types.RoleRank(types.Role(a.Role)), types.RoleRank(types.Role(b.Role))
		if ar != br {
			return ar > br
		}
		return a.Name < b.Name
	})
	return snap, nil
}

// trimActorPrefix strips the "agent:" / "human:" scheme from an actor
// reference, returning the bare id.
func trimActorPrefix(actor string) string {
	if _, id, ok := strings.Cut(actor, ":"); ok {
		return id
	}
	return actor
}
