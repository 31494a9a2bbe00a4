package rpc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// subFilter is a subscription's event selection. Zero fields match
// everything.
type subFilter struct {
	Root      string
	ProjectID string
	RunID     string
	Types     map[string]struct{}
}

func (f *subFilter) matches(path, projectID string, ev *types.Event) bool {
	if f.Root != "" && !strings.HasPrefix(path, f.Root+string(filepath.Separator)) {
		return false
	}
	if f.ProjectID != "" && projectID != f.ProjectID {
		return false
	}
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if len(f.Types) > 0 {
		if _, ok := f.Types[ev.Type]; !ok {
			return false
		}
	}
	return true
}

// subscription is one live filter over the event bus. seen holds the
// ids emitted during backfill so the overlap with live fanout goes out
// exactly once.
type subscription struct {
	id     string
	filter subFilter
	busSub *eventlog.Subscription
	done   chan struct{}

	mu           sync.Mutex
	seen         map[string]struct{}
	ackedEventID string
	delivered    int64
}

func (sub *subscription) remember(eventID string) {
	sub.mu.Lock()
	sub.seen[eventID] = struct{}{}
	sub.mu.Unlock()
}

// alreadySeen reports and clears the backfill marker for one event id.
func (sub *subscription) alreadySeen(eventID string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if _, ok := sub.seen[eventID]; ok {
		delete(sub.seen, eventID)
		return true
	}
	return false
}

func (sub *subscription) markDelivered() {
	sub.mu.Lock()
	sub.delivered++
	sub.mu.Unlock()
}

// eventNotification is the params object of events.notification lines.
type eventNotification struct {
	SubscriptionID string       `json:"subscription_id"`
	ProjectID      string       `json:"project_id,omitempty"`
	Event          *types.Event `json:"event"`
}

func (c *conn) addSub(sub *subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub.id]; ok {
		return errdefs.Conflictf("subscription %s already exists", sub.id)
	}
	c.subs[sub.id] = sub
	return nil
}

func (c *conn) getSub(id string) (*subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	return sub, ok
}

func (c *conn) removeSub(id string) (*subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	return sub, ok
}

// closeSubs tears down every subscription and waits for the pumps to
// exit so nothing sends after the writer queue closes.
func (c *conn) closeSubs(bus *eventlog.Bus) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.busSub != nil && bus != nil {
			bus.Unsubscribe(sub.busSub)
		}
		<-sub.done
	}
}

// pump forwards matching bus events until the bus tap closes or the
// connection dies.
func (c *conn) pump(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case be, ok := <-sub.busSub.C():
			if !ok {
				return
			}
			c.forward(sub, be)
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) forward(sub *subscription, be eventlog.BusEvent) {
	projectID := projectFromEventsPath(be.Path)
	if !sub.filter.matches(be.Path, projectID, be.Event) {
		return
	}
	if sub.alreadySeen(be.Event.EventID) {
		return
	}
	sub.markDelivered()
	c.send(serverNotification{
		JSONRPC: protocolVersion,
		Method:  "events.notification",
		Params:  eventNotification{SubscriptionID: sub.id, ProjectID: projectID, Event: be.Event},
	})
}

// projectFromEventsPath extracts the project id from an events file
// path (.../work/projects/<pid>/runs/<rid>/events.jsonl).
func projectFromEventsPath(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "projects" {
			return parts[i+1]
		}
	}
	return ""
}

// rowEvent rebuilds a wire event from its projection. Hash chain
// fields are not projected and stay empty; clients that need them
// replay the canonical file.
func rowEvent(row *index.EventRow) *types.Event {
	ev := &types.Event{
		SchemaVersion: eventlog.MinSchemaVersion,
		EventID:       row.EventID,
		TsWallclock:   row.TsWallclock,
		TsMonotonicMs: row.TsMonotonicMs,
		RunID:         row.RunID,
		CorrelationID: row.CorrelationID,
		CausationID:   row.CausationID,
		Actor:         row.Actor,
		Visibility:    types.Visibility(row.Visibility),
		Type:          row.Type,
	}
	if row.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(row.Payload), &payload); err == nil {
			ev.Payload = payload
		}
	}
	return ev
}

type eventsSubscribeParams struct {
	SubscriptionID string   `json:"subscription_id,omitempty"`
	WorkspaceDir   string   `json:"workspace_dir,omitempty"`
	ProjectID      string   `json:"project_id,omitempty"`
	RunID          string   `json:"run_id,omitempty"`
	EventTypes     []string `json:"event_types,omitempty"`
	BackfillLimit  int      `json:"backfill_limit,omitempty" validate:"min=0"`
}

type eventsSubscribeResult struct {
	SubscriptionID string `json:"subscription_id"`
	Backfilled     int    `json:"backfilled,omitempty"`
}

func (s *Server) eventsSubscribe(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var p eventsSubscribeParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}

	id := p.SubscriptionID
	if id == "" {
		id = "sub-" + uuid.NewString()
	}
	sub := &subscription{
		id:     id,
		filter: subFilter{ProjectID: p.ProjectID, RunID: p.RunID},
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
	if len(p.EventTypes) > 0 {
		sub.filter.Types = make(map[string]struct{}, len(p.EventTypes))
		for _, t := range p.EventTypes {
			sub.filter.Types[t] = struct{}{}
		}
	}

	var ws *workspace.Workspace
	if p.WorkspaceDir != "" {
		var err error
		ws, err = s.openWorkspace(p.WorkspaceDir)
		if err != nil {
			return nil, err
		}
		sub.filter.Root = ws.Root()
	}

	// Tap the bus before backfilling: events appended while the
	// backfill runs buffer in the tap, and the overlap dedupes by
	// event id.
	if s.deps.Bus != nil {
		sub.busSub = s.deps.Bus.Subscribe(0)
	}
	if err := c.addSub(sub); err != nil {
		if sub.busSub != nil {
			s.deps.Bus.Unsubscribe(sub.busSub)
		}
		return nil, err
	}

	backfilled := 0
	if ws != nil && p.BackfillLimit > 0 && s.deps.Index != nil {
		n, err := s.backfill(c, sub, ws, p.BackfillLimit)
		if err != nil {
			c.removeSub(id)
			if sub.busSub != nil {
				s.deps.Bus.Unsubscribe(sub.busSub)
			}
			close(sub.done)
			return nil, err
		}
		backfilled = n
	}

	if sub.busSub != nil {
		go c.pump(ctx, sub)
	} else {
		close(sub.done)
	}
	return eventsSubscribeResult{SubscriptionID: id, Backfilled: backfilled}, nil
}

// backfill syncs the index and replays up to limit indexed events
// matching the filter, oldest first.
func (s *Server) backfill(c *conn, sub *subscription, ws *workspace.Workspace, limit int) (int, error) {
	if _, err := s.deps.Index.Sync(ws); err != nil {
		return 0, err
	}
	q := index.EventQuery{
		ProjectID: sub.filter.ProjectID,
		RunID:     sub.filter.RunID,
		Order:     "asc",
	}
	// A type filter trims rows after the query, so the limit cannot be
	// pushed down.
	if len(sub.filter.Types) == 0 {
		q.Limit = limit
	}
	rows, err := s.deps.Index.ListEvents(ws, q)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range rows {
		if sent >= limit {
			break
		}
		row := &rows[i]
		if len(sub.filter.Types) > 0 {
			if _, ok := sub.filter.Types[row.Type]; !ok {
				continue
			}
		}
		ev := rowEvent(row)
		sub.remember(ev.EventID)
		sub.markDelivered()
		c.send(serverNotification{
			JSONRPC: protocolVersion,
			Method:  "events.notification",
			Params:  eventNotification{SubscriptionID: sub.id, ProjectID: row.ProjectID, Event: ev},
		})
		sent++
	}
	return sent, nil
}

type eventsAckParams struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	EventID        string `json:"event_id,omitempty"`
}

type eventsAckResult struct {
	SubscriptionID string `json:"subscription_id"`
	AckedEventID   string `json:"acked_event_id,omitempty"`
	Delivered      int64  `json:"delivered"`
	DroppedCount   int64  `json:"dropped_count"`
}

func (s *Server) eventsAck(_ context.Context, c *conn, params json.RawMessage) (any, error) {
	var p eventsAckParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	sub, ok := c.getSub(p.SubscriptionID)
	if !ok {
		return nil, errdefs.NotFoundf("subscription %s", p.SubscriptionID)
	}

	sub.mu.Lock()
	if p.EventID != "" {
		sub.ackedEventID = p.EventID
	}
	res := eventsAckResult{
		SubscriptionID: sub.id,
		AckedEventID:   sub.ackedEventID,
		Delivered:      sub.delivered,
	}
	sub.mu.Unlock()

	if sub.busSub != nil {
		res.DroppedCount = sub.busSub.Dropped()
	}
	return res, nil
}

type eventsUnsubscribeParams struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

type eventsUnsubscribeResult struct {
	SubscriptionID string `json:"subscription_id"`
	DroppedCount   int64  `json:"dropped_count"`
}

func (s *Server) eventsUnsubscribe(_ context.Context, c *conn, params json.RawMessage) (any, error) {
	var p eventsUnsubscribeParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	sub, ok := c.removeSub(p.SubscriptionID)
	if !ok {
		return nil, errdefs.NotFoundf("subscription %s", p.SubscriptionID)
	}

	var dropped int64
	if sub.busSub != nil {
		dropped = sub.busSub.Dropped()
		s.deps.Bus.Unsubscribe(sub.busSub)
	}
	<-sub.done
	return eventsUnsubscribeResult{SubscriptionID: sub.id, DroppedCount: dropped}, nil
}

type eventsReplayParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id" validate:"required"`
	RunID        string `json:"run_id" validate:"required"`
	Mode         string `json:"mode,omitempty" validate:"omitempty,oneof=raw verified deterministic live"`
}

type eventsReplayResult struct {
	Events          []*types.Event   `json:"events"`
	Issues          []eventlog.Issue `json:"issues,omitempty"`
	SessionStatus   string           `json:"session_status,omitempty"`
	ParseErrorCount int              `json:"parse_error_count"`
	DeterministicOK bool             `json:"deterministic_ok"`
}

func (s *Server) eventsReplay(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p eventsReplayParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}

	mode := eventlog.ReplayMode(p.Mode)
	if mode == "" {
		mode = eventlog.ReplayRaw
	}
	opts := eventlog.ReplayOptions{Mode: mode}
	if mode == eventlog.ReplayLive && s.deps.Runtime != nil {
		if status, ok := s.deps.Runtime.LiveRunStatus(p.ProjectID, p.RunID); ok {
			opts.SessionStatus = string(status)
		}
	}

	res, err := eventlog.Replay(ws.EventsPath(p.ProjectID, p.RunID), opts)
	if err != nil {
		return nil, err
	}
	out := eventsReplayResult{
		Events:          res.Events,
		Issues:          res.Issues,
		SessionStatus:   res.SessionStatus,
		ParseErrorCount: len(res.ParseErrors),
		DeterministicOK: res.DeterministicOK,
	}
	if out.Events == nil {
		out.Events = []*types.Event{}
	}
	return out, nil
}
