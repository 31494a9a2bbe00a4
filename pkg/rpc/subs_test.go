package rpc

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

func appendEvent(t *testing.T, elog *eventlog.Log, ws *workspace.Workspace, runID, eventType string) *types.Event {
	t.Helper()
	e := &types.Event{RunID: runID, Type: eventType, Actor: "agent:dev-1"}
	_, err := elog.Append(ws.EventsPath("p1", runID), e)
	require.NoError(t, err)
	return e
}

func TestEventsSubscribeBackfill(t *testing.T) {
	deps := testDeps(t)
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	seeded := []string{types.EventRunStarted, types.EventRunExecuting, types.EventRunEnded}
	for _, et := range seeded {
		appendEvent(t, deps.Log, ws, "r1", et)
	}

	var res eventsSubscribeResult
	c.mustCall("events.subscribe", map[string]any{
		"workspace_dir":  ws.Root(),
		"project_id":     "p1",
		"backfill_limit": 10,
	}, &res)
	assert.True(t, strings.HasPrefix(res.SubscriptionID, "sub-"))
	assert.Equal(t, 3, res.Backfilled)

	for _, want := range seeded {
		n, ok := c.notification(wireTimeout)
		require.True(t, ok, "missing backfill notification for %s", want)
		assert.Equal(t, res.SubscriptionID, n.SubscriptionID)
		assert.Equal(t, "p1", n.ProjectID)
		require.NotNil(t, n.Event)
		assert.Equal(t, want, n.Event.Type)
		assert.Equal(t, "r1", n.Event.RunID)
	}
}

func TestEventsSubscribeBackfillLimitKeepsOldest(t *testing.T) {
	deps := testDeps(t)
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunStarted)
	appendEvent(t, deps.Log, ws, "r1", types.EventRunExecuting)
	appendEvent(t, deps.Log, ws, "r1", types.EventRunEnded)

	var res eventsSubscribeResult
	c.mustCall("events.subscribe", map[string]any{
		"workspace_dir":  ws.Root(),
		"project_id":     "p1",
		"backfill_limit": 2,
	}, &res)
	assert.Equal(t, 2, res.Backfilled)

	n, ok := c.notification(wireTimeout)
	require.True(t, ok)
	assert.Equal(t, types.EventRunStarted, n.Event.Type)
	n, ok = c.notification(wireTimeout)
	require.True(t, ok)
	assert.Equal(t, types.EventRunExecuting, n.Event.Type)
}

func TestEventsLiveFanout(t *testing.T) {
	deps := testDeps(t)
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	var res eventsSubscribeResult
	c.mustCall("events.subscribe", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
	}, &res)
	assert.Zero(t, res.Backfilled)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunStarted)
	n, ok := c.notification(wireTimeout)
	require.True(t, ok)
	assert.Equal(t, types.EventRunStarted, n.Event.Type)
	assert.NotEmpty(t, n.Event.EventID)
	assert.NotEmpty(t, n.Event.EventHash, "live notifications carry the chained event verbatim")

	appendEvent(t, deps.Log, ws, "r1", types.EventRunEnded)
	n2, ok := c.notification(wireTimeout)
	require.True(t, ok)
	assert.Equal(t, types.EventRunEnded, n2.Event.Type)
	assert.NotEqual(t, n.Event.EventID, n2.Event.EventID)

	_, ok = c.notification(200 * time.Millisecond)
	assert.False(t, ok, "no further events were appended")
}

func TestEventsSubscribeFiltersByRun(t *testing.T) {
	deps := testDeps(t)
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	c.mustCall("events.subscribe", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r2",
	}, nil)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunStarted)
	appendEvent(t, deps.Log, ws, "r2", types.EventRunStarted)

	n, ok := c.notification(wireTimeout)
	require.True(t, ok)
	assert.Equal(t, "r2", n.Event.RunID)
	_, ok = c.notification(200 * time.Millisecond)
	assert.False(t, ok, "r1 events must not pass the filter")
}

func TestEventsSubscribeFiltersByType(t *testing.T) {
	deps := testDeps(t)
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	c.mustCall("events.subscribe", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"event_types":   []string{types.EventRunEnded},
	}, nil)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunStarted)
	appendEvent(t, deps.Log, ws, "r1", types.EventRunEnded)

	n, ok := c.notification(wireTimeout)
	require.True(t, ok)
	assert.Equal(t, types.EventRunEnded, n.Event.Type)
	_, ok = c.notification(200 * time.Millisecond)
	assert.False(t, ok)
}

func TestEventsAckTracksDelivery(t *testing.T) {
	deps := testDeps(t)
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunStarted)
	appendEvent(t, deps.Log, ws, "r1", types.EventRunExecuting)

	var sub eventsSubscribeResult
	c.mustCall("events.subscribe", map[string]any{
		"workspace_dir":  ws.Root(),
		"project_id":     "p1",
		"backfill_limit": 10,
	}, &sub)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunEnded)

	var last *types.Event
	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		n, ok := c.notification(wireTimeout)
		require.True(t, ok)
		require.False(t, ids[n.Event.EventID], "event %s delivered twice", n.Event.EventID)
		ids[n.Event.EventID] = true
		last = n.Event
	}
	assert.Equal(t, types.EventRunEnded, last.Type)

	var acked eventsAckResult
	c.mustCall("events.ack", map[string]any{
		"subscription_id": sub.SubscriptionID,
		"event_id":        last.EventID,
	}, &acked)
	assert.Equal(t, sub.SubscriptionID, acked.SubscriptionID)
	assert.Equal(t, last.EventID, acked.AckedEventID)
	assert.Equal(t, int64(3), acked.Delivered)
	assert.Zero(t, acked.DroppedCount)
}

func TestEventsAckUnknownSubscription(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))

	e := c.callErr("events.ack", map[string]any{"subscription_id": "sub-nope"})
	assert.Equal(t, codeApplication, e.Code)
}

func TestEventsUnsubscribe(t *testing.T) {
	deps := testDeps(t)
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	var sub eventsSubscribeResult
	c.mustCall("events.subscribe", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
	}, &sub)

	var gone eventsUnsubscribeResult
	c.mustCall("events.unsubscribe", map[string]any{"subscription_id": sub.SubscriptionID}, &gone)
	assert.Equal(t, sub.SubscriptionID, gone.SubscriptionID)

	e := c.callErr("events.unsubscribe", map[string]any{"subscription_id": sub.SubscriptionID})
	assert.Equal(t, codeApplication, e.Code)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunStarted)
	_, ok := c.notification(200 * time.Millisecond)
	assert.False(t, ok, "a dead subscription must not forward")
}

func TestEventsSubscribeExplicitIDConflict(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)
	params := map[string]any{
		"workspace_dir":   ws.Root(),
		"project_id":      "p1",
		"subscription_id": "sub-fixed",
	}

	c.mustCall("events.subscribe", params, nil)
	e := c.callErr("events.subscribe", params)
	assert.Equal(t, codeApplication, e.Code)
	assert.Contains(t, e.Message, "already exists")
}

func TestEventsReplay(t *testing.T) {
	deps := testDeps(t)
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunStarted)
	appendEvent(t, deps.Log, ws, "r1", types.EventRunEnded)

	var res eventsReplayResult
	c.mustCall("events.replay", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
	}, &res)
	require.Len(t, res.Events, 2)
	assert.Equal(t, types.EventRunStarted, res.Events[0].Type)
	assert.Zero(t, res.ParseErrorCount)
	assert.Empty(t, res.Issues)

	var det eventsReplayResult
	c.mustCall("events.replay", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"mode":          "deterministic",
	}, &det)
	assert.True(t, det.DeterministicOK)
}

func TestEventsReplayVerifiedFlagsTampering(t *testing.T) {
	deps := testDeps(t)
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunStarted)
	appendEvent(t, deps.Log, ws, "r1", types.EventRunEnded)

	path := ws.EventsPath("p1", "r1")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), types.EventRunStarted, "run.forged", 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	var res eventsReplayResult
	c.mustCall("events.replay", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"mode":          "verified",
	}, &res)
	assert.NotEmpty(t, res.Issues, "hash chain must flag the edited line")
	assert.False(t, res.DeterministicOK)
}
