package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/types"
)

func TestRunMonitorRows(t *testing.T) {
	s, ws := testService(t)
	now := time.Now().UTC()
	addRun(t, ws, "p1", "run-001", "dev-1", types.RunStatusEnded, now.Add(-time.Hour), nil)
	addRun(t, ws, "p1", "run-002", "dev-2", types.RunStatusRunning, now, nil)
	appendEvents(t, ws, "p1", "run-001",
		types.EventRunStarted, types.EventProviderRaw, types.EventRunEnded)
	appendEvents(t, ws, "p1", "run-002",
		types.EventRunStarted, types.EventBudgetDecision, types.EventBudgetExceeded)
	corruptEvents(t, ws, "p1", "run-002", 1)

	snap, err := s.RunMonitor(ws, MonitorOptions{})
	require.NoError(t, err)
	require.Len(t, snap.Rows, 2)
	assert.False(t, snap.GeneratedAt.IsZero())

	newest := snap.Rows[0]
	assert.Equal(t, "run-002", newest.RunID)
	assert.Equal(t, "p1", newest.ProjectID)
	assert.Equal(t, "dev-2", newest.AgentID)
	assert.Equal(t, string(types.RunStatusRunning), newest.RunStatus)
	assert.Empty(t, newest.LiveStatus)
	require.NotNil(t, newest.LastEvent)
	assert.Equal(t, types.EventBudgetExceeded, newest.LastEvent.Type)
	assert.NotEmpty(t, newest.LastEvent.TsWallclock)
	assert.Equal(t, int64(1), newest.ParseErrorCount)
	assert.Equal(t, int64(1), newest.BudgetDecisionCount)
	assert.Equal(t, int64(1), newest.BudgetExceededCount)

	oldest := snap.Rows[1]
	assert.Equal(t, "run-001", oldest.RunID)
	assert.Equal(t, types.EventRunEnded, oldest.LastEvent.Type)
	assert.Zero(t, oldest.ParseErrorCount)
	assert.Zero(t, oldest.BudgetDecisionCount)
	assert.Zero(t, oldest.BudgetExceededCount)
}

func TestRunMonitorNoEventsYet(t *testing.T) {
	s, ws := testService(t)
	addRun(t, ws, "p1", "run-001", "dev-1", types.RunStatusRunning, time.Now().UTC(), nil)

	snap, err := s.RunMonitor(ws, MonitorOptions{})
	require.NoError(t, err)
	require.Len(t, snap.Rows, 1)
	assert.Nil(t, snap.Rows[0].LastEvent)
}

func TestRunMonitorLiveStatus(t *testing.T) {
	s, ws := testService(t)
	s.live = &fakeLive{statuses: map[string]types.RunStatus{
		"p1/run-001": types.RunStatusRunning,
	}}
	now := time.Now().UTC()
	addRun(t, ws, "p1", "run-001", "dev-1", types.RunStatusRunning, now, nil)
	addRun(t, ws, "p1", "run-002", "dev-1", types.RunStatusRunning, now.Add(time.Minute), nil)

	snap, err := s.RunMonitor(ws, MonitorOptions{})
	require.NoError(t, err)
	require.Len(t, snap.Rows, 2)
	assert.Empty(t, snap.Rows[0].LiveStatus)
	assert.Equal(t, string(types.RunStatusRunning), snap.Rows[1].LiveStatus)
}

func TestRunMonitorProjectFilterAndLimit(t *testing.T) {
	s, ws := testService(t)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p2", Name: "Skunkworks"}))
	now := time.Now().UTC()
	addRun(t, ws, "p1", "run-001", "dev-1", types.RunStatusEnded, now.Add(-2*time.Hour), nil)
	addRun(t, ws, "p1", "run-002", "dev-1", types.RunStatusEnded, now.Add(-time.Hour), nil)
	addRun(t, ws, "p2", "run-003", "dev-2", types.RunStatusRunning, now, nil)

	p1Only, err := s.RunMonitor(ws, MonitorOptions{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, p1Only.Rows, 2)
	for _, row := range p1Only.Rows {
		assert.Equal(t, "p1", row.ProjectID)
	}

	limited, err := s.RunMonitor(ws, MonitorOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited.Rows, 1)
	assert.Equal(t, "run-003", limited.Rows[0].RunID)
}
