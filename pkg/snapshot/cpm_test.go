package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/types"
)

func schedTask(id string, days float64, deps ...string) *types.Task {
	return &types.Task{
		SchemaVersion: 1,
		ID:            id,
		ProjectID:     "p1",
		Title:         "task " + id,
		Status:        types.TaskStatusReady,
		Schedule: types.TaskSchedule{
			DurationDays:     days,
			DependsOnTaskIDs: deps,
		},
	}
}

func barByID(t *testing.T, g *Gantt, id string) GanttBar {
	t.Helper()
	for _, b := range g.Bars {
		if b.TaskID == id {
			return b
		}
	}
	t.Fatalf("no bar for task %s", id)
	return GanttBar{}
}

func TestComputeGanttChain(t *testing.T) {
	g := computeGantt([]*types.Task{
		schedTask("a", 2),
		schedTask("b", 3, "a"),
		schedTask("c", 1, "b"),
	})
	assert.Equal(t, CPMStatusOK, g.CPMStatus)
	assert.Equal(t, 6.0, g.SpanDays)

	a, b, c := barByID(t, g, "a"), barByID(t, g, "b"), barByID(t, g, "c")
	assert.Equal(t, 0.0, a.EarliestStart)
	assert.Equal(t, 2.0, a.EarliestFinish)
	assert.Equal(t, 2.0, b.EarliestStart)
	assert.Equal(t, 5.0, b.EarliestFinish)
	assert.Equal(t, 5.0, c.EarliestStart)
	assert.Equal(t, 6.0, c.EarliestFinish)
	for _, bar := range g.Bars {
		assert.True(t, bar.Critical, "bar %s should be critical", bar.TaskID)
		assert.Zero(t, bar.SlackDays)
		assert.Equal(t, bar.EarliestStart, bar.LatestStart)
	}
}

func TestComputeGanttParallelSlack(t *testing.T) {
	g := computeGantt([]*types.Task{
		schedTask("long", 2),
		schedTask("short", 1),
		schedTask("join", 1, "long", "short"),
	})
	assert.Equal(t, CPMStatusOK, g.CPMStatus)
	assert.Equal(t, 3.0, g.SpanDays)

	long := barByID(t, g, "long")
	assert.True(t, long.Critical)
	assert.Zero(t, long.SlackDays)

	short := barByID(t, g, "short")
	assert.False(t, short.Critical)
	assert.Equal(t, 1.0, short.SlackDays)
	assert.Equal(t, 1.0, short.LatestStart)
	assert.Equal(t, 2.0, short.LatestFinish)

	join := barByID(t, g, "join")
	assert.True(t, join.Critical)
	assert.Equal(t, 2.0, join.EarliestStart)
}

func TestComputeGanttIgnoresSelfAndMissingDeps(t *testing.T) {
	g := computeGantt([]*types.Task{
		schedTask("a", 2, "a", "ghost"),
		schedTask("b", 1, "a"),
	})
	assert.Equal(t, CPMStatusOK, g.CPMStatus)
	a := barByID(t, g, "a")
	assert.Empty(t, a.DependsOn)
	assert.Equal(t, 0.0, a.EarliestStart)
	b := barByID(t, g, "b")
	assert.Equal(t, []string{"a"}, b.DependsOn)
	assert.Equal(t, 2.0, b.EarliestStart)
}

func TestComputeGanttCycle(t *testing.T) {
	g := computeGantt([]*types.Task{
		schedTask("a", 2, "b"),
		schedTask("b", 3, "a"),
		schedTask("c", 1),
	})
	assert.Equal(t, CPMStatusDependencyCycle, g.CPMStatus)
	require.Len(t, g.Bars, 3)
	assert.Equal(t, "a", g.Bars[0].TaskID)
	assert.Equal(t, "b", g.Bars[1].TaskID)
	assert.Equal(t, "c", g.Bars[2].TaskID)
	for _, bar := range g.Bars {
		assert.Zero(t, bar.EarliestStart)
		assert.Equal(t, bar.DurationDays, bar.EarliestFinish)
		assert.False(t, bar.Critical)
	}
	assert.Equal(t, 3.0, g.SpanDays)
}

func TestComputeGanttDurationFallbacks(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	planned := schedTask("planned", 0)
	planned.Schedule.PlannedStart = &start
	planned.Schedule.PlannedEnd = &end

	g := computeGantt([]*types.Task{
		schedTask("explicit", 2.5),
		planned,
		schedTask("bare", 0),
	})
	assert.Equal(t, 2.5, barByID(t, g, "explicit").DurationDays)
	assert.Equal(t, 2.0, barByID(t, g, "planned").DurationDays)
	assert.Equal(t, 1.0, barByID(t, g, "bare").DurationDays)
}

func TestComputeGanttEmpty(t *testing.T) {
	g := computeGantt(nil)
	assert.Equal(t, CPMStatusOK, g.CPMStatus)
	assert.Zero(t, g.SpanDays)
	assert.Empty(t, g.Bars)
}
