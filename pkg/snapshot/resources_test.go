package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

func usage(tokens int64, cost float64) *types.RunUsage {
	return &types.RunUsage{
		Source:      types.UsageSourceProviderReported,
		Confidence:  "high",
		TotalTokens: tokens,
		CostUSD:     &cost,
	}
}

func addProviderRun(t *testing.T, ws *workspace.Workspace, rid, agentID, provider string, status types.RunStatus, createdAt time.Time, u *types.RunUsage) {
	t.Helper()
	require.NoError(t, ws.CreateRun(&types.Run{
		SchemaVersion: 1,
		RunID:         rid,
		ProjectID:     "p1",
		AgentID:       agentID,
		Provider:      provider,
		Status:        status,
		Usage:         u,
		CreatedAt:     createdAt,
	}))
}

func TestResourcesRollups(t *testing.T) {
	s, ws := testService(t)
	addAgent(t, ws, "dev-1", types.RoleWorker, "m-large")
	addAgent(t, ws, "dev-2", types.RoleWorker, "")
	now := time.Now().UTC()
	addProviderRun(t, ws, "run-001", "dev-1", types.ProviderClaude, types.RunStatusRunning, now, usage(1000, 0.5))
	addProviderRun(t, ws, "run-002", "dev-1", types.ProviderClaude, types.RunStatusEnded, now, usage(2000, 1.0))
	addProviderRun(t, ws, "run-003", "dev-2", types.ProviderGemini, types.RunStatusEnded, now, usage(500, 0.25))
	addProviderRun(t, ws, "run-004", "dev-2", types.ProviderGemini, types.RunStatusFailed, now, nil)

	snap, err := s.Resources(ws)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Totals.Runs)
	assert.Equal(t, 1, snap.Totals.ActiveRuns)
	assert.Equal(t, int64(3500), snap.Totals.TotalTokens)
	assert.InDelta(t, 1.75, snap.Totals.CostUSD, 0.0001)

	claude := snap.ByProvider[types.ProviderClaude]
	assert.Equal(t, 2, claude.Runs)
	assert.Equal(t, 1, claude.ActiveRuns)
	assert.Equal(t, int64(3000), claude.TotalTokens)
	assert.InDelta(t, 1.5, claude.CostUSD, 0.0001)

	gemini := snap.ByProvider[types.ProviderGemini]
	assert.Equal(t, 2, gemini.Runs)
	assert.Equal(t, int64(500), gemini.TotalTokens)

	large := snap.ByModel["m-large"]
	assert.Equal(t, 2, large.Runs)
	assert.Equal(t, int64(3000), large.TotalTokens)

	unknown := snap.ByModel["unknown"]
	assert.Equal(t, 2, unknown.Runs)
	assert.Equal(t, int64(500), unknown.TotalTokens)
}

func TestReconcileUsage(t *testing.T) {
	s, ws := testService(t)
	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	addProviderRun(t, ws, "run-001", "dev-1", types.ProviderClaude, types.RunStatusEnded,
		periodStart.Add(24*time.Hour), usage(1000, 1.0))
	addProviderRun(t, ws, "run-002", "dev-1", types.ProviderClaude, types.RunStatusEnded,
		periodStart.Add(-24*time.Hour), usage(9000, 5.0))

	claudeTokens := int64(1200)
	require.NoError(t, ws.SaveBillingStatements([]types.BillingStatement{
		{Provider: types.ProviderClaude, PeriodStart: periodStart, PeriodEnd: periodEnd,
			TotalTokens: &claudeTokens, CostUSD: 1.5, Source: "console_export"},
		{Provider: types.ProviderGemini, PeriodStart: periodStart.Add(240 * time.Hour),
			PeriodEnd: periodStart.Add(480 * time.Hour), CostUSD: 2.0, Source: "invoice"},
		{Provider: types.ProviderCodex, PeriodStart: periodEnd, PeriodEnd: periodEnd.Add(720 * time.Hour),
			CostUSD: 9.0, Source: "invoice"},
	}))

	recon, err := s.ReconcileUsage(ws, UsagePeriod{Start: periodStart, End: periodEnd})
	require.NoError(t, err)
	require.Len(t, recon.Providers, 2, "statement entirely outside the window is excluded")

	claude := recon.Providers[0]
	assert.Equal(t, types.ProviderClaude, claude.Provider)
	assert.Equal(t, int64(1000), claude.InternalTokens, "run before the window is excluded")
	assert.InDelta(t, 1.0, claude.InternalCostUSD, 0.0001)
	require.NotNil(t, claude.StatementTokens)
	assert.Equal(t, int64(1200), *claude.StatementTokens)
	assert.InDelta(t, 1.5, claude.StatementCostUSD, 0.0001)
	assert.Equal(t, 1, claude.Statements)
	require.NotNil(t, claude.TokenDelta)
	assert.Equal(t, int64(-200), *claude.TokenDelta)
	assert.InDelta(t, -0.5, claude.CostDeltaUSD, 0.0001)
	require.NotNil(t, claude.CostDeltaPct)
	assert.InDelta(t, -33.333, *claude.CostDeltaPct, 0.01)

	gemini := recon.Providers[1]
	assert.Equal(t, types.ProviderGemini, gemini.Provider)
	assert.Zero(t, gemini.InternalTokens)
	assert.Nil(t, gemini.TokenDelta, "statement without token counts yields no token delta")
	assert.InDelta(t, -2.0, gemini.CostDeltaUSD, 0.0001)
	require.NotNil(t, gemini.CostDeltaPct)
	assert.InDelta(t, -100.0, *gemini.CostDeltaPct, 0.0001)
}

func TestReconcileUsageNoStatements(t *testing.T) {
	s, ws := testService(t)
	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	addProviderRun(t, ws, "run-001", "dev-1", types.ProviderClaude, types.RunStatusEnded,
		periodStart.Add(time.Hour), usage(800, 0.4))

	recon, err := s.ReconcileUsage(ws, UsagePeriod{Start: periodStart, End: periodEnd})
	require.NoError(t, err)
	require.Len(t, recon.Providers, 1)
	claude := recon.Providers[0]
	assert.Zero(t, claude.Statements)
	assert.Nil(t, claude.StatementTokens)
	assert.Nil(t, claude.TokenDelta)
	assert.Nil(t, claude.CostDeltaPct)
	assert.InDelta(t, 0.4, claude.CostDeltaUSD, 0.0001)
}

func TestReconcileUsageValidation(t *testing.T) {
	s, ws := testService(t)
	now := time.Now().UTC()

	_, err := s.ReconcileUsage(ws, UsagePeriod{})
	assert.True(t, errdefs.IsValidation(err))

	_, err = s.ReconcileUsage(ws, UsagePeriod{Start: now, End: now.Add(-time.Hour)})
	assert.True(t, errdefs.IsValidation(err))
}
