package snapshot

import (
	"sort"
	"time"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// ResourceRollup aggregates run counts and spend for one grouping key.
type ResourceRollup struct {
	Runs        int     `json:"runs"`
	ActiveRuns  int     `json:"active_runs"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// ResourcesSnapshot is the spend view: workspace totals plus rollups
// per provider and per model. The model comes from the agent registry;
// runs whose agent records no model land under "unknown".
type ResourcesSnapshot struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Totals      ResourceRollup            `json:"totals"`
	ByProvider  map[string]ResourceRollup `json:"by_provider"`
	ByModel     map[string]ResourceRollup `json:"by_model"`
}

// Resources aggregates token and cost usage across every run.
func (s *Service) Resources(ws *workspace.Workspace) (*ResourcesSnapshot, error) {
	if _, _, err := s.refresh(ws); err != nil {
		return nil, err
	}
	runs, err := s.ix.ListRuns(ws, "")
	if err != nil {
		return nil, err
	}

	snap := &ResourcesSnapshot{
		GeneratedAt: s.nowFn().UTC(),
		ByProvider:  make(map[string]ResourceRollup),
		ByModel:     make(map[string]ResourceRollup),
	}
	models := make(map[string]string)
	for _, r := range runs {
		add := func(roll ResourceRollup) ResourceRollup {
			roll.Runs++
			if r.Status == string(types.RunStatusRunning) {
				roll.ActiveRuns++
			}
			if r.TotalTokens != nil {
				roll.TotalTokens += *r.TotalTokens
			}
			if r.CostUSD != nil {
				roll.CostUSD += *r.CostUSD
			}
			return roll
		}
		snap.Totals = add(snap.Totals)
		snap.ByProvider[r.Provider] = add(snap.ByProvider[r.Provider])
		model := agentModel(ws, models, r.AgentID)
		snap.ByModel[model] = add(snap.ByModel[model])
	}
	return snap, nil
}

// agentModel resolves and caches the model an agent is configured
// with. Unknown agents and agents without a model share one bucket.
func agentModel(ws *workspace.Workspace, cache map[string]string, agentID string) string {
	if model, ok := cache[agentID]; ok {
		return model
	}
	model := "unknown"
	if agent, err := ws.LoadAgent(agentID); err == nil && agent.Model != "" {
		model = agent.Model
	}
	cache[agentID] = model
	return model
}

// UsagePeriod bounds a reconciliation window. Start is inclusive, End
// exclusive.
type UsagePeriod struct {
	Start time.Time `json:"period_start"`
	End   time.Time `json:"period_end"`
}

// ProviderReconciliation compares internal usage rollups against the
// imported billing statements for one provider. TokenDelta is nil when
// no statement in the window carries token counts; CostDeltaPct is nil
// when the statements bill zero cost.
type ProviderReconciliation struct {
	Provider         string   `json:"provider"`
	InternalTokens   int64    `json:"internal_tokens"`
	InternalCostUSD  float64  `json:"internal_cost_usd"`
	StatementTokens  *int64   `json:"statement_tokens,omitempty"`
	StatementCostUSD float64  `json:"statement_cost_usd"`
	Statements       int      `json:"statements"`
	TokenDelta       *int64   `json:"token_delta,omitempty"`
	CostDeltaUSD     float64  `json:"cost_delta_usd"`
	CostDeltaPct     *float64 `json:"cost_delta_pct,omitempty"`
}

// UsageReconciliation is the reconciliation view for one period,
// sorted by provider.
type UsageReconciliation struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Period      UsagePeriod              `json:"period"`
	Providers   []ProviderReconciliation `json:"providers"`
}

// ReconcileUsage joins per-provider usage rollups from runs created
// inside the period with billing statements whose own period overlaps
// it. Deltas are internal minus statement, so a positive cost delta
// means the workspace recorded more spend than the provider billed.
func (s *Service) ReconcileUsage(ws *workspace.Workspace, period UsagePeriod) (*UsageReconciliation, error) {
	if period.Start.IsZero() || period.End.IsZero() {
		return nil, errdefs.Validationf("reconciliation period requires start and end")
	}
	if !period.End.After(period.Start) {
		return nil, errdefs.Validationf("reconciliation period end must be after start")
	}
	if _, _, err := s.refresh(ws); err != nil {
		return nil, err
	}
	runs, err := s.ix.ListRuns(ws, "")
	if err != nil {
		return nil, err
	}
	statements, err := ws.LoadBillingStatements()
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*ProviderReconciliation)
	row := func(provider string) *ProviderReconciliation {
		r, ok := rows[provider]
		if !ok {
			r = &ProviderReconciliation{Provider: provider}
			rows[provider] = r
		}
		return r
	}

	for _, r := range runs {
		created, ok := parseTime(r.CreatedAt)
		if !ok || created.Before(period.Start) || !created.Before(period.End) {
			continue
		}
		pr := row(r.Provider)
		if r.TotalTokens != nil {
			pr.InternalTokens += *r.TotalTokens
		}
		if r.CostUSD != nil {
			pr.InternalCostUSD += *r.CostUSD
		}
	}
	for _, stmt := range statements {
		if !stmt.PeriodStart.Before(period.End) || !stmt.PeriodEnd.After(period.Start) {
			continue
		}
		pr := row(stmt.Provider)
		pr.Statements++
		pr.StatementCostUSD += stmt.CostUSD
		if stmt.TotalTokens != nil {
			if pr.StatementTokens == nil {
				pr.StatementTokens = new(int64)
			}
			*pr.StatementTokens += *stmt.TotalTokens
		}
	}

	recon := &UsageReconciliation{
		GeneratedAt: s.nowFn().UTC(),
		Period:      period,
		Providers:   make([]ProviderReconciliation, 0, len(rows)),
	}
	for _, pr := range rows {
		pr.CostDeltaUSD = pr.InternalCostUSD - pr.StatementCostUSD
		if pr.StatementTokens != nil {
			delta := pr.InternalTokens - *pr.StatementTokens
			pr.TokenDelta = &delta
		}
		if pr.StatementCostUSD > 0 {
			pct := pr.CostDeltaUSD / pr.StatementCostUSD * 100
			pr.CostDeltaPct = &pct
		}
		recon.Providers = append(recon.Providers, *pr)
	}
	sort.Slice(recon.Providers, func(i, j int) bool {
		return recon.Providers[i].Provider < recon.Providers[j].Provider
	})
	return recon, nil
}
