/*
Package snapshot builds the read-only views over one workspace: the
run monitor, the review inbox, the PM portfolio with its critical-path
Gantt, the colleagues roster, resource rollups, and billing
reconciliation.

Every view is computed on demand. The service first refreshes the
projection index (incremental sync, full rebuild when the sync fails)
and then reads from it; the handful of fields the projection does not
carry come straight from the canonical files. Task schedules are the
main example: duration and dependency lists live in task frontmatter,
so the Gantt loads tasks canonically while everything else reads rows.

	RunMonitor      runs newest first + last event, parse errors, budget counters
	ReviewInbox     pending approvals, recent decisions, parse error rollup
	PM              workspace summary, per-project health, CPM Gantt
	Colleagues      per-agent presence derived from monitor + inbox
	Resources       token/cost totals per provider and per model
	ReconcileUsage  internal rollups vs imported billing statements

Views never write workspace state. The only side effect of a snapshot
is the index refresh, which is idempotent and serialized per workspace
by the index itself.
*/
package snapshot
