/*
Package heartbeat periodically decides which workers deserve a wake
and turns their reports into governed actions.

Each observed workspace gets its own loop, driven by a fixed interval
or a standard cron expression. A tick is one full triage pass:

	TickWorkspace
	    |
	    v
	scan runs past run_event_cursors     scan tasks
	    |                                    |
	    v                                    v
	new_signals  stuck_jobs            due_tasks  overdue_tasks
	    |                                    |
	    +----------------+-------------------+
	                     v
	       score = 5*(signals>0) + 3*(due>0)
	             + 2*(overdue>0) + 4*(stuck>0)
	             - 3*(unchanged context, recent ok)
	             - 2*(quiet hours)
	                     |
	                     v
	       wake targets: score >= min_wake_score,
	       not suppressed, top_k, jittered
	                     |
	                     v
	       state.yaml {cursors, worker_state, stats}

The context fingerprint hashes the worker id, its kind, the counts,
and its run cursors. A worker whose fingerprint did not move since a
recent ok report gets suppressed_until set instead of another wake.

A woken worker answers through SubmitReport: either ok or a list of
actions. Every action runs the same pipeline in order:

 1. Idempotency: an executed, unexpired key is dropped as deduped;
    anything else reserves the key as queued.
 2. Rate caps: max_auto_actions_per_tick and the hourly bucket cap.
 3. Approval gate: needs_approval, risk at medium or above, or quiet
    hours stage a heartbeat_action_proposal artifact instead of
    executing.
 4. Execute: add_comment posts a message, launch_job submits a run
    through the session runtime, create_approval_item files a
    proposal, noop does nothing.
 5. The key flips to executed and the stats advance.

Approving a staged proposal through the inbox lands in
ExecuteApproved, which honors the same idempotency records, so an
action executes at most once per key no matter how it got there.

State persists atomically to .local/heartbeat/state.yaml; ticks and
report submissions for one workspace serialize on a per-workspace
mutex, and overlapping ticks short-circuit with skipped_due_to_running
rather than queueing.

# Best Practices

 1. Keep idempotency keys stable across retries of the same intent.
    The key, not the payload, is what guards against double execution.

 2. Leave enabled false until the workspace has a sensible config.
    ObserveWorkspace is cheap and safe to call from every entry point;
    the loop only starts once enabled is saved.

 3. Prefer dry-run ticks when tuning scores. They compute the full
    triage without advancing cursors, so the next real tick still sees
    every fresh signal.
*/
package heartbeat
