/*
Package lane gates session launches behind per-workspace and
per-provider concurrency limits.

Every session spawn in the control plane passes through Lane.Do. The
lane keeps two FIFO queues per workspace (high and normal priority) and
admits waiters as long as three conditions hold: the workspace's
in-flight count is under its limit, the (workspace, provider) pair's
in-flight count is under its limit, and the provider has no active
cooldown.

# Admission Flow

	         Do(ctx, ws, opts, fn)
	                │
	                ▼
	     ┌──────────────────────┐
	     │  enqueue by priority │
	     │  high ──► [h1 h2]    │
	     │  normal ► [n1 n2 n3] │
	     └──────────┬───────────┘
	                │ pump
	                ▼
	     workspace in-flight < limit?
	     pair in-flight < limit?
	     provider cooldown inactive?
	                │yes            │no
	                ▼               ▼
	            run fn()      wait (slot free,
	                │          cooldown expiry,
	                ▼          or ctx.Done)
	          release slot,
	          pump next waiter

High priority jumps ahead of queued normal waiters but never preempts a
running launch. A waiter blocked by its own provider's cooldown or pair
limit is skipped over, so other providers keep flowing. Cancelling a
queued launch's context frees its queue slot immediately.

# Provider Cooldowns

When a provider signals rate limiting or overload, the session runtime
reports backpressure:

	until := lane.ReportBackpressure(ws, "claude", "rate_limited",
		lane.Backoff{Base: 15 * time.Second, Max: 5 * time.Minute})

Consecutive reports double the cooldown duration up to Max. A cooldown
expires on its own (a timer re-pumps the queue) or is lifted early with
ClearCooldown, which also resets the doubling streak.

# Observability

Stats returns the queue depth, in-flight count, and active cooldowns
for one workspace, and the package maintains the bureau_lane_* gauges.

# Best Practices

1. Route every spawn through the lane. Code that starts a session
without Do bypasses the concurrency contract the rest of the system
assumes.

2. Pass the caller's context. A queued launch whose client disconnected
should leave the queue, not run minutes later.

3. Report backpressure from the code that saw the provider error, with
a reason string precise enough to read in lane.stats output.
*/
package lane
