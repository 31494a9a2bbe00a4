/*
Package eventlog provides the append-only, hash-chained event logs that
record everything a Bureau run does.

Each run owns one JSONL file. Every line is a complete envelope carrying
identity, ordering, and integrity fields; the payload is event-type
specific. Appends extend a SHA-256 hash chain, so any later edit to any
line is detectable.

# Envelope

	{
	  "schema_version": 1,
	  "event_id": "…",
	  "ts_wallclock": "2025-08-25T10:30:00.000000001Z",
	  "ts_monotonic_ms": 1756117800000,
	  "run_id": "run-001",
	  "session_ref": "sess-3" | "control-plane",
	  "correlation_id": "…",
	  "causation_id": "…",          // optional
	  "actor": "agent:dev-1",
	  "visibility": "team",
	  "type": "run.started",
	  "payload": { … },
	  "prev_event_hash": null | "…",
	  "event_hash": "…"
	}

The hash covers the canonical JSON of the line with event_hash removed;
canonical means key-sorted objects with number text preserved.
prev_event_hash is the previous line's event_hash, explicitly null on
line one.

# Append Discipline

One Log instance serves the process. Appends to the same file are
serialized by a per-path mutex; ts_monotonic_ms is forced strictly
increasing (max of last+1 and the monotonic clock), so replay order is
total within a file even when the wall clock steps. If a previous
process died mid-write, the next append first terminates the torn line;
readers then surface it as a parse error while the chain continues from
the last complete event.

# Reading and Verification

ReadFile never aborts on a bad line: each line becomes a Record with
either an Event or an Err, and a trailing line with no newline is
treated as an in-progress append. Verify checks envelope completeness,
hash integrity, chain continuity, timestamp monotonicity, and event_id
uniqueness, returning coded issues:

	missing_key | invalid_event_hash | prev_hash_chain_mismatch |
	nonmonotonic_ts | duplicate_event_id

Replay wraps both in four modes: raw (parse only), verified (parse and
verify), deterministic (error unless clean), and live (verified plus the
current session status supplied by the caller).

# Bus

Appends are announced on an in-process Bus. Subscribers get bounded
buffered channels; a full subscriber loses its oldest buffered event
rather than blocking the appender, and the loss is counted on the
subscription and in metrics. Order within one file is append order.

# Migration

BackfillEnvelopes upgrades logs written before the envelope existed:
missing identity fields are assigned, the chain is recomputed, and the
pass is recorded in company/migrations/applied.yaml so re-runs are
no-ops without force.
*/
package eventlog
