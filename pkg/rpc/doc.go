/*
Package rpc exposes the control plane as a line-delimited JSON-RPC 2.0
surface over any duplex byte stream. The server binary serves stdio by
default and can additionally accept TCP or unix-socket connections;
every connection runs the same method table.

Each input line is one request or notification; each output line is
one response or server notification. A single writer goroutine per
connection serializes output, so concurrent handlers and event fanout
never interleave within a line. Requests are dispatched concurrently:
a blocked session.collect does not stall event notifications on the
same connection.

Method names follow module.verb (run.create, session.launch,
events.subscribe, memory.propose_delta, ...). Parameters decode into
typed structs and are validated before the handler runs; failures
report code -32602 with one issue per offending field. Domain errors
map onto -32000 with a stable data.reason_code where one exists:
SECRET_DETECTED, POLICY_DENIED and SUBSCRIPTION_REQUIRED.

Subscriptions live on their connection and die with it. A subscriber
may request an index-backed backfill before live fanout; overlap
between the two phases is deduplicated by event id. Slow subscribers
lose oldest events first, with the drop count reported on events.ack.

Every method that names a workspace also feeds the ambient machinery:
the heartbeat service starts observing the workspace and the index
sync worker gets a debounced nudge.

Client is the Go counterpart for tooling and tests: it dials a TCP or
unix listener, multiplexes concurrent calls over one connection, and
delivers server notifications on a channel. Server faults surface as
*CallError with the code, message and reason code intact.
*/
package rpc
