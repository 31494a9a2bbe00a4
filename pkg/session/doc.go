/*
Package session spawns AI worker CLIs as child processes and records
everything they do into the run's event log.

A session is the in-memory lifetime of one child process under one run
record. Launch admits the spawn through the launch lane, starts the
child in its own process group, and returns a session ref as soon as
the process is executing. From there the session drains stdout and
stderr concurrently, mirrors raw bytes to the run's outputs directory,
and appends the full event trail until the terminal state is durable:

	launchSession
	    |
	    v
	worktree.prepared (coding milestones only)
	run.started {argv_redacted, provider, cwd}
	run.executing {pid}
	    |
	    |  per chunk, single writer goroutine
	    v
	provider.raw {stream, chunk}        outputs/stdout.txt
	provider.raw {stream, chunk}  --->  outputs/stderr.txt
	    |
	    v  child exit
	usage.reported | usage.estimated
	budget.decision [budget.exceeded]
	run.ended | run.failed | run.stopped
	    |
	    v
	run.yaml {status, usage}

Stream handling uses one reader goroutine per pipe feeding a single
writer goroutine, so chunks from different streams never interleave
inside the log. Reads are capped at 8 KiB, which also caps the payload
of each provider.raw event.

Usage is harvested from the captured output by trying the known
provider JSON shapes and keeping the report with the highest total.
When no shape matches, a character-count estimate stands in and the
event type switches to usage.estimated. Cost comes from the machine
rate card; runs with a cost and a project hard budget get a
budget.decision, and a breach forces the run to failed.

Stopping is process-group wide: Stop sends SIGTERM to the negative
pgid, escalates to SIGKILL after a grace period, and the session
finalizes with status stopped regardless of the child's exit code.

Session refs do not survive a server restart. Run records left in
status running with no live session are crash leftovers; call
RecoverCrashedRuns at startup to sweep them to failed with a
run.recovered_from_crash event.

# Best Practices

 1. Create the run record first, then Launch. The runtime refuses
    specs whose run.yaml is missing or already terminal.

 2. Treat Collect as the completion signal. Poll is cheap but only a
    snapshot; Collect blocks until the terminal event and the run
    record are both written.

 3. Pass the provider's Command through unchanged. Argv redaction
    happens at append time; pre-redacting argv would corrupt the
    actual exec.
*/
package session
