/*
Package errdefs defines Bureau's error taxonomy.

Every error surfaced across a package boundary wraps one of the sentinel
kinds (Validation, NotFound, Conflict, Transient, Fatal) so that callers,
and ultimately the RPC layer, can classify failures with errors.Is instead
of string matching. Policy denials and secret detections carry their own
structured types in pkg/governance and pkg/redact because they transport
extra data to the wire.

	if err := ws.LoadTask(projectID, taskID); errdefs.IsNotFound(err) {
		...
	}
*/
package errdefs
