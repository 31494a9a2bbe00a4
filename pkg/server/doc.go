/*
Package server is the composition root: it builds the full service
graph, owns every subsystem lifecycle, and maps transports onto the
RPC method table.

One Server wires one of everything: the event bus and log, the SQLite
projection with its sync worker, the launch lane, the session runtime
behind the provider execution guard, the heartbeat scheduler, the
governance service, the share-pack exporter, and the snapshot
aggregators. The RPC layer sees them only through rpc.Deps.

Transports stack: ServeStdio serves the canonical single connection on
stdin/stdout, while Start adds optional TCP and unix-socket listeners
that serve any number of concurrent connections, plus an optional HTTP
listener exposing Prometheus metrics and health endpoints. Workspaces
named in the config are observed at startup: crashed runs swept,
index synced, heartbeat loops attached, and an fsnotify watcher feeding
external file changes to the sync worker.

Shutdown is ordered. Intake closes first (listeners, then open
connections, which tears down their subscriptions), then the heartbeat
loops stop, the sync worker flushes and exits, live sessions are
stopped within the caller's context, and finally the bus and the
projection close.
*/
package server
