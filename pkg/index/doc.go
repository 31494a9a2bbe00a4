/*
Package index maintains the SQLite projection of a workspace's
canonical files.

Every row in the index derives from exactly one canonical file (a
run.yaml, a task frontmatter, an events.jsonl line) plus a fingerprint
of that file. The database at .local/index.db is a cache: deleting it
loses nothing, and Rebuild repopulates it from the filesystem. Writers
never write the index directly; they write canonical files and notify
the sync worker.

# Architecture

	┌─────────────────── PROJECTION PIPELINE ───────────────────┐
	│                                                           │
	│  canonical files          fingerprints        tables      │
	│  ───────────────          ────────────        ──────      │
	│  run.yaml            ──►  files(path,      ──► runs       │
	│  events.jsonl        ──►   size, mtime,    ──► events,    │
	│                            sha256)             event_parse_errors
	│  tasks/<tid>.md      ──►                   ──► tasks, task_milestones
	│  artifacts/<aid>.md  ──►                   ──► artifacts  │
	│  conversations/…     ──►                   ──► conversations, messages
	│  help/<hid>.yaml     ──►                   ──► help_requests
	│  inbox/reviews/…     ──►                   ──► reviews    │
	│                                                           │
	│  derived (rematerialized each pass):                      │
	│    pending_approvals, review_decisions, agent_counters    │
	└───────────────────────────────────────────────────────────┘

Sync walks the canonical tree and re-projects only files whose
size or mtime changed (content hash breaks ties, so a plain touch does
not trigger re-projection). events.jsonl is append-only, so its
projector resumes from the per-run cursor: max(seq) over events and
parse-error rows. A file that shrank was rewritten by a migration and
is re-projected from line one. Rows for vanished files are deleted by
comparing the fingerprint table against the walk.

Rebuild and Sync are serialized per workspace by a named in-process
mutex. The SQLite handle runs in WAL mode with a single writer
connection.

# Sync Worker and Watcher

	worker := index.NewSyncWorker(ix, index.SyncWorkerConfig{})
	worker.Notify(ws)   // debounced, non-blocking
	worker.Flush()      // run pending syncs now
	worker.Close()      // final flush, further notifies dropped

	watcher, err := index.NewWatcher(ws, worker)

The watcher covers out-of-band writes (a human editing a task file, an
external tool appending events); server-side writers call Notify
themselves after each mutation.

# Best Practices

1. Treat the index as disposable. Any inconsistency is fixed by
   Rebuild, never by hand-editing rows.

2. Query through the typed methods (ListRuns, ListEvents, ...) rather
   than the raw handle; they keep orderings consistent across callers.

3. Do not write canonical files and query the index in the same breath
   without a sync in between; the projection is eventually consistent
   and only a sync closes the gap.
*/
package index
