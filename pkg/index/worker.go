package index

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/workspace"
)

const (
	DefaultDebounceMs    = 250
	DefaultMinIntervalMs = 1000
)

// SyncWorkerConfig tunes the debouncer
type SyncWorkerConfig struct {
	DebounceMs    int
	MinIntervalMs int
}

// SyncWorker coalesces change notifications into incremental syncs.
// Notify is cheap and non-blocking: a burst of notifications within the
// debounce window produces one sync, and successive syncs for the same
// workspace are spaced at least MinIntervalMs apart.
type SyncWorker struct {
	ix     *Index
	cfg    SyncWorkerConfig
	logger zerolog.Logger

	mu          sync.Mutex
	pending     map[string]*workspace.Workspace
	dueAt       map[string]time.Time
	lastSync    map[string]time.Time
	closed      bool
	running     bool
	totalNotify int64
	totalErrors int64
	lastErrorWs string
	lastError   string

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// SyncWorkerStatus is the observability snapshot for index.sync_worker_status
type SyncWorkerStatus struct {
	Enabled                  bool     `json:"enabled"`
	Running                  bool     `json:"running"`
	PendingWorkspaces        []string `json:"pending_workspaces"`
	TotalNotifyCalls         int64    `json:"total_notify_calls"`
	TotalWorkspaceSyncErrors int64    `json:"total_workspace_sync_errors"`
	LastErrorWorkspace       string   `json:"last_error_workspace,omitempty"`
	LastError                string   `json:"last_error,omitempty"`
}

func NewSyncWorker(ix *Index, cfg SyncWorkerConfig) *SyncWorker {
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = DefaultDebounceMs
	}
	if cfg.MinIntervalMs <= 0 {
		cfg.MinIntervalMs = DefaultMinIntervalMs
	}
	w := &SyncWorker{
		ix:       ix,
		cfg:      cfg,
		logger:   log.WithComponent("index-sync-worker"),
		pending:  make(map[string]*workspace.Workspace),
		dueAt:    make(map[string]time.Time),
		lastSync: make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Notify schedules an incremental sync for the workspace. Calls after
// Close are dropped.
func (w *SyncWorker) Notify(ws *workspace.Workspace) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.totalNotify++
	root := ws.Root()
	w.pending[root] = ws
	due := time.Now().Add(time.Duration(w.cfg.DebounceMs) * time.Millisecond)
	if last, ok := w.lastSync[root]; ok {
		if earliest := last.Add(time.Duration(w.cfg.MinIntervalMs) * time.Millisecond); earliest.After(due) {
			due = earliest
		}
	}
	w.dueAt[root] = due
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush runs every pending sync immediately, ignoring debounce timers
func (w *SyncWorker) Flush() {
	for _, ws := range w.takeAll() {
		w.syncOne(ws)
	}
}

// Close stops the loop, runs one final flush, then refuses further
// notifications.
func (w *SyncWorker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.Flush()
}

func (w *SyncWorker) Status() SyncWorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	pending := make([]string, 0, len(w.pending))
	for root := range w.pending {
		pending = append(pending, root)
	}
	sort.Strings(pending)
	return SyncWorkerStatus{
		Enabled:                  !w.closed,
		Running:                  w.running,
		PendingWorkspaces:        pending,
		TotalNotifyCalls:         w.totalNotify,
		TotalWorkspaceSyncErrors: w.totalErrors,
		LastErrorWorkspace:       w.lastErrorWs,
		LastError:                w.lastError,
	}
}

func (w *SyncWorker) loop() {
	defer close(w.doneCh)
	for {
		wait, ok := w.nextWait()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-w.stopCh:
				return
			}
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-w.wake:
				timer.Stop()
				continue
			case <-w.stopCh:
				timer.Stop()
				return
			}
		}
		for _, ws := range w.takeDue(time.Now()) {
			w.syncOne(ws)
		}
	}
}

// nextWait returns the time until the earliest due workspace; ok is
// false when nothing is pending.
func (w *SyncWorker) nextWait() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.dueAt) == 0 {
		return 0, false
	}
	now := time.Now()
	first := false
	var wait time.Duration
	for _, due := range w.dueAt {
		d := due.Sub(now)
		if !first || d < wait {
			wait = d
			first = true
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (w *SyncWorker) takeDue(now time.Time) []*workspace.Workspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ready []*workspace.Workspace
	for root, due := range w.dueAt {
		if due.After(now) {
			continue
		}
		ready = append(ready, w.pending[root])
		delete(w.pending, root)
		delete(w.dueAt, root)
	}
	return ready
}

func (w *SyncWorker) takeAll() []*workspace.Workspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	ready := make([]*workspace.Workspace, 0, len(w.pending))
	for root, ws := range w.pending {
		ready = append(ready, ws)
		delete(w.pending, root)
		delete(w.dueAt, root)
	}
	return ready
}

func (w *SyncWorker) syncOne(ws *workspace.Workspace) {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	_, err := w.ix.Sync(ws)

	w.mu.Lock()
	w.running = false
	w.lastSync[ws.Root()] = time.Now()
	if err != nil {
		w.totalErrors++
		w.lastErrorWs = ws.Root()
		w.lastError = err.Error()
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Error().Err(err).Str("workspace", ws.Root()).Msg("Incremental index sync failed")
	}
}
