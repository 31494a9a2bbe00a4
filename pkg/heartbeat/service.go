package heartbeat

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/session"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Launcher submits approved launch_job actions as runs. Satisfied by
// session.Runtime.
type Launcher interface {
	Launch(ctx context.Context, spec session.LaunchSpec) (string, error)
}

// TickOpts modify one tick. DryRun computes triage and wake selection
// without touching cursors, worker state, or stats.
type TickOpts struct {
	DryRun bool   `json:"dry_run,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TickResult is what one tick saw and decided.
type TickResult struct {
	SkippedDueToRunning bool           `json:"skipped_due_to_running,omitempty"`
	Disabled            bool           `json:"disabled,omitempty"`
	DryRun              bool           `json:"dry_run,omitempty"`
	Reason              string         `json:"reason,omitempty"`
	QuietHours          bool           `json:"quiet_hours,omitempty"`
	Workers             []WorkerTriage `json:"workers,omitempty"`
	Wakes               []WakeTarget   `json:"wakes,omitempty"`
}

// Status reports one workspace's heartbeat to clients.
type Status struct {
	Observed   bool                          `json:"observed"`
	LoopActive bool                          `json:"loop_active"`
	Config     *types.HeartbeatConfig        `json:"config,omitempty"`
	Stats      types.HeartbeatStats          `json:"stats"`
	Workers    map[string]*types.WorkerState `json:"workers,omitempty"`
}

// watch is one observed workspace: its loop, its tick guard, and the
// mutex serializing state.yaml read-modify-write cycles.
type watch struct {
	ws *workspace.Workspace

	mu      sync.Mutex
	ticking bool

	stateMu sync.Mutex

	loopMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Service runs the heartbeat for every observed workspace.
type Service struct {
	launcher Launcher
	logger   zerolog.Logger
	nowFn    func() time.Time
	randFn   func() float64

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

// NewService creates the heartbeat service. launcher may be nil when no
// session runtime exists; launch_job actions then fail.
func NewService(launcher Launcher) *Service {
	return &Service{
		launcher: launcher,
		logger:   log.WithComponent("heartbeat"),
		nowFn:    time.Now,
		randFn:   rand.Float64,
		watches:  make(map[string]*watch),
	}
}

// ObserveWorkspace registers a workspace with the scheduler, starting
// its loop when the saved config enables it. Observing the same
// workspace again is a no-op.
func (s *Service) ObserveWorkspace(ws *workspace.Workspace) error {
	w, fresh, err := s.observe(ws)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	if cfg.Enabled {
		s.startLoop(w, cfg)
	}
	return nil
}

func (s *Service) observe(ws *workspace.Workspace) (*watch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, errdefs.Conflictf("heartbeat service is closed")
	}
	if w, ok := s.watches[ws.Root()]; ok {
		return w, false, nil
	}
	w := &watch{ws: ws}
	s.watches[ws.Root()] = w
	s.logger.Info().Str("workspace", ws.Root()).Msg("Observing workspace")
	return w, true, nil
}

// SetConfig validates and saves the workspace config, then restarts
// the loop to match it.
func (s *Service) SetConfig(ws *workspace.Workspace, cfg *types.HeartbeatConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	w, _, err := s.observe(ws)
	if err != nil {
		return err
	}
	if err := ws.SaveHeartbeatConfig(cfg); err != nil {
		return err
	}
	s.stopLoop(w)
	normalized := normalizeConfig(cfg)
	if normalized.Enabled {
		s.startLoop(w, normalized)
	}
	return nil
}

// GetStatus reports config, stats, and per-worker state for one
// workspace. Unobserved workspaces report Observed false with whatever
// is on disk.
func (s *Service) GetStatus(ws *workspace.Workspace) (*Status, error) {
	s.mu.Lock()
	w, observed := s.watches[ws.Root()]
	s.mu.Unlock()

	cfg, err := loadConfig(ws)
	if err != nil {
		return nil, err
	}
	state, err := ws.LoadHeartbeatState()
	if err != nil {
		return nil, err
	}
	st := &Status{
		Observed: observed,
		Config:   cfg,
		Stats:    state.Stats,
		Workers:  state.WorkerState,
	}
	if observed {
		w.loopMu.Lock()
		st.LoopActive = w.stopCh != nil
		w.loopMu.Unlock()
	}
	return st, nil
}

// TickWorkspace runs one triage pass. At most one tick runs per
// workspace; an overlapping call returns skipped_due_to_running
// immediately instead of waiting.
func (s *Service) TickWorkspace(ctx context.Context, ws *workspace.Workspace, opts TickOpts) (*TickResult, error) {
	w, _, err := s.observe(ws)
	if err != nil {
		return nil, err
	}
	if !w.beginTick() {
		metrics.HeartbeatTicksTotal.WithLabelValues("skipped").Inc()
		return &TickResult{SkippedDueToRunning: true, Reason: opts.Reason}, nil
	}
	defer w.endTick()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(ws)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		metrics.HeartbeatTicksTotal.WithLabelValues("disabled").Inc()
		return &TickResult{Disabled: true, Reason: opts.Reason}, nil
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	now := s.nowFn()
	state, err := ws.LoadHeartbeatState()
	if err != nil {
		metrics.HeartbeatTicksTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	snap, err := s.triageWorkspace(ws, cfg, state, now)
	if err != nil {
		metrics.HeartbeatTicksTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	wakes := s.selectWakes(snap, cfg)

	result := &TickResult{
		DryRun:     opts.DryRun,
		Reason:     opts.Reason,
		QuietHours: cfg.QuietHours.Contains(now.Hour()),
		Workers:    snap.workers,
		Wakes:      wakes,
	}
	if opts.DryRun {
		metrics.HeartbeatTicksTotal.WithLabelValues("dry_run").Inc()
		return result, nil
	}

	s.commitTick(state, snap, wakes, cfg, now)
	pruneState(state, now)
	if err := ws.SaveHeartbeatState(state); err != nil {
		metrics.HeartbeatTicksTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.HeartbeatTicksTotal.WithLabelValues("ok").Inc()
	s.logger.Info().
		Str("workspace", ws.Root()).
		Str("reason", opts.Reason).
		Int("workers", len(snap.workers)).
		Int("wakes", len(wakes)).
		Msg("Heartbeat tick complete")
	return result, nil
}

// commitTick folds the tick into persistent state: cursors advance,
// fingerprints stick, wake targets get their wake time, and unchanged
// workers with a recent ok get suppressed.
func (s *Service) commitTick(state *types.HeartbeatState, snap *triageSnapshot, wakes []WakeTarget, cfg *types.HeartbeatConfig, now time.Time) {
	if state.RunEventCursors == nil {
		state.RunEventCursors = make(map[string]int64)
	}
	for key, lines := range snap.cursors {
		state.RunEventCursors[key] = lines
	}

	suppression := time.Duration(cfg.OkSuppressionMinutes) * time.Minute
	for _, wt := range snap.workers {
		wstate := ensureWorkerState(state, wt.AgentID)
		unchanged := wstate.LastContextHash != "" && wstate.LastContextHash == wt.ContextHash
		recentOK := wstate.LastOkAt != nil && now.Sub(*wstate.LastOkAt) <= suppression
		if unchanged && recentOK {
			until := now.Add(suppression)
			wstate.SuppressedUntil = &until
		}
		wstate.LastContextHash = wt.ContextHash
	}
	for _, target := range wakes {
		wstate := ensureWorkerState(state, target.AgentID)
		at := now
		wstate.LastWakeAt = &at
	}

	state.Stats.TicksTotal++
	state.Stats.WakesTotal += len(wakes)
	at := now
	state.Stats.LastTickAt = &at
}

func ensureWorkerState(state *types.HeartbeatState, agentID string) *types.WorkerState {
	if state.WorkerState == nil {
		state.WorkerState = make(map[string]*types.WorkerState)
	}
	w := state.WorkerState[agentID]
	if w == nil {
		w = &types.WorkerState{}
		state.WorkerState[agentID] = w
	}
	return w
}

// pruneState drops expired idempotency records, stale hourly buckets,
// and lapsed suppressions so state.yaml stays bounded.
func pruneState(state *types.HeartbeatState, now time.Time) {
	for key, rec := range state.Idempotency {
		if now.After(rec.ExpiresAt) {
			delete(state.Idempotency, key)
		}
	}
	floor := now.Add(-24 * time.Hour).Format(hourBucketLayout)
	for bucket := range state.HourlyActionCounters {
		if bucket < floor {
			delete(state.HourlyActionCounters, bucket)
		}
	}
	for _, w := range state.WorkerState {
		if w.SuppressedUntil != nil && now.After(*w.SuppressedUntil) {
			w.SuppressedUntil = nil
		}
	}
}

func (w *watch) beginTick() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticking {
		return false
	}
	w.ticking = true
	return true
}

func (w *watch) endTick() {
	w.mu.Lock()
	w.ticking = false
	w.mu.Unlock()
}

// startLoop launches the periodic tick goroutine for one workspace.
func (s *Service) startLoop(w *watch, cfg *types.HeartbeatConfig) {
	w.loopMu.Lock()
	defer w.loopMu.Unlock()
	if w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go s.run(w, cfg, w.stopCh, w.doneCh)
	s.logger.Info().
		Str("workspace", w.ws.Root()).
		Int("interval_seconds", cfg.IntervalSeconds).
		Str("cron_schedule", cfg.CronSchedule).
		Msg("Heartbeat loop started")
}

func (s *Service) stopLoop(w *watch) {
	w.loopMu.Lock()
	stopCh, doneCh := w.stopCh, w.doneCh
	w.stopCh, w.doneCh = nil, nil
	w.loopMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// run is the per-workspace loop. A cron schedule overrides the fixed
// interval when configured.
func (s *Service) run(w *watch, cfg *types.HeartbeatConfig, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	if cfg.CronSchedule != "" {
		sched, err := cron.ParseStandard(cfg.CronSchedule)
		if err == nil {
			s.runCron(w, sched, stopCh)
			return
		}
		s.logger.Error().Err(err).Str("cron_schedule", cfg.CronSchedule).Msg("Falling back to interval ticks")
	}

	ticker := time.NewTicker(time.Duration(cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tickFromLoop(w, "interval")
		case <-stopCh:
			return
		}
	}
}

func (s *Service) runCron(w *watch, sched cron.Schedule, stopCh <-chan struct{}) {
	for {
		next := sched.Next(s.nowFn())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			s.tickFromLoop(w, "cron")
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}

func (s *Service) tickFromLoop(w *watch, reason string) {
	if _, err := s.TickWorkspace(context.Background(), w.ws, TickOpts{Reason: reason}); err != nil {
		s.logger.Error().Err(err).Str("workspace", w.ws.Root()).Msg("Heartbeat tick failed")
	}
}

// Close stops every loop and refuses further observations.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watches := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		watches = append(watches, w)
	}
	s.mu.Unlock()

	for _, w := range watches {
		s.stopLoop(w)
	}
	s.logger.Info().Int("workspaces", len(watches)).Msg("Heartbeat service closed")
	return nil
}
