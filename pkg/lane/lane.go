package lane

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Priority orders queued launches. High jumps ahead of queued normal
// waiters but never preempts a launch that is already running.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Defaults applied when the corresponding Opts or Backoff field is zero.
const (
	DefaultWorkspaceLimit = 4
	DefaultProviderLimit  = 2
	DefaultCooldownBase   = 15 * time.Second
	DefaultCooldownMax    = 5 * time.Minute
)

// Opts parameterizes a single admission request.
type Opts struct {
	Provider       string
	Priority       Priority
	WorkspaceLimit int
	ProviderLimit  int
}

// Backoff bounds the exponential provider cooldown.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Cooldown describes an active provider cooldown.
type Cooldown struct {
	Reason  string    `json:"reason"`
	Until   time.Time `json:"until"`
	Reports int       `json:"reports"`
}

// Stats is the observability snapshot returned by lane.stats.
type Stats struct {
	Pending           int                 `json:"pending"`
	Running           int                 `json:"running"`
	ProviderCooldowns map[string]Cooldown `json:"provider_cooldowns"`
}

type waiter struct {
	provider      string
	priority      Priority
	wsLimit       int
	providerLimit int
	ready         chan struct{}
	admitted      bool
}

type cooldown struct {
	reason  string
	until   time.Time
	reports int
}

type wsState struct {
	running     int
	perProvider map[string]int
	high        []*waiter
	normal      []*waiter
	cooldowns   map[string]*cooldown
	timer       *time.Timer
}

// Lane is the single admission point for session launches. It bounds
// in-flight launches per workspace and per (workspace, provider) pair
// and honors provider cooldowns set after backpressure reports.
type Lane struct {
	mu     sync.Mutex
	ws     map[string]*wsState
	logger zerolog.Logger
}

// New creates an empty lane. The server owns exactly one.
func New() *Lane {
	return &Lane{
		ws:     make(map[string]*wsState),
		logger: log.WithComponent("lane"),
	}
}

// Do admits fn under the workspace and provider limits, runs it, and
// returns fn's error. Queued callers block until a slot frees or ctx is
// cancelled; a cancelled waiter frees its queue slot.
func (l *Lane) Do(ctx context.Context, ws *workspace.Workspace, opts Opts, fn func() error) error {
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if opts.WorkspaceLimit <= 0 {
		opts.WorkspaceLimit = DefaultWorkspaceLimit
	}
	if opts.ProviderLimit <= 0 {
		opts.ProviderLimit = DefaultProviderLimit
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	root := ws.Root()
	w := &waiter{
		provider:      opts.Provider,
		priority:      opts.Priority,
		wsLimit:       opts.WorkspaceLimit,
		providerLimit: opts.ProviderLimit,
		ready:         make(chan struct{}),
	}

	l.mu.Lock()
	st := l.state(root)
	if w.priority == PriorityHigh {
		st.high = append(st.high, w)
	} else {
		st.normal = append(st.normal, w)
	}
	metrics.LanePending.WithLabelValues(string(w.priority)).Inc()
	l.pump(root, st)
	l.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		l.mu.Lock()
		if !w.admitted {
			st.removeWaiter(w)
			metrics.LanePending.WithLabelValues(string(w.priority)).Dec()
			l.gc(root, st)
			l.mu.Unlock()
			return ctx.Err()
		}
		// Admission raced the cancellation; give the slot back.
		l.release(root, st, w)
		l.mu.Unlock()
		return ctx.Err()
	}

	err := fn()

	l.mu.Lock()
	l.release(root, st, w)
	l.mu.Unlock()
	return err
}

// ReportBackpressure puts a provider on cooldown. Consecutive reports
// double the cooldown duration, bounded by Max; ClearCooldown resets
// the streak. Returns the time the cooldown lifts.
func (l *Lane) ReportBackpressure(ws *workspace.Workspace, provider, reason string, b Backoff) time.Time {
	if b.Base <= 0 {
		b.Base = DefaultCooldownBase
	}
	if b.Max <= 0 {
		b.Max = DefaultCooldownMax
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	root := ws.Root()
	st := l.state(root)
	cd := st.cooldowns[provider]
	if cd == nil {
		cd = &cooldown{}
		st.cooldowns[provider] = cd
	}
	cd.reports++
	d := b.Base
	for i := 1; i < cd.reports; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	cd.reason = reason
	cd.until = time.Now().Add(d)

	l.logger.Warn().
		Str("workspace", root).
		Str("provider", provider).
		Str("reason", reason).
		Dur("cooldown", d).
		Int("reports", cd.reports).
		Msg("Provider cooldown set")
	l.refreshCooldownGauge()
	l.rearm(root, st, time.Now())
	return cd.until
}

// ClearCooldown lifts a provider cooldown and resets its report streak.
func (l *Lane) ClearCooldown(ws *workspace.Workspace, provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	root := ws.Root()
	st, ok := l.ws[root]
	if !ok {
		return
	}
	if _, ok := st.cooldowns[provider]; !ok {
		return
	}
	delete(st.cooldowns, provider)
	l.logger.Info().Str("workspace", root).Str("provider", provider).Msg("Provider cooldown cleared")
	l.refreshCooldownGauge()
	l.pump(root, st)
	l.gc(root, st)
}

// Stats reports queue depth, in-flight count, and active cooldowns for
// one workspace.
func (l *Lane) Stats(ws *workspace.Workspace) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{ProviderCooldowns: map[string]Cooldown{}}
	st, ok := l.ws[ws.Root()]
	if !ok {
		return s
	}
	s.Pending = len(st.high) + len(st.normal)
	s.Running = st.running
	now := time.Now()
	for provider, cd := range st.cooldowns {
		if cd.until.After(now) {
			s.ProviderCooldowns[provider] = Cooldown{Reason: cd.reason, Until: cd.until, Reports: cd.reports}
		}
	}
	return s
}

// Gauges aggregates queue depth by priority, running count, and active
// cooldowns across every workspace, for the metrics collector.
func (l *Lane) Gauges() (pendingByPriority map[string]int, running int, cooldowns int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pendingByPriority = map[string]int{
		string(PriorityHigh):   0,
		string(PriorityNormal): 0,
	}
	now := time.Now()
	for _, st := range l.ws {
		pendingByPriority[string(PriorityHigh)] += len(st.high)
		pendingByPriority[string(PriorityNormal)] += len(st.normal)
		running += st.running
		for _, cd := range st.cooldowns {
			if cd.until.After(now) {
				cooldowns++
			}
		}
	}
	return pendingByPriority, running, cooldowns
}

// Close stops pending cooldown timers. Waiters are not aborted; cancel
// their contexts before closing.
func (l *Lane) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.ws {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}

func (l *Lane) state(root string) *wsState {
	st, ok := l.ws[root]
	if !ok {
		st = &wsState{
			perProvider: make(map[string]int),
			cooldowns:   make(map[string]*cooldown),
		}
		l.ws[root] = st
	}
	return st
}

// pump admits every admissible waiter in priority order. Caller holds
// l.mu.
func (l *Lane) pump(root string, st *wsState) {
	now := time.Now()
	for {
		w := st.pick(now)
		if w == nil {
			break
		}
		st.removeWaiter(w)
		st.running++
		if w.provider != "" {
			st.perProvider[w.provider]++
		}
		w.admitted = true
		metrics.LanePending.WithLabelValues(string(w.priority)).Dec()
		metrics.LaneRunning.Inc()
		close(w.ready)
	}
	l.rearm(root, st, now)
}

// release returns an admitted waiter's slot and re-pumps. Caller holds
// l.mu.
func (l *Lane) release(root string, st *wsState, w *waiter) {
	st.running--
	if w.provider != "" {
		if st.perProvider[w.provider]--; st.perProvider[w.provider] <= 0 {
			delete(st.perProvider, w.provider)
		}
	}
	metrics.LaneRunning.Dec()
	l.pump(root, st)
	l.gc(root, st)
}

// gc drops the per-workspace record once nothing references it.
// Cooldown records keep it alive so report streaks survive idle gaps.
func (l *Lane) gc(root string, st *wsState) {
	if st.running == 0 && len(st.high)+len(st.normal) == 0 && len(st.cooldowns) == 0 {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(l.ws, root)
	}
}

// rearm schedules a pump at the earliest active cooldown expiry so
// waiters blocked only by a cooldown wake without outside help. Caller
// holds l.mu.
func (l *Lane) rearm(root string, st *wsState, now time.Time) {
	if len(st.high)+len(st.normal) == 0 {
		return
	}
	var earliest time.Time
	for _, cd := range st.cooldowns {
		if cd.until.After(now) && (earliest.IsZero() || cd.until.Before(earliest)) {
			earliest = cd.until
		}
	}
	if earliest.IsZero() {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(earliest.Sub(now), func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.ws[root]; ok {
			l.pump(root, cur)
		}
	})
}

func (l *Lane) refreshCooldownGauge() {
	now := time.Now()
	active := 0
	for _, st := range l.ws {
		for _, cd := range st.cooldowns {
			if cd.until.After(now) {
				active++
			}
		}
	}
	metrics.LaneCooldownsActive.Set(float64(active))
}

// pick returns the first admissible waiter, high queue before normal.
// Inadmissible waiters are skipped, not blocked on, so one cooled-down
// provider never stalls launches for the rest.
func (st *wsState) pick(now time.Time) *waiter {
	for _, q := range [][]*waiter{st.high, st.normal} {
		for _, w := range q {
			if st.running >= w.wsLimit {
				continue
			}
			if w.provider != "" {
				if cd, ok := st.cooldowns[w.provider]; ok && cd.until.After(now) {
					continue
				}
				if st.perProvider[w.provider] >= w.providerLimit {
					continue
				}
			}
			return w
		}
	}
	return nil
}

func (st *wsState) removeWaiter(target *waiter) {
	for i, w := range st.high {
		if w == target {
			st.high = append(st.high[:i], st.high[i+1:]...)
			return
		}
	}
	for i, w := range st.normal {
		if w == target {
			st.normal = append(st.normal[:i], st.normal[i+1:]...)
			return
		}
	}
}
