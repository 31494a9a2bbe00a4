package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/lane"
	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/provider"
	"github.com/agentbureau/bureau/pkg/redact"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

const (
	// rawChunkLimit caps the payload of a single provider.raw event.
	// Reads use a buffer of this size, so oversize output is split
	// across events naturally.
	rawChunkLimit = 8 * 1024

	// stopGracePeriod is how long a stopped child gets between SIGTERM
	// and SIGKILL.
	stopGracePeriod = 5 * time.Second
)

// LaunchSpec describes one worker child process to run under an
// existing run record.
type LaunchSpec struct {
	Workspace        *workspace.Workspace
	ProjectID        string
	RunID            string
	Argv             []string
	Env              map[string]string
	StdinText        string
	FinalTextFileAbs string
	Parser           string

	// Lane admission knobs. Zero values fall back to the lane defaults.
	Priority       lane.Priority
	WorkspaceLimit int
	ProviderLimit  int
}

// PollResult reports where a session currently is in its lifecycle.
type PollResult struct {
	Status   types.RunStatus `json:"status"`
	ExitCode *int            `json:"exit_code,omitempty"`
}

// CollectResult is the terminal summary of a session.
type CollectResult struct {
	Status         types.RunStatus `json:"status"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	OutputRelpaths []string        `json:"output_relpaths"`
	Usage          *types.RunUsage `json:"usage,omitempty"`
}

type rawChunk struct {
	stream string
	data   []byte
}

type session struct {
	ref        string
	ws         *workspace.Workspace
	spec       LaunchSpec
	run        *types.Run
	elog       *eventlog.Log
	eventsPath string
	logger     zerolog.Logger

	workDir    string
	cmd        *exec.Cmd
	stdoutPipe io.ReadCloser
	stderrPipe io.ReadCloser
	stdoutFile *os.File
	stderrFile *os.File
	stdoutText bytes.Buffer
	stderrText bytes.Buffer

	mu            sync.Mutex
	status        types.RunStatus
	exitCode      *int
	stopRequested bool
	killTimer     *time.Timer

	done chan struct{}
}

// LaunchGuard vets the provider binary before any child process
// spawns. Satisfied by provider.Guard.
type LaunchGuard interface {
	Check(providerName, bin string) provider.GuardResult
}

// Runtime launches worker child processes and tracks their sessions
// until the terminal run state is recorded. Session refs are only
// valid for the lifetime of the server process; run.yaml and the event
// log are the durable record.
type Runtime struct {
	elog   *eventlog.Log
	lane   *lane.Lane
	guard  LaunchGuard
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	byRun    map[string]string
}

// NewRuntime builds a session runtime appending through elog and
// admitting launches through ln.
func NewRuntime(elog *eventlog.Log, ln *lane.Lane) *Runtime {
	return &Runtime{
		elog:     elog,
		lane:     ln,
		logger:   log.WithComponent("session"),
		sessions: make(map[string]*session),
		byRun:    make(map[string]string),
	}
}

// SetGuard installs the execution guard consulted on every Launch. No
// guard means no pre-launch vetting, which tests rely on.
func (rt *Runtime) SetGuard(g LaunchGuard) { rt.guard = g }

// Launch admits the spec through the launch lane, spawns the child,
// and returns its session ref once the process is executing. The
// session keeps draining output and finalizing the run after Launch
// returns; callers follow up with Poll or Collect.
//
// The run record must already exist with status running. A run with a
// live session cannot be launched twice.
func (rt *Runtime) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	if spec.Workspace == nil {
		return "", errdefs.Validationf("workspace is required")
	}
	if len(spec.Argv) == 0 {
		return "", errdefs.Validationf("argv is empty")
	}
	ws := spec.Workspace

	run, err := ws.LoadRun(spec.ProjectID, spec.RunID)
	if err != nil {
		return "", err
	}
	if run.Status != types.RunStatusRunning {
		return "", errdefs.Conflictf("run %s is %s; launch requires status running", run.RunID, run.Status)
	}

	if rt.guard != nil {
		if res := rt.guard.Check(run.Provider, spec.Argv[0]); !res.OK {
			return "", &provider.SubscriptionRequiredError{
				Provider: run.Provider,
				Bin:      spec.Argv[0],
				Reason:   res.Reason,
			}
		}
	}

	machine, err := ws.LoadMachineConfig()
	if err != nil {
		return "", err
	}
	plan, err := planWorktree(ws, run, machine)
	if err != nil {
		return "", err
	}

	s := &session{
		ref:        "sess-" + uuid.NewString(),
		ws:         ws,
		spec:       spec,
		run:        run,
		elog:       rt.elog,
		eventsPath: ws.EventsPath(spec.ProjectID, spec.RunID),
		workDir:    ws.Root(),
		status:     types.RunStatusRunning,
		done:       make(chan struct{}),
	}
	s.logger = rt.logger.With().
		Str("session_ref", s.ref).
		Str("run_id", run.RunID).
		Str("provider", run.Provider).
		Logger()

	if err := rt.register(s); err != nil {
		return "", err
	}

	spawned := make(chan error, 1)
	go func() {
		doErr := rt.lane.Do(ctx, ws, lane.Opts{
			Provider:       run.Provider,
			Priority:       spec.Priority,
			WorkspaceLimit: spec.WorkspaceLimit,
			ProviderLimit:  spec.ProviderLimit,
		}, func() error {
			if err := s.spawn(ctx, plan); err != nil {
				spawned <- err
				return err
			}
			spawned <- nil
			s.serve()
			return nil
		})
		if doErr != nil {
			// fn never ran (queue cancellation) or spawn already
			// reported through the channel; the buffered send below
			// is a no-op in the latter case.
			select {
			case spawned <- doErr:
			default:
			}
		}
	}()

	if err := <-spawned; err != nil {
		s.abort(err)
		rt.unregister(s)
		return "", err
	}

	s.logger.Info().Strs("argv", redact.RedactArgs(spec.Argv)).Msg("Session launched")
	return s.ref, nil
}

// Poll reports the session's current status without blocking.
func (rt *Runtime) Poll(ref string) (*PollResult, error) {
	s, err := rt.get(ref)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &PollResult{Status: s.status, ExitCode: s.exitCode}, nil
}

// Collect blocks until the session reaches a terminal state (or ctx
// is done) and returns the run summary including output paths and
// usage.
func (rt *Runtime) Collect(ctx context.Context, ref string) (*CollectResult, error) {
	s, err := rt.get(ref)
	if err != nil {
		return nil, err
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	status := s.status
	exitCode := s.exitCode
	s.mu.Unlock()

	relpaths, err := s.outputRelpaths()
	if err != nil {
		return nil, err
	}
	return &CollectResult{
		Status:         status,
		ExitCode:       exitCode,
		OutputRelpaths: relpaths,
		Usage:          s.run.Usage,
	}, nil
}

// Stop asks the session's process group to terminate. The child gets
// SIGTERM immediately and SIGKILL after a grace period; the session
// finalizes with status stopped. Stopping an already terminal session
// is a no-op.
func (rt *Runtime) Stop(ref string) error {
	s, err := rt.get(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return errdefs.Conflictf("session %s has no running process", ref)
	}

	pid := s.cmd.Process.Pid
	if !s.stopRequested {
		s.stopRequested = true
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			s.logger.Warn().Err(err).Int("pid", pid).Msg("Failed to signal process group")
		}
		s.killTimer = time.AfterFunc(stopGracePeriod, func() {
			if kerr := syscall.Kill(-pid, syscall.SIGKILL); kerr == nil {
				s.logger.Warn().Int("pid", pid).Msg("Escalated stop to SIGKILL")
			}
		})
		s.logger.Info().Int("pid", pid).Msg("Stop requested")
	}
	return nil
}

// Shutdown stops every live session and waits for them to finalize
// or for ctx to expire.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	live := make([]*session, 0, len(rt.sessions))
	for _, s := range rt.sessions {
		live = append(live, s)
	}
	rt.mu.Unlock()

	for _, s := range live {
		s.mu.Lock()
		terminal := s.status.Terminal()
		s.mu.Unlock()
		if !terminal {
			if err := rt.Stop(s.ref); err != nil && !errdefs.IsConflict(err) {
				rt.logger.Warn().Err(err).Str("session_ref", s.ref).Msg("Failed to stop session during shutdown")
			}
		}
	}

	for _, s := range live {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("failed to drain sessions: %w", ctx.Err())
		}
	}
	return nil
}

func (rt *Runtime) get(ref string) (*session, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.sessions[ref]
	if !ok {
		return nil, errdefs.NotFoundf("session %s not found", ref)
	}
	return s, nil
}

func (rt *Runtime) register(s *session) error {
	key := s.run.ProjectID + "/" + s.run.RunID
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if prevRef, ok := rt.byRun[key]; ok {
		if prev, live := rt.sessions[prevRef]; live {
			prev.mu.Lock()
			terminal := prev.status.Terminal()
			prev.mu.Unlock()
			if !terminal {
				return errdefs.Conflictf("run %s already has live session %s", s.run.RunID, prevRef)
			}
		}
	}
	rt.sessions[s.ref] = s
	rt.byRun[key] = s.ref
	return nil
}

func (rt *Runtime) unregister(s *session) {
	key := s.run.ProjectID + "/" + s.run.RunID
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.sessions, s.ref)
	if rt.byRun[key] == s.ref {
		delete(rt.byRun, key)
	}
}

// spawn prepares the worktree, appends the launch events, and starts
// the child process. It runs inside the lane slot; any error here is
// reported back through the Launch handshake.
func (s *session) spawn(ctx context.Context, plan *worktreePlan) error {
	if plan != nil {
		if err := prepareWorktree(ctx, plan); err != nil {
			return err
		}
		s.workDir = plan.Dir
		if rel, err := s.ws.Rel(plan.Dir); err == nil {
			s.run.Spec.WorktreeRelpath = rel
		}
		s.run.Spec.WorktreeBranch = plan.Branch
		if err := s.appendEvent(types.EventWorktreePrepared, types.VisibilityTeam, map[string]any{
			"repo_id": plan.RepoID,
			"relpath": s.run.Spec.WorktreeRelpath,
			"branch":  plan.Branch,
		}); err != nil {
			return err
		}
	}

	outputs := s.ws.OutputsDir(s.run.ProjectID, s.run.RunID)
	if err := workspace.EnsureDir(outputs); err != nil {
		return err
	}

	if s.spec.StdinText != "" {
		stdinPath := filepath.Join(outputs, "stdin.txt")
		if err := workspace.WriteFileAtomic(stdinPath, []byte(s.spec.StdinText), 0644); err != nil {
			return fmt.Errorf("failed to persist stdin: %w", err)
		}
		if rel, err := s.ws.Rel(stdinPath); err == nil {
			s.run.Spec.StdinRelpath = rel
		}
	}

	if err := s.appendEvent(types.EventRunStarted, types.VisibilityTeam, map[string]any{
		"argv_redacted": redact.RedactArgs(s.spec.Argv),
		"provider":      s.run.Provider,
		"cwd":           s.workDir,
	}); err != nil {
		return err
	}

	stdoutFile, err := os.OpenFile(filepath.Join(outputs, "stdout.txt"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stdout mirror: %w", err)
	}
	stderrFile, err := os.OpenFile(filepath.Join(outputs, "stderr.txt"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		stdoutFile.Close()
		return fmt.Errorf("failed to open stderr mirror: %w", err)
	}

	cmd := exec.Command(s.spec.Argv[0], s.spec.Argv[1:]...)
	cmd.Dir = s.workDir
	cmd.Env = os.Environ()
	for k, v := range s.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if s.spec.StdinText != "" {
		cmd.Stdin = strings.NewReader(s.spec.StdinText)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return fmt.Errorf("failed to start provider process: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.stdoutPipe = stdoutPipe
	s.stderrPipe = stderrPipe
	s.stdoutFile = stdoutFile
	s.stderrFile = stderrFile

	// The child is live from here on; an append failure must not leak
	// it, so serve() still runs and finalizes.
	if err := s.appendEvent(types.EventRunExecuting, types.VisibilityTeam, map[string]any{
		"pid": cmd.Process.Pid,
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append executing event")
	}
	return nil
}

// serve drains the child's streams and finalizes the run. It occupies
// the lane slot for the whole child lifetime.
func (s *session) serve() {
	defer close(s.done)

	metrics.RunsActive.WithLabelValues(s.run.Provider).Inc()
	defer metrics.RunsActive.WithLabelValues(s.run.Provider).Dec()

	// A single writer goroutine owns provider.raw appends so chunks
	// from the two streams never interleave within the log.
	chunks := make(chan rawChunk, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for c := range chunks {
			if err := s.appendEvent(types.EventProviderRaw, types.VisibilityPrivateAgent, map[string]any{
				"stream": c.stream,
				"chunk":  string(c.data),
			}); err != nil {
				s.logger.Warn().Err(err).Str("stream", c.stream).Msg("Failed to append provider chunk")
			}
		}
	}()

	var eg errgroup.Group
	eg.Go(func() error {
		return s.drain("stdout", s.stdoutPipe, s.stdoutFile, &s.stdoutText, chunks)
	})
	eg.Go(func() error {
		return s.drain("stderr", s.stderrPipe, s.stderrFile, &s.stderrText, chunks)
	})
	readErr := eg.Wait()
	close(chunks)
	<-writerDone

	waitErr := s.cmd.Wait()
	s.stdoutFile.Close()
	s.stderrFile.Close()

	s.mu.Lock()
	if s.killTimer != nil {
		s.killTimer.Stop()
	}
	s.mu.Unlock()

	s.finalize(readErr, waitErr)
}

// drain reads one stream in rawChunkLimit slices, mirroring bytes to
// the outputs file and forwarding each slice to the event writer.
func (s *session) drain(stream string, r io.Reader, mirror *os.File, capture *bytes.Buffer, chunks chan<- rawChunk) error {
	buf := make([]byte, rawChunkLimit)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if _, werr := mirror.Write(data); werr != nil {
				s.logger.Warn().Err(werr).Str("stream", stream).Msg("Failed to mirror provider output")
			}
			capture.Write(data)
			chunks <- rawChunk{stream: stream, data: data}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read provider %s: %w", stream, err)
		}
	}
}

// finalize records usage, applies the budget gate, appends the
// terminal event, and persists run.yaml. Terminal states are sticky;
// nothing after this changes the run.
func (s *session) finalize(readErr, waitErr error) {
	exit := 0
	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			exit = ee.ExitCode()
		} else {
			exit = -1
			s.logger.Warn().Err(waitErr).Msg("Child wait failed")
		}
	}

	s.mu.Lock()
	stopRequested := s.stopRequested
	s.exitCode = &exit
	s.mu.Unlock()

	stdoutText := s.stdoutText.String()
	stderrText := s.stderrText.String()

	if s.spec.Parser == provider.ParserClaudeStreamJSON && s.spec.FinalTextFileAbs != "" {
		parsed := parseClaudeStream(stdoutText)
		if parsed.FinalText != "" {
			if err := workspace.WriteFileAtomic(s.spec.FinalTextFileAbs, []byte(parsed.FinalText), 0644); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to write final message file")
			}
		}
	}

	counts, reported := extractUsage(stdoutText + "\n" + stderrText)
	source := types.UsageSourceProviderReported
	if !reported {
		est := estimateTokens(len(stdoutText) + len(stderrText))
		counts = usageCounts{Output: est, Total: est}
		source = types.UsageSourceEstimatedChars
	}

	var cost *float64
	if machine, err := s.ws.LoadMachineConfig(); err == nil {
		cost = computeCost(counts, machine.ProviderPricing, s.run.Provider)
	}
	usage := runUsage(counts, source, cost)

	usageType := types.EventUsageReported
	if source == types.UsageSourceEstimatedChars {
		usageType = types.EventUsageEstimated
	}
	usagePayload := map[string]any{
		"source":        string(source),
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"total_tokens":  usage.TotalTokens,
	}
	if cost != nil {
		usagePayload["cost_usd"] = *cost
	}
	if err := s.appendEvent(usageType, types.VisibilityTeam, usagePayload); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append usage event")
	}

	metrics.UsageTokensTotal.WithLabelValues(s.run.Provider, string(source)).Add(float64(usage.TotalTokens))
	if cost != nil {
		metrics.UsageCostUSDTotal.WithLabelValues(s.run.Provider).Add(*cost)
	}

	status := types.RunStatusEnded
	switch {
	case stopRequested:
		status = types.RunStatusStopped
	case exit != 0:
		status = types.RunStatusFailed
	case readErr != nil:
		status = types.RunStatusFailed
	}

	if cost != nil {
		status = s.applyBudget(status, *cost)
	}

	terminalType := types.EventRunEnded
	switch status {
	case types.RunStatusFailed:
		terminalType = types.EventRunFailed
	case types.RunStatusStopped:
		terminalType = types.EventRunStopped
	}
	if err := s.appendEvent(terminalType, types.VisibilityTeam, map[string]any{
		"exit_code": exit,
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append terminal event")
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	s.run.Status = status
	s.run.Usage = usage
	if err := s.ws.SaveRun(s.run); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist run record")
	}

	metrics.RunsTotal.WithLabelValues(s.run.Provider, string(status)).Inc()
	s.logger.Info().
		Str("status", string(status)).
		Int("exit_code", exit).
		Str("usage_source", string(source)).
		Msg("Session finished")
}

// applyBudget appends budget.decision against the project's hard cost
// ceiling and forces failed when it is exceeded.
func (s *session) applyBudget(status types.RunStatus, cost float64) types.RunStatus {
	project, err := s.ws.LoadProject(s.run.ProjectID)
	if err != nil || project.Budget == nil || project.Budget.HardCostUSD == nil {
		return status
	}
	hard := *project.Budget.HardCostUSD

	result := "within"
	if cost > hard {
		result = "exceeded"
	}
	if err := s.appendEvent(types.EventBudgetDecision, types.VisibilityManagers, map[string]any{
		"result":        result,
		"cost_usd":      cost,
		"hard_cost_usd": hard,
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append budget decision")
	}
	if result != "exceeded" {
		return status
	}

	if err := s.appendEvent(types.EventBudgetExceeded, types.VisibilityManagers, map[string]any{
		"cost_usd":      cost,
		"hard_cost_usd": hard,
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append budget breach")
	}
	s.logger.Warn().Float64("cost_usd", cost).Float64("hard_cost_usd", hard).Msg("Run exceeded hard budget")
	if status == types.RunStatusEnded {
		return types.RunStatusFailed
	}
	return status
}

// abort records a launch that never reached the executing child: the
// run is marked failed so it does not linger as a phantom running
// record.
func (s *session) abort(cause error) {
	s.mu.Lock()
	s.status = types.RunStatusFailed
	s.mu.Unlock()

	if err := s.appendEvent(types.EventRunFailed, types.VisibilityTeam, map[string]any{
		"error": cause.Error(),
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append launch failure")
	}

	s.run.Status = types.RunStatusFailed
	if err := s.ws.SaveRun(s.run); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist failed run record")
	}
	metrics.RunsTotal.WithLabelValues(s.run.Provider, string(types.RunStatusFailed)).Inc()
	s.logger.Warn().Err(cause).Msg("Launch aborted")
	close(s.done)
}

func (s *session) appendEvent(eventType string, vis types.Visibility, payload map[string]any) error {
	_, err := s.elog.Append(s.eventsPath, &types.Event{
		RunID:      s.run.RunID,
		SessionRef: s.ref,
		Actor:      "agent:" + s.run.AgentID,
		Visibility: vis,
		Type:       eventType,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	return nil
}

// outputRelpaths lists the files under outputs/ as workspace-relative
// paths, sorted by filepath.WalkDir order.
func (s *session) outputRelpaths() ([]string, error) {
	outputs := s.ws.OutputsDir(s.run.ProjectID, s.run.RunID)
	var rels []string
	err := filepath.WalkDir(outputs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := s.ws.Rel(path)
		if rerr != nil {
			return rerr
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	return rels, nil
}
