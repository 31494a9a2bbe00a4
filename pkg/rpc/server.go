package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/governance"
	"github.com/agentbureau/bureau/pkg/heartbeat"
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/lane"
	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/session"
	"github.com/agentbureau/bureau/pkg/sharepack"
	"github.com/agentbureau/bureau/pkg/snapshot"
	"github.com/agentbureau/bureau/pkg/workspace"
)

const (
	// maxLineBytes bounds one request line. Prompts ride inside
	// session.launch params, so the ceiling is generous.
	maxLineBytes = 8 << 20

	// outBufferLines is the writer queue depth per connection.
	outBufferLines = 256
)

// Deps are the domain services the RPC surface adapts. Nil fields
// disable the methods that need them, which handlers report as
// validation errors rather than panics.
type Deps struct {
	Log        *eventlog.Log
	Bus        *eventlog.Bus
	Index      *index.Index
	SyncWorker *index.SyncWorker
	Runtime    *session.Runtime
	Lane       *lane.Lane
	Governance *governance.Service
	Heartbeat  *heartbeat.Service
	Snapshots  *snapshot.Service
	Exporter   *sharepack.Exporter
}

type handlerFunc func(ctx context.Context, c *conn, params json.RawMessage) (any, error)

// Server routes method calls to domain services. One Server instance
// serves any number of connections.
type Server struct {
	deps     Deps
	methods  map[string]handlerFunc
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewServer builds the method table over deps.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		validate: validator.New(),
		logger:   log.WithComponent("rpc"),
	}
	s.methods = map[string]handlerFunc{
		"workspace.init":                          s.workspaceInit,
		"workspace.project.create_with_defaults":  s.projectCreateWithDefaults,
		"workspace.describe":                      s.workspaceDescribe,
		"run.create":                              s.runCreate,
		"run.get":                                 s.runGet,
		"run.list":                                s.runList,
		"session.launch":                          s.sessionLaunch,
		"session.poll":                            s.sessionPoll,
		"session.collect":                         s.sessionCollect,
		"session.stop":                            s.sessionStop,
		"events.subscribe":                        s.eventsSubscribe,
		"events.ack":                              s.eventsAck,
		"events.unsubscribe":                      s.eventsUnsubscribe,
		"events.replay":                           s.eventsReplay,
		"memory.propose_delta":                    s.memoryProposeDelta,
		"memory.approve_delta":                    s.memoryApproveDelta,
		"task.create":                             s.taskCreate,
		"task.set_status":                         s.taskSetStatus,
		"task.report_milestone":                   s.taskReportMilestone,
		"milestone.approve":                       s.milestoneApprove,
		"inbox.list":                              s.inboxList,
		"inbox.resolve":                           s.inboxResolve,
		"conversation.create":                     s.conversationCreate,
		"conversation.post":                       s.conversationPost,
		"conversation.messages":                   s.conversationMessages,
		"help.request":                            s.helpRequest,
		"help.list":                               s.helpList,
		"help.resolve":                            s.helpResolve,
		"artifact.read":                           s.artifactRead,
		"artifact.list":                           s.artifactList,
		"pm.snapshot":                             s.pmSnapshot,
		"pm.apply_allocations":                    s.pmApplyAllocations,
		"monitor.runs":                            s.monitorRuns,
		"review.inbox":                            s.reviewInbox,
		"colleagues.snapshot":                     s.colleaguesSnapshot,
		"resources.snapshot":                      s.resourcesSnapshot,
		"usage.reconcile":                         s.usageReconcile,
		"sharepack.export":                        s.sharepackExport,
		"provider.list":                           s.providerList,
		"lane.stats":                              s.laneStats,
		"heartbeat.status":                        s.heartbeatStatus,
		"heartbeat.set_config":                    s.heartbeatSetConfig,
		"heartbeat.tick":                          s.heartbeatTick,
		"heartbeat.submit_report":                 s.heartbeatSubmitReport,
		"index.rebuild":                           s.indexRebuild,
		"index.sync":                              s.indexSync,
		"index.sync_worker_flush":                 s.indexSyncWorkerFlush,
		"index.sync_worker_status":                s.indexSyncWorkerStatus,
		"admin.recover_crashed_runs":              s.adminRecoverCrashedRuns,
	}
	return s
}

// conn is one client connection: the writer queue feeding the single
// writer goroutine, plus the subscriptions living on the connection.
type conn struct {
	out    chan []byte
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// ServeConn runs the dispatch loop over one duplex stream until the
// reader is exhausted or ctx is cancelled. Requests dispatch
// concurrently; in-flight handlers are cancelled and drained before
// ServeConn returns, and all subscriptions die with the connection.
func (s *Server) ServeConn(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{
		out:    make(chan []byte, outBufferLines),
		logger: s.logger,
		subs:   make(map[string]*subscription),
	}
	writerDone := make(chan struct{})
	go c.writeLoop(w, writerDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		buf := append([]byte(nil), line...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatch(ctx, c, buf)
		}()
	}
	readErr := scanner.Err()
	cancelled := ctx.Err() != nil

	cancel()
	wg.Wait()
	c.closeSubs(s.deps.Bus)
	close(c.out)
	<-writerDone

	if readErr != nil && !cancelled {
		return fmt.Errorf("failed to read request stream: %w", readErr)
	}
	return nil
}

// Serve accepts connections until ctx is cancelled, one ServeConn per
// connection.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	for {
		nc, err := l.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		s.logger.Info().Str("remote", nc.RemoteAddr().String()).Msg("Client connected")
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer nc.Close()
			if err := s.ServeConn(ctx, nc, nc); err != nil {
				s.logger.Warn().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("Connection ended with error")
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		c.send(response{JSONRPC: protocolVersion, Error: &rpcError{
			Code:    codeParseError,
			Message: fmt.Sprintf("parse error: %v", err),
		}})
		return
	}
	if req.JSONRPC != protocolVersion || req.Method == "" {
		c.send(response{JSONRPC: protocolVersion, ID: req.ID, Error: &rpcError{
			Code:    codeInvalidRequest,
			Message: "invalid request",
		}})
		return
	}
	handler, ok := s.methods[req.Method]
	if !ok {
		if len(req.ID) == 0 {
			s.logger.Debug().Str("method", req.Method).Msg("Dropping notification for unknown method")
			return
		}
		c.send(response{JSONRPC: protocolVersion, ID: req.ID, Error: &rpcError{
			Code:    codeMethodNotFound,
			Message: fmt.Sprintf("unknown method %q", req.Method),
		}})
		return
	}

	start := time.Now()
	result, err := handler(ctx, c, req.Params)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(req.Method, status).Inc()
	metrics.RPCRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	if err != nil {
		s.logger.Debug().Err(err).Str("method", req.Method).Msg("Request failed")
	}
	if len(req.ID) == 0 {
		return
	}
	if err != nil {
		c.send(response{JSONRPC: protocolVersion, ID: req.ID, Error: toError(err)})
		return
	}
	if result == nil {
		result = struct{}{}
	}
	c.send(response{JSONRPC: protocolVersion, ID: req.ID, Result: result})
}

// decode fills params into v and validates it. Absent params decode as
// all-zero values, which validation then judges.
func (s *Server) decode(params json.RawMessage, v any) error {
	if len(params) > 0 {
		if err := json.Unmarshal(params, v); err != nil {
			return errdefs.Validationf("malformed params: %v", err)
		}
	}
	return s.validate.Struct(v)
}

// openWorkspace resolves a workspace_dir param and fires the
// observation side-effects every workspace-scoped method carries.
func (s *Server) openWorkspace(dir string) (*workspace.Workspace, error) {
	ws, err := workspace.Open(dir)
	if err != nil {
		return nil, err
	}
	s.observe(ws)
	return ws, nil
}

// observe tells the heartbeat about the workspace and nudges the index
// sync worker. Both are best effort.
func (s *Server) observe(ws *workspace.Workspace) {
	if s.deps.Heartbeat != nil {
		if err := s.deps.Heartbeat.ObserveWorkspace(ws); err != nil {
			s.logger.Warn().Err(err).Str("workspace", ws.Root()).Msg("Failed to observe workspace")
		}
	}
	if s.deps.SyncWorker != nil {
		s.deps.SyncWorker.Notify(ws)
	}
}

// observeDir handles workspace_dir values nested inside payloads, such
// as job actions targeting another workspace.
func (s *Server) observeDir(dir string) {
	if dir == "" {
		return
	}
	ws, err := workspace.Open(dir)
	if err != nil {
		s.logger.Warn().Err(err).Str("workspace", dir).Msg("Failed to open nested workspace")
		return
	}
	s.observe(ws)
}

// send marshals and queues one output line for the writer goroutine.
func (c *conn) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal output line")
		return
	}
	c.out <- b
}

// writeLoop is the single writer. It drains out until the channel
// closes so no sender ever blocks on a dead connection, discarding
// lines after the first write error.
func (c *conn) writeLoop(w io.Writer, done chan<- struct{}) {
	defer close(done)
	bw := bufio.NewWriter(w)
	failed := false
	for b := range c.out {
		if failed {
			continue
		}
		if err := writeLine(bw, b); err != nil {
			failed = true
			c.logger.Debug().Err(err).Msg("Connection write failed; discarding further output")
		}
	}
}

func writeLine(bw *bufio.Writer, b []byte) error {
	if _, err := bw.Write(b); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	return bw.Flush()
}
