package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/governance"
	"github.com/agentbureau/bureau/pkg/heartbeat"
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/lane"
	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/provider"
	"github.com/agentbureau/bureau/pkg/rpc"
	"github.com/agentbureau/bureau/pkg/session"
	"github.com/agentbureau/bureau/pkg/sharepack"
	"github.com/agentbureau/bureau/pkg/snapshot"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Config holds configuration for creating a Server.
type Config struct {
	// ListenAddr is an optional TCP address for RPC connections.
	ListenAddr string
	// SocketPath is an optional unix socket path for RPC connections.
	SocketPath string
	// MetricsAddr is an optional HTTP address for metrics and health
	// endpoints. Empty disables the listener.
	MetricsAddr string
	// Workspaces are workspace roots observed at startup: their index
	// is synced, the heartbeat scheduler watches them, and an fsnotify
	// watcher feeds external changes to the sync worker.
	Workspaces []string
	// RecoverCrashed sweeps observed workspaces for run records left
	// running by a dead server and marks them failed.
	RecoverCrashed bool
	// SyncWorker tunes the index sync worker. Zero values use the
	// worker defaults.
	SyncWorker index.SyncWorkerConfig
}

// Server wires every subsystem of the control plane and owns their
// lifecycles. One process runs exactly one Server.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	bus        *eventlog.Bus
	elog       *eventlog.Log
	ix         *index.Index
	syncWorker *index.SyncWorker
	lane       *lane.Lane
	runtime    *session.Runtime
	heartbeat  *heartbeat.Service
	governance *governance.Service
	exporter   *sharepack.Exporter
	snapshots  *snapshot.Service
	rpc        *rpc.Server
	collector  *metrics.Collector
	health     *HealthServer

	mu        sync.Mutex
	listeners []net.Listener
	watchers  []*index.Watcher
	conns     map[net.Conn]struct{}
	closed    bool

	serveWG sync.WaitGroup
}

// New builds the full service graph. Nothing listens yet; call Start
// for listeners and ServeStdio for the stdio connection.
func New(cfg Config) (*Server, error) {
	bus := eventlog.NewBus()
	elog := eventlog.NewLog(bus)
	ix := index.New()
	syncWorker := index.NewSyncWorker(ix, cfg.SyncWorker)
	ln := lane.New()

	rt := session.NewRuntime(elog, ln)
	rt.SetGuard(provider.NewGuard())

	hb := heartbeat.NewService(rt)
	gov := governance.NewService(elog, hb)

	s := &Server{
		cfg:        cfg,
		logger:     log.WithComponent("server"),
		bus:        bus,
		elog:       elog,
		ix:         ix,
		syncWorker: syncWorker,
		lane:       ln,
		runtime:    rt,
		heartbeat:  hb,
		governance: gov,
		exporter:   sharepack.NewExporter(gov),
		snapshots:  snapshot.NewService(ix, rt),
		conns:      make(map[net.Conn]struct{}),
	}
	s.rpc = rpc.NewServer(rpc.Deps{
		Log:        elog,
		Bus:        bus,
		Index:      ix,
		SyncWorker: syncWorker,
		Runtime:    rt,
		Lane:       ln,
		Governance: gov,
		Heartbeat:  hb,
		Snapshots:  s.snapshots,
		Exporter:   s.exporter,
	})
	s.collector = metrics.NewCollector(s)
	s.health = NewHealthServer(s)

	metrics.RegisterComponent("eventlog", true, "")
	metrics.RegisterComponent("index", true, "")
	metrics.RegisterComponent("rpc", true, "")

	for _, dir := range cfg.Workspaces {
		if err := s.ObserveWorkspace(dir); err != nil {
			s.teardown(context.Background())
			return nil, fmt.Errorf("failed to observe workspace %s: %w", dir, err)
		}
	}
	return s, nil
}

// ObserveWorkspace opens an initialized workspace, schedules its first
// index sync, registers it with the heartbeat scheduler, and starts an
// fsnotify watcher so external appends reach the projection. With
// RecoverCrashed set, run records orphaned by a previous process are
// swept to failed first.
func (s *Server) ObserveWorkspace(dir string) error {
	ws, err := workspace.Open(dir)
	if err != nil {
		return err
	}
	// Catch a mistyped --workspace before anything subscribes to it.
	if _, err := ws.LoadCompany(); err != nil {
		return fmt.Errorf("not an initialized workspace: %w", err)
	}
	if s.cfg.RecoverCrashed {
		recovered, err := s.runtime.RecoverCrashedRuns(ws)
		if err != nil {
			return err
		}
		if len(recovered) > 0 {
			s.logger.Info().Str("workspace", ws.Root()).Int("recovered", len(recovered)).Msg("Recovered crashed runs")
		}
	}
	s.syncWorker.Notify(ws)
	if err := s.heartbeat.ObserveWorkspace(ws); err != nil {
		return err
	}
	watcher, err := index.NewWatcher(ws, s.syncWorker)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watchers = append(s.watchers, watcher)
	s.mu.Unlock()
	s.logger.Info().Str("workspace", ws.Root()).Msg("Observing workspace")
	return nil
}

// Start opens the configured listeners and begins the metrics
// collector. It returns immediately; connections are served in the
// background until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.collector.Start()

	if s.cfg.ListenAddr != "" {
		l, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
		}
		s.acceptLoop(ctx, l)
		s.logger.Info().Str("addr", l.Addr().String()).Msg("RPC listening")
	}
	if s.cfg.SocketPath != "" {
		// A stale socket from a dead process blocks the bind.
		if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale socket %s: %w", s.cfg.SocketPath, err)
		}
		l, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
		}
		s.acceptLoop(ctx, l)
		s.logger.Info().Str("socket", s.cfg.SocketPath).Msg("RPC listening")
	}
	if s.cfg.MetricsAddr != "" {
		if err := s.health.Start(s.cfg.MetricsAddr); err != nil {
			return err
		}
		s.logger.Info().Str("addr", s.cfg.MetricsAddr).Msg("Metrics listening")
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				conn.Close()
				return
			}
			s.conns[conn] = struct{}{}
			s.mu.Unlock()

			s.serveWG.Add(1)
			go func() {
				defer s.serveWG.Done()
				defer func() {
					conn.Close()
					s.mu.Lock()
					delete(s.conns, conn)
					s.mu.Unlock()
				}()
				if err := s.rpc.ServeConn(ctx, conn, conn); err != nil {
					s.logger.Debug().Err(err).Msg("Connection closed")
				}
			}()
		}
	}()
}

// ServeStdio serves one RPC connection over the process's stdin and
// stdout, blocking until EOF or ctx cancellation. Log output must go
// to stderr; stdout belongs to the protocol.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.rpc.ServeConn(ctx, os.Stdin, os.Stdout)
}

// RPC exposes the method router, for callers that bring their own
// transport.
func (s *Server) RPC() *rpc.Server { return s.rpc }

// ListenerAddrs reports the bound addresses of the open RPC listeners,
// useful when the config asked for port 0.
func (s *Server) ListenerAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Runtime exposes the session runtime.
func (s *Server) Runtime() *session.Runtime { return s.runtime }

// Shutdown tears the server down in dependency order: intake stops
// first, then the schedulers and workers, then live sessions, then the
// stores. Safe to call once; ctx bounds the session drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.health.Stop(ctx)
	s.serveWG.Wait()

	return s.teardown(ctx)
}

func (s *Server) teardown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(s.heartbeat.Close())

	s.mu.Lock()
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()
	for _, w := range watchers {
		keep(w.Close())
	}

	s.syncWorker.Flush()
	s.syncWorker.Close()

	keep(s.runtime.Shutdown(ctx))

	s.collector.Stop()
	s.lane.Close()
	s.bus.Close()
	keep(s.ix.Close())
	return firstErr
}
