package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/agentbureau/bureau/pkg/metrics"
)

// HealthServer provides HTTP health check and metrics endpoints
type HealthServer struct {
	server *Server
	mux    *http.ServeMux
	http   *http.Server
}

// NewHealthServer creates the health check HTTP surface
func NewHealthServer(srv *Server) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: srv,
		mux:    mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start begins serving on addr in the background
func (hs *HealthServer) Start(addr string) error {
	hs.http = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		_ = hs.http.Serve(ln)
	}()
	return nil
}

// Stop shuts the HTTP listener down. A nil receiver or never-started
// server is a no-op.
func (hs *HealthServer) Stop(ctx context.Context) {
	if hs == nil || hs.http == nil {
		return
	}
	_ = hs.http.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint, a liveness check that
// returns 200 whenever the process is up.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h := metrics.GetHealth()
	response := HealthResponse{
		Status:    h.Status,
		Timestamp: time.Now(),
		Version:   h.Version,
		Uptime:    h.Uptime,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint. Ready means the service
// graph is wired and the subsystems that serve requests are still open.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.server != nil {
		hs.server.mu.Lock()
		closed := hs.server.closed
		hs.server.mu.Unlock()
		if closed {
			checks["rpc"] = "shutting down"
			ready = false
			message = "Server is shutting down"
		} else {
			checks["rpc"] = "ok"
		}

		status := hs.server.syncWorker.Status()
		if status.Enabled {
			checks["index"] = "ok"
		} else {
			checks["index"] = "sync worker stopped"
			ready = false
			if message == "" {
				message = "Index sync worker not running"
			}
		}

		checks["subscribers"] = strconv.Itoa(hs.server.bus.SubscriberCount())
	} else {
		checks["rpc"] = "not initialized"
		ready = false
		message = "Server not initialized"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
