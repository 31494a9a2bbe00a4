package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Bureau control plane",
	Long: `Start the control-plane server. By default it speaks
line-delimited JSON-RPC on stdin/stdout, which is how admin UIs and
agent CLIs are expected to attach. Additional TCP and unix-socket
listeners can be enabled alongside, plus an HTTP listener for health
and Prometheus metrics.

Workspaces named with --workspace are opened at startup: crashed runs
are recovered, heartbeat configs are loaded, and file watchers keep
the SQLite index in sync with out-of-band edits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		socket, _ := cmd.Flags().GetString("socket")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		workspaces, _ := cmd.Flags().GetStringSlice("workspace")
		recoverCrashed, _ := cmd.Flags().GetBool("recover")
		stdio, _ := cmd.Flags().GetBool("stdio")
		debounce, _ := cmd.Flags().GetInt("sync-debounce-ms")
		minInterval, _ := cmd.Flags().GetInt("sync-min-interval-ms")

		if !stdio && listen == "" && socket == "" {
			return fmt.Errorf("nothing to serve: enable --stdio or set --listen / --socket")
		}

		srv, err := server.New(server.Config{
			ListenAddr:     listen,
			SocketPath:     socket,
			MetricsAddr:    metricsAddr,
			Workspaces:     workspaces,
			RecoverCrashed: recoverCrashed,
			SyncWorker: index.SyncWorkerConfig{
				DebounceMs:    debounce,
				MinIntervalMs: minInterval,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create server: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start server: %v", err)
		}

		// Status goes to stderr: stdout is the RPC stream in stdio mode.
		fmt.Fprintf(os.Stderr, "✓ Bureau %s started\n", Version)
		for _, addr := range srv.ListenerAddrs() {
			fmt.Fprintf(os.Stderr, "  listening on %s\n", addr)
		}
		if metricsAddr != "" {
			fmt.Fprintf(os.Stderr, "  metrics on http://%s/metrics\n", metricsAddr)
		}

		errCh := make(chan error, 1)
		if stdio {
			go func() {
				// EOF on stdin means the parent went away; treat it
				// like a shutdown request.
				errCh <- srv.ServeStdio(ctx)
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "\nstdio session ended: %v\n", err)
			} else {
				fmt.Fprintf(os.Stderr, "\nstdio session ended, shutting down...\n")
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %v", err)
		}
		fmt.Fprintf(os.Stderr, "✓ Bureau stopped\n")
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("stdio", true, "Serve JSON-RPC on stdin/stdout")
	serveCmd.Flags().String("listen", "", "Also listen for JSON-RPC on this TCP address (e.g. 127.0.0.1:7433)")
	serveCmd.Flags().String("socket", "", "Also listen for JSON-RPC on this unix socket path")
	serveCmd.Flags().String("metrics-addr", "", "Serve /health, /ready and /metrics on this address")
	serveCmd.Flags().StringSlice("workspace", nil, "Workspace directory to open at startup (repeatable)")
	serveCmd.Flags().Bool("recover", true, "Mark runs left running by a previous process as failed")
	serveCmd.Flags().Int("sync-debounce-ms", 0, "Index sync debounce window in milliseconds (0 = default)")
	serveCmd.Flags().Int("sync-min-interval-ms", 0, "Minimum interval between index sync passes in milliseconds (0 = default)")
}
