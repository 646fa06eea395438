// ============================================================================
// livetask CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   livetask                       # Root command
//   ├── run                        # Start executors, fan-out and servers
//   ├── submit                     # Submit a demo task to a running server
//   ├── watch                      # Stream live updates over gRPC
//   ├── status                     # Effective configuration (+ live stats)
//   ├── --config, -c               # Config file (all commands)
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Unset fields fall back to Default() via mergo.
//
// run Command:
//   1. Load config file, install the slog logger
//   2. Create and start Controller
//   3. Start HTTP (SSE + tasks), gRPC (Watch + health) and Metrics servers
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully shutdown: Controller first (closes live channels so
//      streaming handlers return), then the servers
//
//   Examples:
//     ./livetask run
//     ./livetask run -c custom-config.yaml
//
// submit Command:
//     ./livetask submit --name nightly --type backup --unique --mode sync
//     ./livetask submit --name flaky --type import --mode queue --retries 2 --fail 2 --backoff 100ms
//
// watch Command:
//     ./livetask watch --principal u1 --server localhost:50051
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/livetask/internal/controller"
	"github.com/ChuLiYu/livetask/internal/metrics"
	"github.com/ChuLiYu/livetask/internal/server"
	"github.com/ChuLiYu/livetask/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "livetask",
		Short: "livetask: task orchestration with live-update fan-out",
		Long: `livetask runs background tasks and pushes their progress to clients:
- Per-type unique execution (sync / async / with timeout)
- Single-consumer FIFO queue with retries and backoff
- One poller per principal, broadcast to every open SSE / gRPC stream
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the livetask server",
		Long:  "Start executors, the fan-out manager, and the HTTP, gRPC and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx)
		},
	}
	return cmd
}

func runSystem(ctx context.Context) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdownTracing, err := setupTracing(os.Stderr, cfg)
	if err != nil {
		return err
	}

	ctrl, err := controller.NewController(cfg.controllerConfig())
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	httpSrv := server.NewHTTPServer(ctrl, server.HTTPOptions{
		Addr:          cfg.HTTP.Addr,
		StreamTimeout: cfg.Fanout.StreamTimeout,
	})
	grpcSrv := server.NewGRPCServer(ctrl, server.GRPCOptions{
		Port:          cfg.GRPC.Port,
		StreamTimeout: cfg.Fanout.StreamTimeout,
	})

	errCh := make(chan error, 3)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	go func() { errCh <- grpcSrv.ListenAndServe() }()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, ctrl.Metrics().Handler())
		go func() {
			logger.Info("Starting metrics server", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	logger.Info("System started successfully",
		"http", cfg.HTTP.Addr, "grpc_port", cfg.GRPC.Port, "record_source", cfg.Fanout.RecordSource)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-errCh:
		logger.Error("Server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.ShutdownGrace+5*time.Second)
	defer cancel()

	if err := ctrl.Stop(shutdownCtx); err != nil {
		logger.Error("Controller stop failed", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	grpcSrv.Stop()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracer shutdown failed", "error", err)
	}

	logger.Info("System stopped. Goodbye!")
	return runErr
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		serverURL string
		req       types.SubmitRequest
		backoff   time.Duration
		sleep     time.Duration
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a demo task to a running server",
		Long:  "POST a sleep task to /tasks and print the resulting task state",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.BackoffMS = backoff.Milliseconds()
			req.SleepMS = sleep.Milliseconds()
			req.WaitMS = wait.Milliseconds()
			return submitTask(cmd.Context(), cmd.OutOrStdout(), serverURL, req)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "livetask HTTP address")
	cmd.Flags().StringVar(&req.Name, "name", "", "task name")
	cmd.Flags().StringVar(&req.Type, "type", "", "task type (uniqueness key)")
	cmd.Flags().StringVar(&req.Principal, "principal", "", "principal receiving live updates")
	cmd.Flags().StringVar(&req.Mode, "mode", types.ModeAsync, "sync, async or queue")
	cmd.Flags().BoolVar(&req.GlobalUnique, "unique", false, "reject when a task of the same type is running")
	cmd.Flags().IntVar(&req.MaxRetries, "retries", 0, "max retries (queue mode)")
	cmd.Flags().DurationVar(&backoff, "backoff", 0, "fixed backoff between retries")
	cmd.Flags().DurationVar(&sleep, "sleep", time.Second, "how long each attempt runs")
	cmd.Flags().IntVar(&req.FailAttempts, "fail", 0, "number of leading attempts that fail")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait for completion (async/queue)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func submitTask(ctx context.Context, out io.Writer, serverURL string, req types.SubmitRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(serverURL, "/")+"/tasks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var result types.SubmitResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	pretty, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(out, string(pretty))

	if result.Error != "" {
		return fmt.Errorf("task %s: %s", result.Task.ExecutionID, result.Error)
	}
	return nil
}

// ============================================================================
// watch
// ============================================================================

func buildWatchCommand() *cobra.Command {
	var addr, principal string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live updates for a principal",
		Long:  "Open a gRPC Watch stream and print every event until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchEvents(ctx, cmd.OutOrStdout(), addr, principal)
		},
	}

	cmd.Flags().StringVar(&addr, "server", "localhost:50051", "livetask gRPC address")
	cmd.Flags().StringVar(&principal, "principal", "", "principal to watch")
	_ = cmd.MarkFlagRequired("principal")

	return cmd
}

func watchEvents(ctx context.Context, out io.Writer, addr, principal string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	stream, err := server.Watch(ctx, conn, principal)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		if err := enc.Encode(map[string]any{"event": ev.Name, "data": ev.Data}); err != nil {
			return err
		}
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the effective configuration and, with --server, live statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), serverURL)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "livetask HTTP address to query for live stats")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, serverURL string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║              livetask System Status                       ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Shutdown Grace:  %s\n", cfg.Executor.ShutdownGrace)
	fmt.Fprintf(out, "  └─ Log:             %s (%s)\n", cfg.Log.Level, cfg.Log.Format)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📦 Queue:")
	if cfg.Queue.Capacity > 0 {
		fmt.Fprintf(out, "  ├─ Capacity:        %d\n", cfg.Queue.Capacity)
	} else {
		fmt.Fprintln(out, "  ├─ Capacity:        unbounded")
	}
	fmt.Fprintf(out, "  └─ Poll Timeout:    %s\n", cfg.Queue.PollTimeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Fan-out:")
	fmt.Fprintf(out, "  ├─ Record Source:   %s\n", cfg.Fanout.RecordSource)
	if cfg.Fanout.RecordSource == controller.SourceRedis {
		fmt.Fprintf(out, "  │  └─ Redis:        %s (prefix %q)\n", cfg.Redis.Addr, cfg.Redis.Prefix)
	}
	fmt.Fprintf(out, "  ├─ Poll Interval:   %s\n", cfg.Fanout.PollInterval)
	fmt.Fprintf(out, "  ├─ HTTP (SSE):      %s\n", cfg.HTTP.Addr)
	fmt.Fprintf(out, "  └─ gRPC (Watch):    :%d\n", cfg.GRPC.Port)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📈 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled (still served on the HTTP address at /metrics)")
	}
	fmt.Fprintln(out)

	if serverURL != "" {
		stats, err := fetchStats(ctx, serverURL)
		if err != nil {
			fmt.Fprintf(out, "📊 Live Statistics:\n  └─ unavailable: %v\n\n", err)
		} else {
			pretty, _ := json.MarshalIndent(stats, "  ", "  ")
			fmt.Fprintf(out, "📊 Live Statistics:\n  %s\n\n", pretty)
		}
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func fetchStats(ctx context.Context, serverURL string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return stats, nil
}
