package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/remedy/internal/api"
	"github.com/kalambet/remedy/internal/config"
	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/events"
	"github.com/kalambet/remedy/internal/memory"
	"github.com/kalambet/remedy/internal/recovery"
	"github.com/kalambet/remedy/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remedy server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running remedy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remedy system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "remedy.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})))
}

// runtime is the wired engine stack shared by the server and the local run
// command.
type runtime struct {
	store    *memory.SQLite
	toolReg  *tools.Registry
	bus      *events.Bus
	runner   *engine.Runner
	registry *engine.Registry
}

func (rt *runtime) close() {
	if err := rt.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func buildRuntime(cfg config.Config) (*runtime, error) {
	store, err := memory.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}

	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg, httpClient)

	actions := recovery.NewActionRegistry()
	actions.Register("cooldown", func(ctx context.Context) error {
		select {
		case <-time.After(2 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	actions.Register("reconnect", func(ctx context.Context) error {
		httpClient.CloseIdleConnections()
		return nil
	})

	healer := recovery.NewHealer(recovery.HealerConfig{
		Actions:       actions,
		Memory:        store,
		ActionTimeout: cfg.Engine.ActionTimeoutDuration(),
	})
	resolver := recovery.NewResolver(recovery.ResolverConfig{
		Memory:          store,
		Vectors:         memory.NewVectorIndex(store.DB()),
		Healer:          healer,
		VectorThreshold: float32(cfg.Recovery.VectorThreshold),
		VectorTopK:      cfg.Recovery.VectorTopK,
	})

	bus := events.NewBus()
	runner := engine.NewRunner(engine.RunnerConfig{
		Executor: engine.NewExecutor(toolReg, cfg.Engine.StepTimeoutDuration()),
		Resolver: resolver,
		Log:      store,
		Bus:      bus,
	})

	return &runtime{
		store:   store,
		toolReg: toolReg,
		bus:     bus,
		runner:  runner,
		registry: engine.NewRegistry(engine.RegistryConfig{
			Runner:        runner,
			MaxConcurrent: int64(cfg.Engine.MaxConcurrentRuns),
			Archive:       store,
		}),
	}, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "remedy version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Log.Level)

	if cfg.Server.Token == "" {
		printWarning("no API token configured; the HTTP API is unauthenticated")
	}

	// Refuse to start twice. The health probe catches a live server even
	// when the PID file is stale.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	slog.Info("engine ready",
		"tools", rt.toolReg.Names(),
		"max_concurrent_runs", cfg.Engine.MaxConcurrentRuns,
		"step_timeout", cfg.Engine.StepTimeoutDuration(),
	)

	handler := api.NewHandler(api.Deps{
		Engine:   rt.registry,
		Bus:      rt.bus,
		Remedies: rt.store,
		History:  rt.store,
		Token:    cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server on stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Engine:   rt.registry,
		Remedies: rt.store,
		History:  rt.store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		slog.Info("remedy listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("remedy is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop remedy (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to remedy (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		if api, err := newAPIClient(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if runsResp, err := api.get(ctx, "/runs"); err == nil {
				var runs []json.RawMessage
				if decodeJSON(runsResp, &runs) == nil {
					printStatus("Runs", "%d", len(runs))
				}
			}
			if remResp, err := api.get(ctx, "/remedies?limit=500"); err == nil {
				var records []json.RawMessage
				if decodeJSON(remResp, &records) == nil {
					printStatus("Cached remedies", "%d", len(records))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Step timeout", "%s", cfg.Engine.StepTimeoutDuration())
	printStatus("Max concurrent runs", "%d", cfg.Engine.MaxConcurrentRuns)
	return nil
}
