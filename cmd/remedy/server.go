package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/remedy/internal/api"
	"github.com/kalambet/remedy/internal/config"
	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/ingest"
	"github.com/kalambet/remedy/internal/retrieval"
)

const (
	shutdownGrace = 5 * time.Second
	indexPoll     = 2 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remedy HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running remedy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		pid, err := pidFileIn(cfg.Storage.DataDir).signal(syscall.SIGTERM)
		if err != nil {
			return err
		}
		printSuccess("Sent stop signal to remedy (PID %d)", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remedy system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

// pidFile records the serving process in the data directory.
type pidFile string

func pidFileIn(dataDir string) pidFile { return pidFile(filepath.Join(dataDir, "remedy.pid")) }

func (p pidFile) write() error {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(string(p), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// signal delivers sig to the recorded process. A stale file, one whose
// process is gone, is removed.
func (p pidFile) signal(sig os.Signal) (int, error) {
	pid, err := p.read()
	if err != nil {
		return 0, fmt.Errorf("remedy is not running (no PID file): %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(sig)
	}
	if err != nil {
		os.Remove(string(p))
		return pid, fmt.Errorf("could not stop remedy (PID %d): %w", pid, err)
	}
	return pid, nil
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "remedy version %s\n", version)

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	pid := pidFileIn(cfg.Storage.DataDir)
	if h, err := newAPIClient(cfg).health(ctx); err == nil && h.Status == "ok" {
		if n, err := pid.read(); err == nil {
			return fmt.Errorf("server already running (PID %d)", n)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := pid.write(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(string(pid))

	if a.engine != nil {
		models := []string{chatModelFor(cfg, a.engine)}
		if embedsWith(cfg, a) {
			models = append(models, a.index.Model())
		}
		if err := engine.EnsureReady(ctx, a.engine, os.Stderr, models...); err != nil {
			printWarning("%v; solutions will use the deterministic fallback", err)
		}
	}
	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is not set; HTTP endpoints are unauthenticated")
	}
	if n, err := a.store.RequeueRunning(); err != nil {
		slog.Warn("requeueing interrupted index jobs", "error", err)
	} else if n > 0 {
		slog.Info("requeued interrupted index jobs", "count", n)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler: api.NewAppHandler(api.AppDeps{
			Diagnoser:  a.orch,
			Store:      a.store,
			Index:      a.index,
			Generation: a.generator,
			Token:      cfg.Server.APIToken,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "remedy listening on %s\n", addr)
		if err := srv.Serve(netutil.LimitListener(ln, cfg.Server.MaxConns)); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.index != nil {
		g.Go(func() error {
			ingest.NewWorker(a.store, a.index, indexPoll).Run(gctx)
			return nil
		})
	}
	if cfg.Server.MCPEnabled {
		stdio := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{
			Diagnoser: a.orch,
			Store:     a.store,
			Index:     a.index,
		}, version))
		// Not part of the group: a closed stdin ends the MCP session only.
		go func() {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}
	return g.Wait()
}

// embedsWith reports whether the similarity index embeds through the
// generation backend, so its model should be pulled alongside the chat model.
func embedsWith(cfg config.Config, a *app) bool {
	if a.index == nil || a.engine == nil || a.index.Model() == (retrieval.HashEmbedder{}).Model() {
		return false
	}
	return cfg.Retrieval.Embedder == config.BackendAuto || cfg.Retrieval.Embedder == a.engine.Name()
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := newAPIClient(cfg)
	health, err := client.health(ctx)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Generation", "%s", availability(health.Generation))
		printStatus("Retrieval", "%s", availability(health.Retrieval))

		if st, err := client.stats(ctx); err == nil {
			printStatus("Errors", "%d", st.Total)
			printStatus("Index", "%d entries (%s)", st.IndexSize, st.EmbeddingModel)
			if j := st.IndexJobs; j.Pending+j.Running+j.Failed > 0 {
				printStatus("Index jobs", "%d pending, %d running, %d failed", j.Pending, j.Running, j.Failed)
			}
		} else {
			slog.Debug("status: reading stats", "error", err)
		}
	}

	printStatus("Backend", "%s", cfg.Generation.Backend)
	model := cfg.Ollama.ChatModel
	if cfg.Generation.Backend == config.BackendGemini {
		model = cfg.Gemini.Model
	}
	printStatus("Chat model", "%s", model)
	printStatus("Embedder", "%s", cfg.Retrieval.Embedder)
	printStatus("Interpreter", "%s", cfg.Executor.Interpreter)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable (fallback)"
}
