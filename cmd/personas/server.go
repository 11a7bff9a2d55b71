package main

import (
	"context"
	"encoding/json"
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

	"github.com/kalambet/personas/internal/api"
	"github.com/kalambet/personas/internal/business"
	"github.com/kalambet/personas/internal/cluster"
	"github.com/kalambet/personas/internal/config"
	"github.com/kalambet/personas/internal/embedding"
	"github.com/kalambet/personas/internal/llm"
	"github.com/kalambet/personas/internal/ollama"
	"github.com/kalambet/personas/internal/persona"
	"github.com/kalambet/personas/internal/pipeline"
	"github.com/kalambet/personas/internal/storage"
	"github.com/kalambet/personas/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the personas server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running personas server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "personas.pid")
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
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// app holds the wired generation pipeline shared by serve and generate.
type app struct {
	store   *storage.Store
	runner  *pipeline.Runner
	analyst *business.Analyst
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Embedding.Provider == config.ProviderOllama {
		oc := ollama.New(cfg.Embedding.OllamaBaseURL)
		if err := ollama.EnsureReady(ctx, oc, cfg.Embedding.Model, os.Stderr); err != nil {
			return nil, err
		}
	}
	emb, err := embedding.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	llmClient := llm.NewClient(cfg.LLM.APIKey,
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithPolicy(llm.Policy{
			MaxRetries:  cfg.LLM.MaxRetries,
			BaseBackoff: cfg.LLM.BaseBackoff,
			Timeout:     cfg.LLM.Timeout,
		}),
	)
	synth := persona.NewSynthesizer(llmClient,
		persona.WithModel(cfg.LLM.Model),
		persona.WithMaxTokens(cfg.LLM.MaxTokens),
		persona.WithMode(persona.ParseMode(cfg.Synthesis.Mode)),
	)
	runner := pipeline.NewRunner(emb,
		cluster.New(cfg.Cluster.MinFraction, cfg.Cluster.SelectionEpsilon),
		synth,
		pipeline.WithRecorder(store),
		pipeline.WithTripleSink(store),
	)

	return &app{
		store:   store,
		runner:  runner,
		analyst: business.NewAnalyst(llmClient, cfg.LLM.Model),
	}, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "personas version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	go worker.New(a.store, a.runner, 500*time.Millisecond).Run(ctx)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Runner:   a.runner,
			Analyst:  a.analyst,
			Personas: a.store,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Runner:  a.runner,
			Batches: a.store,
			Jobs:    a.store,
			Analyst: a.analyst,
			Token:   cfg.Server.APIToken,
		}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "personas listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
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
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("personas is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop personas (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to personas (PID %d)", pid)
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show server status and recent batches, or one batch in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return showBatch(cmd.Context(), client, args[0])
		}
		return showStatus(cmd.Context(), cfg, client)
	},
}

func showStatus(ctx context.Context, cfg config.Config, client *apiClient) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("LLM model", "%s", cfg.LLM.Model)
	printStatus("Embeddings", "%s (%s)", cfg.Embedding.Provider, cfg.Embedding.Model)
	printStatus("Synthesis", "%s", cfg.Synthesis.Mode)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if err != nil || resp.StatusCode != http.StatusOK {
		return nil
	}

	bresp, err := client.get(ctx, "/v1/batches?limit=10")
	if err != nil {
		return err
	}
	var batches []storage.Batch
	if err := decodeJSON(bresp, &batches); err != nil {
		return err
	}
	printStatus("Recent batches", "%d", len(batches))
	for _, b := range batches {
		fmt.Fprintf(out, "    %s  %s\n", b.ID, formatBatch(b))
	}
	return nil
}

func showBatch(ctx context.Context, client *apiClient, id string) error {
	resp, err := client.get(ctx, "/v1/batches/"+id)
	if err != nil {
		return err
	}
	var detail api.BatchDetail
	if err := decodeJSON(resp, &detail); err != nil {
		return err
	}

	printStatus("Batch", "%s", detail.ID)
	printStatus("State", "%s", formatBatch(detail.Batch))
	if detail.Error != "" {
		printStatus("Error", "%s", detail.Error)
	}
	if len(detail.Personas) == 0 {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(detail.Personas)
}

// formatBatch renders a batch's state with its counts.
func formatBatch(b storage.Batch) string {
	state := colorize(stateColor(b.State), b.State)
	switch pipeline.State(b.State) {
	case pipeline.StatePending, pipeline.StateEmbedded:
		return fmt.Sprintf("%s  %d profiles", state, b.ProfileCount)
	case pipeline.StateSynthesizing:
		return fmt.Sprintf("%s  cluster %d/%d", state, b.CurrentCluster+1, b.ClusterCount)
	default:
		return fmt.Sprintf("%s  %d profiles, %d clusters, %d noise", state, b.ProfileCount, b.ClusterCount, b.NoiseCount)
	}
}

func stateColor(state string) string {
	switch pipeline.State(state) {
	case pipeline.StateDone:
		return colorGreen
	case pipeline.StateFailed:
		return colorRed
	default:
		return colorYellow
	}
}
