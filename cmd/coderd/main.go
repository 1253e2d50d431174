// Package main provides the entry point for coderd, the multi-session
// coding-agent server. It replaces the starting point's cmd/opencode TUI/CLI
// binary with a server-only entrypoint: one process hosting many concurrent
// sessions over a single JSON-RPC-over-websocket transport (spec section 6),
// instead of spawning a headless REST server per editor window. Cobra
// command/flag wiring and the signal-driven graceful shutdown below are
// ported from cmd/opencode/commands/serve.go (see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmux/coderd/internal/agent"
	"github.com/agentmux/coderd/internal/agentloop"
	"github.com/agentmux/coderd/internal/clienttool"
	"github.com/agentmux/coderd/internal/config"
	ctxmgr "github.com/agentmux/coderd/internal/context"
	"github.com/agentmux/coderd/internal/event"
	"github.com/agentmux/coderd/internal/eventstore"
	"github.com/agentmux/coderd/internal/external"
	"github.com/agentmux/coderd/internal/hook"
	"github.com/agentmux/coderd/internal/logging"
	"github.com/agentmux/coderd/internal/mcp"
	"github.com/agentmux/coderd/internal/orchestrator"
	"github.com/agentmux/coderd/internal/permission"
	"github.com/agentmux/coderd/internal/provider"
	"github.com/agentmux/coderd/internal/rpc"
	"github.com/agentmux/coderd/internal/storage"
	"github.com/agentmux/coderd/internal/subagent"
	"github.com/agentmux/coderd/internal/tool"
	"github.com/agentmux/coderd/internal/transport"
	"github.com/agentmux/coderd/internal/worktree"
	"github.com/agentmux/coderd/pkg/types"
)

var (
	buildVersionFlag = "0.1.0"
	buildTime        = "dev"
)

func main() {
	root := &cobra.Command{
		Use:     "coderd",
		Short:   "Multi-session coding-agent server",
		Version: fmt.Sprintf("%s (%s)", buildVersionFlag, buildTime),
		RunE:    runServe,
	}
	root.Flags().Int("port", 4096, "listen port")
	root.Flags().String("directory", "", "workspace working directory (defaults to cwd)")
	root.Flags().String("log-level", "info", "log level (debug|info|warn|error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	directory, _ := cmd.Flags().GetString("directory")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(logLevel)
	logger := logging.Init(logCfg)
	defer logging.Close()

	workDir := directory
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
		workDir = wd
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("ensure data directories: %w", err)
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := eventstore.Open(paths.EventStorePath(), logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	workspaceID, err := store.CreateWorkspace(ctx, workDir)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	logger.Info().Str("workspaceID", workspaceID).Str("directory", workDir).Msg("workspace ready")

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logger.Warn().Err(err).Msg("some providers failed to initialize")
	}

	kvStore := storage.New(paths.StoragePath())
	toolReg := tool.DefaultRegistry(workDir, kvStore, logger)
	agentReg := agent.NewRegistry()

	// internal/permission's Checker backs the Denial layer (spec 4.5) via
	// the Tool Registry's DenyFunc seam rather than the Hook Engine: its
	// Check/Ask round trip assumes a human resolves a pending request, which
	// has no counterpart in this system's closed RPC method surface.
	if appConfig.Permission != nil {
		toolReg.SetDenyFunc(permission.BuildDenyFunc(appConfig.Permission))
	}

	var defaultProviderID, defaultModelID string
	var summarizer ctxmgr.Summarizer
	if defaultModel, err := providerReg.DefaultModel(); err != nil {
		logger.Warn().Err(err).Msg("no default model configured; compaction summarization is disabled")
		summarizer = noopSummarizer{}
	} else {
		defaultProviderID, defaultModelID = defaultModel.ProviderID, defaultModel.ID
		summarizer = &ctxmgr.ProviderSummarizer{Providers: providerReg, ProviderID: defaultProviderID, ModelID: defaultModelID}
	}
	hookEngine := hook.New(logger)

	contextMgr := ctxmgr.New(store, summarizer, hookEngine, ctxmgr.DefaultConfig)

	orch := orchestrator.New(store, hookEngine, logger)

	newLoop := func() *agentloop.Loop {
		return agentloop.New(agentloop.Deps{
			Store:     store,
			Context:   contextMgr,
			Hooks:     hookEngine,
			Tools:     toolReg,
			Providers: providerReg,
			Logger:    logger,
		})
	}

	subagents := subagent.New(store, agentReg, newLoop, orch.Notify, defaultProviderID, defaultModelID, logger)
	toolReg.RegisterTaskTool(agentReg)
	toolReg.SetTaskExecutor(&subagent.TaskExecutorAdapter{Coordinator: subagents})

	mcpClient := mcp.NewClient()
	for name, cfg := range appConfig.MCP {
		if err := mcpClient.AddServer(ctx, name, toMCPConfig(cfg)); err != nil {
			logger.Warn().Err(err).Str("server", name).Msg("mcp: server failed to connect")
			continue
		}
	}
	mcp.RegisterMCPTools(mcpClient, toolReg)
	defer mcpClient.Close()

	bridgeClientToolNotifications(orch)

	var worktrees *worktree.Coordinator
	if wt, err := worktree.New(workDir, paths.Cache+"/worktrees", logger); err != nil {
		logger.Info().Err(err).Msg("worktree coordinator disabled: working directory is not a git repository")
	} else {
		worktrees = wt
	}

	collaborators := external.Default()

	dispatcher := rpc.New(store, orch, contextMgr, providerReg, subagents, worktrees, collaborators, newLoop, logger)
	wsServer := transport.New(dispatcher, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", port).Msg("coderd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
	return nil
}

// noopSummarizer backs compaction when no provider/model is configured at
// all; ExecuteCompaction then fails cleanly with a recoverable error
// instead of panicking on a nil Summarizer.
type noopSummarizer struct{}

func (noopSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	return "", fmt.Errorf("compaction summarizer unavailable: no default model configured")
}

// toMCPConfig adapts the persisted config shape (pkg/types.MCPConfig, whose
// Enabled is a *bool so "unset" and "false" are distinguishable in JSON)
// into internal/mcp.Config, which the MCP SDK client consumes directly.
func toMCPConfig(cfg types.MCPConfig) *mcp.Config {
	enabled := cfg.Enabled == nil || *cfg.Enabled
	transportType := mcp.TransportTypeStdio
	switch cfg.Type {
	case "remote":
		transportType = mcp.TransportTypeRemote
	case "local":
		transportType = mcp.TransportTypeLocal
	}
	return &mcp.Config{
		Enabled:     enabled,
		Type:        transportType,
		URL:         cfg.URL,
		Headers:     cfg.Headers,
		Command:     cfg.Command,
		Environment: cfg.Environment,
		Timeout:     cfg.Timeout,
	}
}

// bridgeClientToolNotifications forwards internal/clienttool's
// request/status events — published on the process-wide internal/event bus
// when a tool call targets a client-registered tool — onto the owning
// session's RPC notification stream, so the connected client actually sees
// the tool.call it is expected to answer with tool.result.
func bridgeClientToolNotifications(orch *orchestrator.Orchestrator) {
	event.SubscribeAll(func(e event.Event) {
		var sessionID, kind string
		switch e.Type {
		case event.ClientToolRequest:
			data, ok := e.Data.(event.ClientToolRequestData)
			if !ok {
				return
			}
			req, ok := data.Request.(clienttool.ExecutionRequest)
			if !ok {
				return
			}
			sessionID, kind = req.SessionID, "tool.call"
		case event.ClientToolExecuting, event.ClientToolCompleted, event.ClientToolFailed:
			data, ok := e.Data.(event.ClientToolStatusData)
			if !ok {
				return
			}
			sessionID, kind = data.SessionID, string(e.Type)
		default:
			return
		}
		if sessionID == "" {
			return
		}
		orch.Notify(sessionID, types.RPCNotification{
			Type:      kind,
			SessionID: sessionID,
			Timestamp: time.Now().UnixMilli(),
			Data:      e.Data,
		})
	})
}
