package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calder-ai/drover/internal/agent"
	"github.com/calder-ai/drover/internal/audit"
	"github.com/calder-ai/drover/internal/config"
	"github.com/calder-ai/drover/internal/mcp"
	"github.com/calder-ai/drover/internal/metrics"
	"github.com/calder-ai/drover/internal/provider"
	"github.com/calder-ai/drover/internal/tools"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run the agent once against the configured MCP servers",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAgent,
	}

	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	model, err := provider.NewChatModel(ctx, cfg)
	if err != nil {
		return err
	}

	registry := mcp.NewRegistry(cfg.MCPServers, slog.Default())
	defer func() {
		if err := registry.CloseAllSessions(); err != nil {
			slog.Warn("close sessions failed", "error", err)
		}
	}()

	toolProvider, err := buildToolProvider(ctx, cfg, registry)
	if err != nil {
		return err
	}

	loop := agent.NewLoop(cfg, model, toolProvider, slog.Default())
	loop.SetRuntimeMetrics(metrics.NewRuntimeMetrics(config.ConfigDir()))
	loop.SetAuditWriter(audit.NewWriter(config.ConfigDir()))
	loop.OnStep = func(record agent.StepRecord) {
		fmt.Printf("[step %d] %s(%s)\n", record.Step, record.ToolName, record.ToolInput)
		fmt.Printf("  -> %s\n", record.Observation)
	}

	result, err := loop.Run(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	fmt.Println(result.Output)
	if result.Reason == agent.FinishMaxSteps {
		slog.Warn("run ended at step limit", "max_steps", cfg.Agent.MaxSteps)
	}
	return nil
}

// buildToolProvider wires the agent's tool source. In server-manager mode the
// model steers connections itself through meta-tools; in fixed mode every
// configured server is connected up front and its tools registered once.
func buildToolProvider(ctx context.Context, cfg *config.Config, registry *mcp.ClientRegistry) (agent.ToolProvider, error) {
	if cfg.Agent.ServerManager {
		manager := mcp.NewServerManager(registry, slog.Default())
		go manager.PrefetchServerTools(ctx)
		return manager, nil
	}

	sessions, err := registry.CreateAllSessions(ctx, true)
	if err != nil {
		// Partial connectivity is fine for a run; the failures are logged
		// and the surviving servers' tools are still usable.
		slog.Warn("some servers failed to connect", "error", err)
	}

	toolRegistry := tools.NewRegistry()
	for name, session := range sessions {
		defs, err := session.Connector().Tools(ctx)
		if err != nil {
			slog.Warn("list tools failed", "server", name, "error", err)
			continue
		}
		for _, adapted := range mcp.AdaptTools(session.Connector(), defs) {
			if err := toolRegistry.Register(adapted); err != nil {
				return nil, err
			}
		}
	}
	slog.Info("registered tools", "count", len(toolRegistry.Names()), "tools", toolRegistry.Names())
	return toolRegistry, nil
}
