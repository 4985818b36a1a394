package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/calder-ai/drover/internal/config"
	"github.com/calder-ai/drover/internal/mcp"
	"github.com/calder-ai/drover/internal/metrics"
)

const serverProbeTimeout = 8 * time.Second

func NewServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "Probe configured MCP servers and show their status",
		RunE:  runServers,
	}
}

func runServers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(cfg.MCPServers) == 0 {
		fmt.Println("No MCP servers configured.")
		return nil
	}

	registry := mcp.NewRegistry(cfg.MCPServers, slog.Default())
	defer registry.CloseAllSessions()

	fmt.Println("MCP servers:")
	for _, name := range registry.ServerNames() {
		probeCtx, cancel := context.WithTimeout(cmd.Context(), serverProbeTimeout)
		session, err := registry.CreateSession(probeCtx, name, true)
		if err != nil {
			cancel()
			fmt.Printf("  %s: unreachable (%v)\n", name, err)
			continue
		}

		identifier := session.Connector().PublicIdentifier()
		transport := identifier.Type
		if identifier.Transport != "" && identifier.Transport != identifier.Type {
			transport = fmt.Sprintf("%s/%s", identifier.Type, identifier.Transport)
		}
		defs, err := session.Connector().Tools(probeCtx)
		cancel()
		if err != nil {
			fmt.Printf("  %s: connected [%s], tool list failed (%v)\n", name, transport, err)
			continue
		}

		names := make([]string, 0, len(defs))
		for _, def := range defs {
			names = append(names, def.Name)
		}
		fmt.Printf("  %s: connected [%s], %d tool(s)", name, transport, len(defs))
		if len(names) > 0 {
			fmt.Printf(": %s", strings.Join(names, ", "))
		}
		fmt.Println()
	}

	if snap, err := metrics.ReadRuntimeSnapshot(config.ConfigDir()); err == nil && snap.HasData() {
		fmt.Printf("\nTool runtime: %d execution(s), %.0f%% errors, avg %.0fms, p95~%dms\n",
			snap.Tool.Total, snap.Tool.ErrorRatio()*100, snap.Tool.AvgLatencyMs(), snap.Tool.P95ProxyLatencyMs)
	}
	return nil
}
