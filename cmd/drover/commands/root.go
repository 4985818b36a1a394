package commands

import (
	"github.com/spf13/cobra"

	"github.com/calder-ai/drover/internal/config"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drover",
		Short: "Drover - MCP client orchestration for LLM agents",
		Long:  `Drover connects LLM agents to MCP servers over stdio, HTTP, SSE, and WebSocket transports.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewRunCmd(),
		NewServersCmd(),
		NewVersionCmd(),
	)

	return cmd
}
