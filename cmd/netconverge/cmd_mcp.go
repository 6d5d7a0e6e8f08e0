package main

import (
	"github.com/spf13/cobra"

	"netconverge/internal/adapter/mcpserver"
)

func newMCPCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the verify_connectivity tool over MCP on stdio",
		Long: `Speaks the Model Context Protocol on stdin and stdout so an assistant can
submit requests and read reports. Logs always go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			return mcpserver.New(a.orch, a.store, version, log).ServeStdio()
		},
	}
}
