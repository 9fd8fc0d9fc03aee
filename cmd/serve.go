package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/maimai-sync/internal/server"
)

// runOrchestrator is replaced in tests.
var runOrchestrator = func(cmd *cobra.Command, e env) error {
	app, err := server.BuildOrchestrator(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP API and its background sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return runOrchestrator(cmd, e)
		},
	}
}
