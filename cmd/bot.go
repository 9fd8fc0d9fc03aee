package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/maimai-sync/internal/server"
)

// runBot is replaced in tests.
var runBot = func(cmd *cobra.Command, e env) error {
	bot, err := server.BuildBot(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return err
	}
	return bot.Run(cmd.Context())
}

func newBotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run a bot: task dispatcher, login proxy and status API",
		Long: `bot polls the orchestrator for tasks and crawls with the stored game
session. Users log in by pointing their phone at the proxy port and opening
the URL returned by /api/auth.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return runBot(cmd, e)
		},
	}
}
