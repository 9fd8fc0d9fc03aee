// Package cmd defines the maisync CLI: the orchestrator server and the bot.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/config"
	"github.com/JakeFAU/maimai-sync/internal/logging"
)

type envKeyType string

const envKey envKeyType = "env"

// env is what PersistentPreRunE prepares for the subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadEnv builds the config and logger. It's a variable so tests can skip
// the real loader.
var loadEnv = func(path, process string) (env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return env{}, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Process:     process,
	})
	if err != nil {
		return env{}, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return env{cfg: cfg, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "maisync",
		Short: "Sync maimai DX scores through friend-comparison bots.",
		Long: `maisync runs either the orchestrator, which owns jobs, users and the
bot fleet, or a bot, which logs into the game site, befriends users and
crawls their scores.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cfgFile, processName(cmd))
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, e))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars use the MAISYNC_ prefix)")
	cmd.AddCommand(newServeCmd(), newBotCmd())
	return cmd
}

// processName labels logs with the subcommand that runs the process.
func processName(cmd *cobra.Command) string {
	if cmd.Name() == "serve" {
		return "orchestrator"
	}
	return cmd.Name()
}

func resolveEnv(ctx context.Context) (env, error) {
	e, ok := ctx.Value(envKey).(env)
	if !ok {
		return env{}, errors.New("configuration not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
