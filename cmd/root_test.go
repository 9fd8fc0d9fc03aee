package cmd

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/config"
)

// These tests swap package-level hooks, so they do not run in parallel.

func stubEnv(t *testing.T, gotPath, gotProcess *string) {
	t.Helper()
	orig := loadEnv
	t.Cleanup(func() { loadEnv = orig })
	loadEnv = func(path, process string) (env, error) {
		*gotPath = path
		*gotProcess = process
		return env{cfg: config.Config{Server: config.ServerConfig{Port: 1234}}, logger: zap.NewNop()}, nil
	}
}

func TestServeReceivesLoadedConfig(t *testing.T) {
	var path, process string
	stubEnv(t, &path, &process)
	orig := runOrchestrator
	t.Cleanup(func() { runOrchestrator = orig })

	var port int
	runOrchestrator = func(_ *cobra.Command, e env) error {
		port = e.cfg.Server.Port
		return nil
	}

	root := newRootCmd()
	root.SetArgs([]string{"serve", "--config", "maisync.yaml"})
	require.NoError(t, root.Execute())
	require.Equal(t, "maisync.yaml", path)
	require.Equal(t, "orchestrator", process)
	require.Equal(t, 1234, port)
}

func TestBotPropagatesRunError(t *testing.T) {
	var path, process string
	stubEnv(t, &path, &process)
	orig := runBot
	t.Cleanup(func() { runBot = orig })
	runBot = func(*cobra.Command, env) error { return errors.New("no orchestrator") }

	root := newRootCmd()
	root.SetArgs([]string{"bot"})
	require.EqualError(t, root.Execute(), "no orchestrator")
	require.Empty(t, path)
	require.Equal(t, "bot", process)
}

func TestConfigErrorStopsCommand(t *testing.T) {
	orig := loadEnv
	t.Cleanup(func() { loadEnv = orig })
	loadEnv = func(string, string) (env, error) { return env{}, errors.New("bad config") }

	called := false
	origRun := runOrchestrator
	t.Cleanup(func() { runOrchestrator = origRun })
	runOrchestrator = func(*cobra.Command, env) error {
		called = true
		return nil
	}

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	require.EqualError(t, root.Execute(), "bad config")
	require.False(t, called)
}
