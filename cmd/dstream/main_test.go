package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dstream/internal/config"
)

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("url: ws://file/ws\ntimeout: 2s\ntarget_fps: 5\n"), 0o644))

	cfg := config.DefaultClient()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&cfg.URL, "url", cfg.URL, "")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "")
	cmd.Flags().Float64Var(&cfg.TargetFPS, "target-fps", cfg.TargetFPS, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--timeout", "300ms"}))

	configPath = path
	defer func() { configPath = "" }()
	require.NoError(t, loadConfig(cmd, &cfg))

	assert.Equal(t, "ws://file/ws", cfg.URL)
	assert.Equal(t, 300*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 5.0, cfg.TargetFPS)
}

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "client", "stats-tail", "rawlog-dump"} {
		assert.True(t, names[want], want)
	}
}

func TestClientFlagDefaults(t *testing.T) {
	flip := clientCmd.Flags().Lookup("flip")
	require.NotNil(t, flip)
	assert.Equal(t, "true", flip.DefValue)

	addr := clientCmd.Flags().Lookup("metrics-addr")
	require.NotNil(t, addr)
	assert.Empty(t, addr.DefValue)
}
