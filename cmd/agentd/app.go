package main

import (
	"log/slog"
	"os"

	"github.com/agentd-project/agentd/internal/config"
	"github.com/agentd-project/agentd/internal/workspace"
)

// setupLogging installs the default slog handler per --verbose, matching the
// teacher's single slog.SetDefault call in cmd/gateway.go.
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// bootstrap resolves the workspace layout and loads its config overlay, the common
// first step of every subcommand that touches on-disk state.
func bootstrap() (*workspace.Layout, *config.Config, error) {
	layout, err := workspace.New(workspaceDir)
	if err != nil {
		return nil, nil, err
	}
	cfgPath := os.Getenv("AGENTD_CONFIG")
	if cfgPath == "" {
		cfgPath = layout.ConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	return layout, cfg, nil
}
