package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/agentd-project/agentd/internal/workspace"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check workspace and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentd doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	fmt.Printf("  Workspace: %s\n", workspaceDir)
	layout, err := workspace.New(workspaceDir)
	if err != nil {
		fmt.Printf("    ERROR creating .agentd layout: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("    .agentd:  %s (OK)\n", layout.Dir())

	cfgPath := os.Getenv("AGENTD_CONFIG")
	if cfgPath == "" {
		cfgPath = layout.ConfigPath()
	}
	fmt.Printf("  Config:    %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	_, cfg, err := bootstrap()
	if err != nil {
		fmt.Printf("    ERROR loading config: %s\n", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	fmt.Println()
	fmt.Println("  Components:")
	fmt.Printf("    %-22s %v\n", "events.enabled:", snap.Events.Enabled)
	fmt.Printf("    %-22s %v\n", "schedule.enabled:", snap.Schedule.Enabled)
	fmt.Printf("    %-22s %v\n", "contextBudget.enabled:", snap.ContextBudget.Enabled)
	fmt.Printf("    %-22s %v\n", "turnWAL.enabled:", snap.TurnWAL.Enabled)
	fmt.Printf("    %-22s %v\n", "parallel.enabled:", snap.Parallel.Enabled)
	fmt.Printf("    %-22s %s\n", "security.allowedToolsMode:", snap.Security.AllowedToolsMode)
	fmt.Printf("    %-22s %s\n", "verification.defaultLevel:", snap.Verification.DefaultLevel)

	if rec, err := layout.ReadPID(); err == nil {
		status := "stale"
		if processAlive(rec.PID) {
			status = "running"
		}
		fmt.Println()
		fmt.Printf("  Daemon:    pid %d (%s)\n", rec.PID, status)
	} else {
		fmt.Println()
		fmt.Println("  Daemon:    not running")
	}
}
