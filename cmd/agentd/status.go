package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentd-project/agentd/internal/workspace"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running against this workspace",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	layout, err := workspace.New(workspaceDir)
	if err != nil {
		fmt.Printf("workspace error: %s\n", err)
		os.Exit(1)
	}

	rec, err := layout.ReadPID()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("agentd: not running (no PID file)")
			os.Exit(1)
		}
		fmt.Printf("agentd: error reading PID file: %s\n", err)
		os.Exit(1)
	}

	if processAlive(rec.PID) {
		fmt.Printf("agentd: running (pid %d, started %s, cwd %s)\n", rec.PID, rec.StartedAt.Format("2006-01-02T15:04:05Z07:00"), rec.Cwd)
		return
	}
	fmt.Printf("agentd: stale PID file (pid %d not alive)\n", rec.PID)
	os.Exit(1)
}

// processAlive checks liveness with signal 0, which delivers no signal but still
// reports ESRCH for a dead process — the standard Unix "is this pid alive" probe.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
