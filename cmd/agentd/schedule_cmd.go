package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentd-project/agentd/internal/eventstore"
	"github.com/agentd-project/agentd/internal/scheduler"
	"github.com/agentd-project/agentd/internal/turnwal"
)

func parseRunAt(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// openScheduler wires a Scheduler against the on-disk workspace for one-shot CLI
// operations. No seeder is wired: list/create/cancel do not need one, but Recover
// may catch up overdue intents, and each such fire ends in an error outcome.
func openScheduler(cfg *agentdConfigView) (*scheduler.Scheduler, error) {
	layout, _, err := bootstrap()
	if err != nil {
		return nil, err
	}
	store := eventstore.New(layout, cfg.EventsEnabled)
	wal := turnwal.New(layout)
	sched := scheduler.New(layout, store, wal, nil, scheduler.Config{
		MinIntervalMs:              cfg.Schedule.MinIntervalMs,
		LeaseDurationMs:            cfg.Schedule.LeaseDurationMs,
		MaxActiveIntentsPerSession: cfg.Schedule.MaxActiveIntentsPerSession,
		MaxActiveIntentsGlobal:     cfg.Schedule.MaxActiveIntentsGlobal,
		MaxConsecutiveErrors:       cfg.Schedule.MaxConsecutiveErrors,
		MaxRecoveryCatchUps:        cfg.Schedule.MaxRecoveryCatchUps,
		BackoffBaseMs:              cfg.Schedule.BackoffBaseMs,
		BackoffCapMs:               cfg.Schedule.BackoffCapMs,
	})
	if _, err := sched.Recover(context.Background()); err != nil {
		return nil, fmt.Errorf("schedule: recover: %w", err)
	}
	return sched, nil
}

func loadScheduleView() *agentdConfigView {
	_, cfg, err := bootstrap()
	if err != nil {
		fmt.Printf("error: %s\n", err)
		os.Exit(1)
	}
	return newConfigView(cfg)
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and manage scheduled intents",
	}
	cmd.AddCommand(scheduleListCmd())
	cmd.AddCommand(scheduleCreateCmd())
	cmd.AddCommand(scheduleCancelCmd())
	return cmd
}

func scheduleListCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled intents",
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler(loadScheduleView())
			if err != nil {
				fmt.Printf("error: %s\n", err)
				os.Exit(1)
			}
			for _, it := range sched.ListIntents(sessionID) {
				next := "-"
				if it.NextRunAt != nil {
					next = it.NextRunAt.Format("2006-01-02T15:04:05Z07:00")
				}
				fmt.Printf("%-36s session=%-20s status=%-10s runs=%-4d next=%s  %s\n",
					it.IntentID, it.ParentSessionID, it.Status, it.RunCount, next, it.Reason)
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "filter by parent session id (empty = all)")
	return cmd
}

func scheduleCreateCmd() *cobra.Command {
	var sessionID, reason, cron, runAt, timeZone string
	var maxRuns int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new schedule intent",
		Run: func(cmd *cobra.Command, args []string) {
			if cron == "" && runAt == "" {
				fmt.Println("error: one of --cron or --run-at is required")
				os.Exit(1)
			}
			sched, err := openScheduler(loadScheduleView())
			if err != nil {
				fmt.Printf("error: %s\n", err)
				os.Exit(1)
			}
			in := scheduler.Intent{
				ParentSessionID: sessionID,
				Reason:          reason,
				MaxRuns:         maxRuns,
			}
			if cron != "" {
				in.Cron = &cron
				if timeZone != "" {
					in.TimeZone = &timeZone
				}
			}
			if runAt != "" {
				t, err := parseRunAt(runAt)
				if err != nil {
					fmt.Printf("error: invalid --run-at: %s\n", err)
					os.Exit(1)
				}
				in.RunAt = &t
			}
			it, err := sched.CreateIntent(context.Background(), in)
			if err != nil {
				fmt.Printf("error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("created intent %s\n", it.IntentID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "parent session id (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "human-readable reason")
	cmd.Flags().StringVar(&cron, "cron", "", "5-field cron expression")
	cmd.Flags().StringVar(&timeZone, "tz", "", "IANA time zone for cron evaluation")
	cmd.Flags().StringVar(&runAt, "run-at", "", "one-shot fire time, RFC3339")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "maximum firings before convergence (0 = unlimited)")
	cmd.MarkFlagRequired("session")
	return cmd
}

func scheduleCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <intent-id>",
		Short: "Cancel a scheduled intent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := openScheduler(loadScheduleView())
			if err != nil {
				fmt.Printf("error: %s\n", err)
				os.Exit(1)
			}
			if err := sched.CancelIntent(context.Background(), args[0], reason); err != nil {
				fmt.Printf("error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("cancelled %s\n", args[0])
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via CLI", "cancellation reason")
	return cmd
}
