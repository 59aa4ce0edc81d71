package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentd-project/agentd/internal/ledger"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the evidence ledger",
	}
	cmd.AddCommand(ledgerQueryCmd())
	return cmd
}

func ledgerQueryCmd() *cobra.Command {
	var sessionID, skill, tool, verdict string
	var last int

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query ledger rows for a session",
		Run: func(cmd *cobra.Command, args []string) {
			layout, _, err := bootstrap()
			if err != nil {
				fmt.Printf("error: %s\n", err)
				os.Exit(1)
			}
			ledg := ledger.New(layout)
			rows, err := ledg.Query(sessionID, ledger.QueryOpts{
				Skill:   skill,
				Tool:    tool,
				Verdict: ledger.Verdict(verdict),
				Last:    last,
			})
			if err != nil {
				fmt.Printf("error: %s\n", err)
				os.Exit(1)
			}
			for _, r := range rows {
				fmt.Printf("%s  turn=%d  skill=%-10s tool=%-16s verdict=%-12s %s\n",
					r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), r.Turn, r.Skill, r.Tool, r.Verdict, r.OutputSummary)
			}
			if broken := ledger.VerifyChain(rows); broken >= 0 {
				fmt.Printf("chain broken at index %d\n", broken)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (required)")
	cmd.Flags().StringVar(&skill, "skill", "", "filter by skill")
	cmd.Flags().StringVar(&tool, "tool", "", "filter by tool")
	cmd.Flags().StringVar(&verdict, "verdict", "", "filter by verdict (pass|fail|inconclusive)")
	cmd.Flags().IntVar(&last, "last", 0, "limit to the last N matching rows (0 = no limit)")
	cmd.MarkFlagRequired("session")
	return cmd
}
