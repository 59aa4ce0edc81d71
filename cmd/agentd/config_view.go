package main

import (
	"time"

	"github.com/agentd-project/agentd/internal/config"
	"github.com/agentd-project/agentd/internal/contextbudget"
	"github.com/agentd-project/agentd/internal/replay"
)

// agentdConfigView flattens config.Config into the shapes each component
// constructor expects, keeping the cross-package field mapping in one place.
type agentdConfigView struct {
	EventsEnabled bool

	Model              string
	BudgetThresholds   contextbudget.Thresholds
	MaxInjectionTokens int

	SessionCapUSD         float64
	SkillCapUSD           float64
	AlertThresholdPercent float64
	ParallelMaxConcurrent int

	CommandDenyList      []string
	AllowedToolsMode     string
	SkillMaxTokensMode   string
	SkillMaxToolCallsMode string

	VerificationChecks   map[string][]string
	VerificationCommands map[string]string
	VerificationTimeout  time.Duration

	CheckpointEveryTurns int
	TapeThresholds       replay.PressureThresholds

	Schedule config.ScheduleConfig
}

func newConfigView(cfg *config.Config) *agentdConfigView {
	snap := cfg.Snapshot()
	return &agentdConfigView{
		EventsEnabled: snap.Events.Enabled,

		Model: snap.ContextBudget.Model,
		BudgetThresholds: contextbudget.Thresholds{
			CompactionThresholdRatio: snap.ContextBudget.CompactionThresholdPercent,
			HardLimitRatio:           snap.ContextBudget.HardLimitPercent,
			MinTurnsBetweenCompaction: snap.ContextBudget.MinTurnsBetweenCompaction,
			GateWindowTurns:           snap.ContextBudget.GateWindowTurns,
			MaxInjectionTokens:        snap.ContextBudget.MaxInjectionTokens,
			TruncationStrategy:        snap.ContextBudget.TruncationStrategy,
		},
		MaxInjectionTokens: snap.ContextBudget.MaxInjectionTokens,

		SessionCapUSD:         snap.Cost.SessionCapUSD,
		SkillCapUSD:           snap.Cost.SkillCapUSD,
		AlertThresholdPercent: snap.Cost.AlertThresholdPercent,
		ParallelMaxConcurrent: snap.Parallel.MaxConcurrent,

		CommandDenyList:       snap.Security.CommandDenyList,
		AllowedToolsMode:      snap.Security.AllowedToolsMode,
		SkillMaxTokensMode:    snap.Security.SkillMaxTokensMode,
		SkillMaxToolCallsMode: snap.Security.SkillMaxToolCallsMode,

		VerificationChecks:   snap.Verification.Checks,
		VerificationCommands: snap.Verification.Commands,
		VerificationTimeout:  time.Duration(snap.Verification.TimeoutMs) * time.Millisecond,

		CheckpointEveryTurns: snap.Ledger.CheckpointEveryTurns,
		TapeThresholds: replay.PressureThresholds{
			Low:    snap.Tape.TapePressureThresholds.Low,
			Medium: snap.Tape.TapePressureThresholds.Medium,
			High:   snap.Tape.TapePressureThresholds.High,
		},

		Schedule: snap.Schedule,
	}
}
