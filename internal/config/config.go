// Package config loads and hot-reloads agentd's configuration overlay, adapted from
// the teacher's internal/config package: a JSON5-tolerant load, environment variable
// overrides, and an atomic ReplaceFrom swap guarded by the config's own mutex.
package config

import "sync"

// Config is the root configuration for the agentd runtime daemon.
type Config struct {
	Schedule       ScheduleConfig       `json:"schedule"`
	ContextBudget  ContextBudgetConfig  `json:"infrastructure_context_budget"`
	TurnWAL        TurnWALConfig        `json:"infrastructure_turn_wal"`
	Ledger         LedgerConfig         `json:"ledger"`
	Tape           TapeConfig           `json:"tape"`
	Security       SecurityConfig       `json:"security"`
	Verification   VerificationConfig   `json:"verification"`
	Parallel       ParallelConfig       `json:"parallel"`
	Cost           CostConfig           `json:"cost"`
	Events         EventsConfig         `json:"events"`

	mu sync.RWMutex
}

// EventsConfig configures the event store.
type EventsConfig struct {
	Enabled bool `json:"enabled"`
}

// ScheduleConfig configures the scheduler (spec §6).
type ScheduleConfig struct {
	Enabled                    bool  `json:"enabled"`
	MinIntervalMs              int64 `json:"minIntervalMs"`
	LeaseDurationMs            int64 `json:"leaseDurationMs"`
	MaxActiveIntentsPerSession int   `json:"maxActiveIntentsPerSession"`
	MaxActiveIntentsGlobal     int   `json:"maxActiveIntentsGlobal"`
	MaxConsecutiveErrors       int   `json:"maxConsecutiveErrors"`
	MaxRecoveryCatchUps        int   `json:"maxRecoveryCatchUps"`
	BackoffBaseMs              int64 `json:"backoffBaseMs"`
	BackoffCapMs               int64 `json:"backoffCapMs"`
}

// ContextBudgetConfig configures the context budget manager and compaction gate.
type ContextBudgetConfig struct {
	Enabled                    bool    `json:"enabled"`
	MaxInjectionTokens         int     `json:"maxInjectionTokens"`
	CompactionThresholdPercent float64 `json:"compactionThresholdPercent"`
	HardLimitPercent           float64 `json:"hardLimitPercent"`
	TruncationStrategy         string  `json:"truncationStrategy"` // drop-entry | summarize | tail
	CompactionInstructions     string  `json:"compactionInstructions"`
	MinTurnsBetweenCompaction  int     `json:"minTurnsBetweenCompaction"`
	GateWindowTurns            int     `json:"gateWindowTurns"`
	Model                      string  `json:"model"`
}

// TurnWALConfig configures the turn write-ahead log.
type TurnWALConfig struct {
	Enabled         bool  `json:"enabled"`
	DefaultTTLMs    int64 `json:"defaultTtlMs"`
	MaxRetries      int   `json:"maxRetries"`
	CompactAfterMs  int64 `json:"compactAfterMs"`
	ScheduleTurnTTLMs int64 `json:"scheduleTurnTtlMs"`
}

// LedgerConfig configures the evidence ledger.
type LedgerConfig struct {
	CheckpointEveryTurns int `json:"checkpointEveryTurns"`
	DigestWindow         int `json:"digestWindow"`
}

// TapeConfig configures tape pressure thresholds.
type TapeConfig struct {
	CheckpointIntervalEntries int                    `json:"checkpointIntervalEntries"`
	TapePressureThresholds    TapePressureThresholds `json:"tapePressureThresholds"`
}

// TapePressureThresholds are entries-since-anchor counts per pressure level.
type TapePressureThresholds struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// SecurityConfig configures tool access policy.
type SecurityConfig struct {
	AllowedToolsMode  string   `json:"allowedToolsMode"` // off | warn | enforce
	EnforceDeniedTools bool    `json:"enforceDeniedTools"`
	SkillMaxTokensMode string  `json:"skillMaxTokensMode"`
	SkillMaxToolCallsMode string `json:"skillMaxToolCallsMode"`
	SkillMaxParallelMode string `json:"skillMaxParallelMode"`
	SanitizeContext    bool     `json:"sanitizeContext"`
	CommandDenyList    []string `json:"commandDenyList"`
}

// VerificationConfig configures the verification gate.
type VerificationConfig struct {
	DefaultLevel string              `json:"defaultLevel"`
	Checks       map[string][]string `json:"checks"`   // level -> required evidence kinds
	Commands     map[string]string   `json:"commands"` // checkName -> shell command
	TimeoutMs    int64               `json:"timeoutMs"`
}

// ParallelConfig configures the parallel budget manager.
type ParallelConfig struct {
	Enabled       bool `json:"enabled"`
	MaxConcurrent int  `json:"maxConcurrent"`
}

// CostConfig configures the cost tracker.
type CostConfig struct {
	SessionCapUSD          float64 `json:"sessionCapUsd"`
	SkillCapUSD            float64 `json:"skillCapUsd"`
	AlertThresholdPercent  float64 `json:"alertThresholdPercent"`
}

// Default returns a Config populated with the behavioral defaults named in spec §6.
func Default() *Config {
	return &Config{
		Events: EventsConfig{Enabled: true},
		Schedule: ScheduleConfig{
			Enabled:                    true,
			MinIntervalMs:              1000,
			LeaseDurationMs:            30_000,
			MaxActiveIntentsPerSession: 25,
			MaxActiveIntentsGlobal:     500,
			MaxConsecutiveErrors:       3,
			MaxRecoveryCatchUps:        1,
			BackoffBaseMs:              2_000,
			BackoffCapMs:               300_000,
		},
		ContextBudget: ContextBudgetConfig{
			Enabled:                    true,
			MaxInjectionTokens:         6000,
			CompactionThresholdPercent: 0.8,
			HardLimitPercent:           0.95,
			TruncationStrategy:         "drop-entry",
			MinTurnsBetweenCompaction:  2,
			GateWindowTurns:            2,
			Model:                      "cl100k_base",
		},
		TurnWAL: TurnWALConfig{
			Enabled:           true,
			DefaultTTLMs:      600_000,
			MaxRetries:        3,
			CompactAfterMs:    86_400_000,
			ScheduleTurnTTLMs: 300_000,
		},
		Ledger: LedgerConfig{
			CheckpointEveryTurns: 25,
			DigestWindow:         20,
		},
		Tape: TapeConfig{
			CheckpointIntervalEntries: 50,
			TapePressureThresholds:    TapePressureThresholds{Low: 10, Medium: 25, High: 50},
		},
		Security: SecurityConfig{
			AllowedToolsMode:      "warn",
			EnforceDeniedTools:    true,
			SkillMaxTokensMode:    "warn",
			SkillMaxToolCallsMode: "warn",
			SkillMaxParallelMode:  "enforce",
			SanitizeContext:       true,
		},
		Verification: VerificationConfig{
			DefaultLevel: "standard",
			Checks: map[string][]string{
				"quick":    {},
				"standard": {"lsp_clean", "test_or_build_passed"},
				"strict":   {"lsp_clean", "test_or_build_passed"},
			},
			Commands:  map[string]string{},
			TimeoutMs: 120_000,
		},
		Parallel: ParallelConfig{Enabled: true, MaxConcurrent: 4},
		Cost:     CostConfig{SessionCapUSD: 0, SkillCapUSD: 0, AlertThresholdPercent: 0.8},
	}
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex, exactly as
// the teacher's Config.ReplaceFrom does for hot-reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Schedule = src.Schedule
	c.ContextBudget = src.ContextBudget
	c.TurnWAL = src.TurnWAL
	c.Ledger = src.Ledger
	c.Tape = src.Tape
	c.Security = src.Security
	c.Verification = src.Verification
	c.Parallel = src.Parallel
	c.Cost = src.Cost
	c.Events = src.Events
}

// Snapshot returns a copy of the config safe to read without holding the lock further.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Schedule:      c.Schedule,
		ContextBudget: c.ContextBudget,
		TurnWAL:       c.TurnWAL,
		Ledger:        c.Ledger,
		Tape:          c.Tape,
		Security:      c.Security,
		Verification:  c.Verification,
		Parallel:      c.Parallel,
		Cost:          c.Cost,
		Events:        c.Events,
	}
}
