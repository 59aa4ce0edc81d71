// Package schema holds the canonical schema-name and event-type constants shared
// across the core packages and exposed to external collaborators.
package schema

// Canonical schema names embedded in persisted payloads and API responses.
const (
	SchemaEventV1              = "agentd.event.v1"
	SchemaTaskLedgerV1         = "agentd.task.ledger.v1"
	SchemaTruthLedgerV1        = "agentd.truth.ledger.v1"
	SchemaScheduleV1           = "agentd.schedule.v1"
	SchemaScheduleProjectionV1 = "agentd.schedule.projection.v1"
	SchemaScheduleWakeupV1     = "agentd.schedule-wakeup.v1"
	SchemaScheduleRecoveryV1   = "agentd.schedule-recovery.v1"
	SchemaTurnV1               = "agentd.turn.v1"
	SchemaTurnWALV1            = "agentd.turn-wal.v1"
)

// Event type prefixes. Category is inferred from the prefix of an event's Type field.
const (
	TypeTaskLedger             = "task_ledger"
	TypeTruthLedger            = "truth_ledger"
	TypeTapeAnchor             = "tape_anchor"
	TypeTapeCheckpoint         = "tape_checkpoint"
	TypeScheduleIntent         = "schedule_intent"
	TypeToolCall               = "tool_call"
	TypeToolCallBlocked        = "tool_call_blocked"
	TypeToolResultRecorded     = "tool_result_recorded"
	TypeContextPrefix          = "context_"
	TypeCostPrefix             = "cost_"
	TypeVerificationPrefix     = "verification_"
	TypePatchPrefix            = "patch_"
	TypeSessionPrefix          = "session_"
	TypeFileSnapshotCaptured   = "file_snapshot_captured"
	TypePatchRecorded          = "patch_recorded"
	TypeLedgerCompacted        = "ledger_compacted"
	TypeContextCompacted       = "context_compacted"
	TypeContextGateArmed       = "context_compaction_gate_armed"
	TypeContextGateBlockedTool = "context_compaction_gate_blocked_tool"
	TypeSkillBudgetWarning     = "skill_budget_warning"
	TypeCostAlertCrossed       = "cost_alert_threshold_crossed"
	TypeTaskStatusSet          = "task_ledger:status_set"
	TypeSessionShutdown        = "session_shutdown"
)

// Schedule intent sub-event names (full Type values, prefixed by TypeScheduleIntent + ":").
const (
	ScheduleIntentCreated          = "schedule_intent:intent_created"
	ScheduleIntentUpdated          = "schedule_intent:intent_updated"
	ScheduleIntentCancelled        = "schedule_intent:intent_cancelled"
	ScheduleIntentFired            = "schedule_intent:intent_fired"
	ScheduleIntentConverged        = "schedule_intent:intent_converged"
	ScheduleWakeup                 = "schedule_wakeup"
	ScheduleRecoveryDeferred       = "schedule_recovery_deferred"
	ScheduleRecoverySummary        = "schedule_recovery_summary"
)
