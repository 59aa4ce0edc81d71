// Package orchestrator drives the tool-call lifecycle
// (Created → Gated → Running → Completed|Failed) that every tool call passes
// through: budget observation, access gating, compaction gating, file-change
// capture, ledger append, evidence recording, and periodic ledger compaction. No
// truth facts are derived from tool results.
//
// Grounded on the teacher's internal/agent/loop.go tool-call dispatch (gate → run →
// record → trace, with slog.Info/Warn at every step) and
// internal/tools/delegate_state.go's concurrent state map
// (sync.Map keyed by an id, generalized here to an explicit per-call state value
// behind a per-session KeyedMutex rather than a bare sync.Map, since the lifecycle
// itself — not just presence/absence — is the thing callers need to observe).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentd-project/agentd/internal/contextbudget"
	"github.com/agentd-project/agentd/internal/eventstore"
	"github.com/agentd-project/agentd/internal/filetrack"
	"github.com/agentd-project/agentd/internal/ledger"
	"github.com/agentd-project/agentd/internal/metrics"
	"github.com/agentd-project/agentd/internal/skills"
	"github.com/agentd-project/agentd/internal/syncutil"
	"github.com/agentd-project/agentd/internal/tracing"
	"github.com/agentd-project/agentd/internal/verify"
	"github.com/agentd-project/agentd/pkg/schema"
)

// ToolCallState is the explicit lifecycle value recorded for one tool call.
type ToolCallState string

const (
	StateCreated   ToolCallState = "created"
	StateGated     ToolCallState = "gated"
	StateRunning   ToolCallState = "running"
	StateCompleted ToolCallState = "completed"
	StateFailed    ToolCallState = "failed"
)

// TruthUpdate describes one fact to upsert or resolve. Nothing in this package
// produces or consumes it.
type TruthUpdate struct {
	Fact      *ledger.Row // nil when only resolving
	ResolveID string
}

// ResultClassifier derives evidence kinds from a tool's raw output; it yields no
// truth updates. Generalized from the teacher's quality-gate/hook classification instinct
// in internal/tools/delegate_policy.go.
type ResultClassifier interface {
	ClassifyEvidence(toolName string, output string) []string
}

// defaultClassifier recognizes a handful of well-known tool names, matching the
// evidence kinds named in spec 4.8 ("lsp_clean", "test_or_build_passed").
type defaultClassifier struct{}

// NewDefaultClassifier returns the table-driven default ResultClassifier.
func NewDefaultClassifier() ResultClassifier { return defaultClassifier{} }

func (defaultClassifier) ClassifyEvidence(toolName, output string) []string {
	switch toolName {
	case "lsp_diagnostics":
		return []string{"lsp_clean"}
	case "run_tests", "run_build":
		return []string{"test_or_build_passed"}
	default:
		return nil
	}
}

type callRecord struct {
	state      ToolCallState
	skill      string
	toolName   string
	startedAt  time.Time
	isMutation bool
}

// Orchestrator wires the gating/recording components into the six-step
// StartToolCall / FinishToolCall sequence from spec 4.9.
type Orchestrator struct {
	store        eventstore.Store
	budget       *contextbudget.Manager
	gate         *contextbudget.Gate
	access       *skills.AccessGate
	tracker      *filetrack.Tracker
	ledg         *ledger.Ledger
	verifyGate   *verify.Gate
	classifier   ResultClassifier
	metrics      *metrics.Registry

	checkpointEveryTurns int

	locks *syncutil.KeyedMutex
	calls map[string]*callRecord // sessionID+"/"+toolCallID -> record
}

// New wires an Orchestrator from its already-constructed collaborators.
func New(
	store eventstore.Store,
	budget *contextbudget.Manager,
	gate *contextbudget.Gate,
	access *skills.AccessGate,
	tracker *filetrack.Tracker,
	ledg *ledger.Ledger,
	verifyGate *verify.Gate,
	classifier ResultClassifier,
	metricsReg *metrics.Registry,
	checkpointEveryTurns int,
) *Orchestrator {
	if classifier == nil {
		classifier = NewDefaultClassifier()
	}
	if checkpointEveryTurns <= 0 {
		checkpointEveryTurns = 50
	}
	return &Orchestrator{
		store:                store,
		budget:               budget,
		gate:                 gate,
		access:               access,
		tracker:              tracker,
		ledg:                 ledg,
		verifyGate:           verifyGate,
		classifier:           classifier,
		metrics:              metricsReg,
		checkpointEveryTurns: checkpointEveryTurns,
		locks:                syncutil.NewKeyedMutex(),
		calls:                make(map[string]*callRecord),
	}
}

func callKey(sessionID, toolCallID string) string { return sessionID + "/" + toolCallID }

// StartInput is the caller-supplied context for beginning a tool call.
type StartInput struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Skill      string
	Args       map[string]any
	Usage      contextbudget.Usage
	IsMutation bool
	EmitEvent  bool // whether to append a tool_call event (callers with their own turn log may skip this)
}

// StartResult reports whether the call was admitted and, if not, why.
type StartResult struct {
	Admitted bool
	Reason   string
	Span     func(err error) // call to end the tracing span started for this call
}

// StartToolCall implements spec 4.9's six admission steps.
func (o *Orchestrator) StartToolCall(ctx context.Context, in StartInput) (context.Context, StartResult, error) {
	key := callKey(in.SessionID, in.ToolCallID)
	unlock := o.locks.Lock(key)
	defer unlock()

	o.calls[key] = &callRecord{state: StateCreated, skill: in.Skill, toolName: in.ToolName, startedAt: time.Now().UTC(), isMutation: in.IsMutation}

	// Step 1: observe usage.
	if o.budget != nil {
		o.budget.ObserveUsage(in.SessionID, in.Usage)
	}

	// Step 2: optional tool_call event.
	if in.EmitEvent && o.store != nil {
		if err := o.appendEvent(in.SessionID, schema.TypeToolCall, map[string]any{"toolCallId": in.ToolCallID, "tool": in.ToolName, "skill": in.Skill}); err != nil {
			slog.Warn("orchestrator: failed to emit tool_call event", "session", in.SessionID, "tool", in.ToolName, "error", err)
		}
	}

	spanCtx, span := tracing.StartToolCallSpan(ctx, in.ToolName, in.SessionID, in.Skill)
	endSpan := func(err error) { tracing.EndSpan(span, err) }

	// Step 3: skill access gate.
	if o.access != nil {
		res := o.access.CheckToolAccess(in.SessionID, in.ToolName)
		if !res.Allowed {
			o.calls[key].state = StateFailed
			_ = o.appendEvent(in.SessionID, schema.TypeToolCallBlocked, map[string]any{"toolCallId": in.ToolCallID, "tool": in.ToolName, "reason": res.Reason})
			o.recordTerminal(in.ToolName, in.Skill, StateFailed)
			slog.Info("tool call blocked by access gate", "session", in.SessionID, "tool", in.ToolName, "reason", res.Reason)
			endSpan(fmt.Errorf("access denied: %s", res.Reason))
			return spanCtx, StartResult{Admitted: false, Reason: res.Reason, Span: endSpan}, nil
		}
	}

	// Step 4: compaction gate.
	if o.gate != nil {
		if err := o.gate.CheckToolCall(in.SessionID, in.ToolName); err != nil {
			o.calls[key].state = StateFailed
			_ = o.appendEvent(in.SessionID, schema.TypeContextGateBlockedTool, map[string]any{"toolCallId": in.ToolCallID, "tool": in.ToolName})
			o.recordTerminal(in.ToolName, in.Skill, StateFailed)
			slog.Info("tool call blocked by compaction gate", "session", in.SessionID, "tool", in.ToolName)
			endSpan(err)
			return spanCtx, StartResult{Admitted: false, Reason: err.Error(), Span: endSpan}, nil
		}
	}

	o.calls[key].state = StateGated

	// Step 5: skill accounting (per-skill call counter; the orchestrator records no
	// token usage, here or at Finish).
	if o.access != nil && in.Skill != "" {
		o.access.RecordToolCall(in.SessionID, in.Skill, 0)
	}

	// Step 6: capture before-state for mutation tools.
	if in.IsMutation && o.tracker != nil {
		if err := o.tracker.CaptureBeforeToolCall(in.SessionID, in.ToolCallID, in.ToolName, in.Args); err != nil {
			slog.Warn("orchestrator: capture before tool call failed", "session", in.SessionID, "tool", in.ToolName, "error", err)
		} else {
			_ = o.appendEvent(in.SessionID, schema.TypeFileSnapshotCaptured, map[string]any{"toolCallId": in.ToolCallID, "tool": in.ToolName})
		}
	}

	o.calls[key].state = StateRunning
	slog.Info("tool call started", "session", in.SessionID, "tool", in.ToolName, "skill", in.Skill)

	return spanCtx, StartResult{Admitted: true, Span: endSpan}, nil
}

// FinishInput is the caller-supplied result of a completed tool call.
type FinishInput struct {
	SessionID     string
	ToolCallID    string
	ToolName      string
	Skill         string
	Turn          int64
	ArgsSummary   string
	Output        string
	Verdict       ledger.Verdict
	Success       bool
	OutputTokens  int
	TurnIndexHint int64 // used to decide periodic ledger compaction
}

// FinishToolCall implements spec 4.9's six completion steps.
func (o *Orchestrator) FinishToolCall(ctx context.Context, in FinishInput) (string, error) {
	key := callKey(in.SessionID, in.ToolCallID)
	unlock := o.locks.Lock(key)
	defer unlock()

	rec, ok := o.calls[key]
	if !ok {
		rec = &callRecord{toolName: in.ToolName, skill: in.Skill, startedAt: time.Now().UTC()}
	}

	// Step 1: ledger append.
	var ledgerID string
	if o.ledg != nil {
		row, err := o.ledg.Append(ledger.AppendInput{
			SessionID:     in.SessionID,
			Turn:          in.Turn,
			Skill:         in.Skill,
			Tool:          in.ToolName,
			ArgsSummary:   in.ArgsSummary,
			OutputSummary: in.Output,
			Verdict:       in.Verdict,
		})
		if err != nil {
			return "", fmt.Errorf("orchestrator: ledger append: %w", err)
		}
		ledgerID = row.ID
		if o.metrics != nil {
			o.metrics.LedgerVerdicts.WithLabelValues(string(row.Verdict)).Inc()
		}
	}

	// Step 2: evidence classification feeds the verification gate.
	if o.verifyGate != nil {
		for _, kind := range o.classifier.ClassifyEvidence(in.ToolName, in.Output) {
			o.verifyGate.RecordEvidence(in.SessionID, kind)
		}
		if rec.isMutation {
			o.verifyGate.RecordMutation(in.SessionID)
		}
	}

	// Step 3: tool_result_recorded event.
	if err := o.appendEvent(in.SessionID, schema.TypeToolResultRecorded, map[string]any{
		"toolCallId": in.ToolCallID, "tool": in.ToolName, "ledgerId": ledgerID, "verdict": in.Verdict,
	}); err != nil {
		slog.Warn("orchestrator: failed to emit tool_result_recorded", "session", in.SessionID, "tool", in.ToolName, "error", err)
	}

	// Step 4: periodic ledger compaction.
	if o.ledg != nil && o.checkpointEveryTurns > 0 && in.TurnIndexHint > 0 && in.TurnIndexHint%int64(o.checkpointEveryTurns) == 0 {
		if err := o.ledg.CompactSession(in.SessionID, o.checkpointEveryTurns, "periodic checkpoint"); err != nil {
			slog.Warn("orchestrator: ledger compaction failed", "session", in.SessionID, "error", err)
		} else {
			_ = o.appendEvent(in.SessionID, schema.TypeLedgerCompacted, map[string]any{"turn": in.TurnIndexHint})
			if o.metrics != nil {
				o.metrics.CompactionEvents.WithLabelValues("ledger").Inc()
			}
		}
	}

	// Step 5 (+6): complete the patch-set capture for mutation tools.
	if rec.isMutation && o.tracker != nil {
		patch, err := o.tracker.CompleteToolCall(in.SessionID, in.ToolCallID, in.Success)
		if err != nil {
			slog.Warn("orchestrator: complete patch capture failed", "session", in.SessionID, "tool", in.ToolName, "error", err)
		} else if patch != nil {
			_ = o.appendEvent(in.SessionID, schema.TypePatchRecorded, map[string]any{"patchSetId": patch.ID, "toolCallId": in.ToolCallID, "files": len(patch.Changes)})
		}
	}

	finalState := StateCompleted
	if !in.Success {
		finalState = StateFailed
	}
	rec.state = finalState
	o.recordTerminal(in.ToolName, in.Skill, finalState)
	if o.metrics != nil {
		o.metrics.ToolCallDuration.WithLabelValues(in.ToolName, in.Skill).Observe(time.Since(rec.startedAt).Seconds())
	}

	delete(o.calls, key)
	slog.Info("tool call finished", "session", in.SessionID, "tool", in.ToolName, "success", in.Success, "ledger_id", ledgerID)

	return ledgerID, nil
}

func (o *Orchestrator) recordTerminal(toolName, skill string, state ToolCallState) {
	if o.metrics == nil {
		return
	}
	o.metrics.ToolCallsTotal.WithLabelValues(toolName, string(state)).Inc()
}

func (o *Orchestrator) appendEvent(sessionID, eventType string, payload any) error {
	if o.store == nil {
		return nil
	}
	rec, err := eventstore.NewRecord(sessionID, eventType, payload)
	if err != nil {
		return err
	}
	return o.store.Append(sessionID, rec)
}

// StateFor returns the current lifecycle state for an in-flight tool call, for
// diagnostics and tests.
func (o *Orchestrator) StateFor(sessionID, toolCallID string) (ToolCallState, bool) {
	key := callKey(sessionID, toolCallID)
	unlock := o.locks.Lock(key)
	defer unlock()
	rec, ok := o.calls[key]
	if !ok {
		return "", false
	}
	return rec.state, true
}
