package orchestrator

import (
	"context"
	"testing"

	"github.com/agentd-project/agentd/internal/contextbudget"
	"github.com/agentd-project/agentd/internal/cost"
	"github.com/agentd-project/agentd/internal/eventstore"
	"github.com/agentd-project/agentd/internal/filetrack"
	"github.com/agentd-project/agentd/internal/ledger"
	"github.com/agentd-project/agentd/internal/metrics"
	"github.com/agentd-project/agentd/internal/parallel"
	"github.com/agentd-project/agentd/internal/skills"
	"github.com/agentd-project/agentd/internal/verify"
	"github.com/agentd-project/agentd/internal/workspace"
)

type testHarness struct {
	orch  *Orchestrator
	store eventstore.Store
}

func newHarness(t *testing.T) testHarness {
	t.Helper()
	layout, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	store := eventstore.New(layout, true)
	ledg := ledger.New(layout)
	tracker := filetrack.New(layout, filetrack.NewDefaultClassifier())
	budget, err := contextbudget.New("gpt-4", contextbudget.Thresholds{
		CompactionThresholdRatio: 0.8,
		HardLimitRatio:           0.95,
		MaxInjectionTokens:       4000,
	})
	if err != nil {
		t.Fatalf("contextbudget.New: %v", err)
	}
	gate := contextbudget.NewGate(budget)

	reg := skills.NewRegistry()
	reg.Register(skills.Contract{Name: "writer", Tools: skills.ToolSpec{Required: []string{"write_file"}}})
	access := skills.NewAccessGate(reg, cost.New(0, 0, 0), parallel.New(10, nil), nil, skills.ModeEnforce, skills.ModeOff, skills.ModeOff)
	access.SetActiveSkill("sess-1", "writer")

	verifyGate := verify.New(map[string][]string{"quick": {}}, nil, 0)

	orch := New(store, budget, gate, access, tracker, ledg, verifyGate, nil, metrics.NewNoop(), 2)
	return testHarness{orch: orch, store: store}
}

func TestStartToolCallAdmitsAllowedTool(t *testing.T) {
	h := newHarness(t)
	_, res, err := h.orch.StartToolCall(context.Background(), StartInput{
		SessionID: "sess-1", ToolCallID: "tc-1", ToolName: "write_file", Skill: "writer",
	})
	if err != nil {
		t.Fatalf("StartToolCall: %v", err)
	}
	if !res.Admitted {
		t.Fatalf("expected admission, got %+v", res)
	}
	if state, ok := h.orch.StateFor("sess-1", "tc-1"); !ok || state != StateRunning {
		t.Fatalf("expected running state, got %s ok=%v", state, ok)
	}
}

func TestStartToolCallRejectsOutsideSkillAllowList(t *testing.T) {
	h := newHarness(t)
	_, res, err := h.orch.StartToolCall(context.Background(), StartInput{
		SessionID: "sess-1", ToolCallID: "tc-2", ToolName: "delete_file", Skill: "writer",
	})
	if err != nil {
		t.Fatalf("StartToolCall: %v", err)
	}
	if res.Admitted {
		t.Fatalf("expected rejection outside skill allow-list")
	}
}

func TestStartToolCallRejectsBashUnconditionally(t *testing.T) {
	h := newHarness(t)
	_, res, err := h.orch.StartToolCall(context.Background(), StartInput{
		SessionID: "sess-1", ToolCallID: "tc-3", ToolName: "bash", Skill: "writer",
	})
	if err != nil {
		t.Fatalf("StartToolCall: %v", err)
	}
	if res.Admitted {
		t.Fatalf("expected bash to be unconditionally blocked")
	}
}

func TestFinishToolCallAppendsLedgerRowAndEmitsEvent(t *testing.T) {
	h := newHarness(t)
	ctx, res, err := h.orch.StartToolCall(context.Background(), StartInput{
		SessionID: "sess-1", ToolCallID: "tc-4", ToolName: "write_file", Skill: "writer",
	})
	if err != nil || !res.Admitted {
		t.Fatalf("StartToolCall: res=%+v err=%v", res, err)
	}

	ledgerID, err := h.orch.FinishToolCall(ctx, FinishInput{
		SessionID: "sess-1", ToolCallID: "tc-4", ToolName: "write_file", Skill: "writer",
		Turn: 1, Verdict: ledger.VerdictPass, Success: true,
	})
	if err != nil {
		t.Fatalf("FinishToolCall: %v", err)
	}
	if ledgerID == "" {
		t.Fatalf("expected a non-empty ledger id")
	}

	records, err := h.store.List("sess-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	foundResult := false
	for _, r := range records {
		if r.Type == "tool_result_recorded" {
			foundResult = true
		}
	}
	if !foundResult {
		t.Fatalf("expected a tool_result_recorded event, got %d records", len(records))
	}

	if _, ok := h.orch.StateFor("sess-1", "tc-4"); ok {
		t.Fatalf("expected call state to be cleared after finish")
	}
}

func TestFinishToolCallTriggersPeriodicLedgerCompaction(t *testing.T) {
	h := newHarness(t)
	ctx, _, _ := h.orch.StartToolCall(context.Background(), StartInput{
		SessionID: "sess-1", ToolCallID: "tc-5", ToolName: "write_file", Skill: "writer",
	})
	_, err := h.orch.FinishToolCall(ctx, FinishInput{
		SessionID: "sess-1", ToolCallID: "tc-5", ToolName: "write_file", Skill: "writer",
		Turn: 2, Verdict: ledger.VerdictPass, Success: true, TurnIndexHint: 2,
	})
	if err != nil {
		t.Fatalf("FinishToolCall: %v", err)
	}

	records, err := h.store.List("sess-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, r := range records {
		if r.Type == "ledger_compacted" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a ledger_compacted event at checkpointEveryTurns boundary")
	}
}
