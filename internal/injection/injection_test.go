package injection

import (
	"testing"

	"github.com/agentd-project/agentd/internal/contextbudget"
	"github.com/agentd-project/agentd/internal/replay"
)

func testBudget(t *testing.T) *contextbudget.Manager {
	t.Helper()
	m, err := contextbudget.New("gpt-4", contextbudget.Thresholds{
		CompactionThresholdRatio: 0.8,
		HardLimitRatio:           0.95,
		MaxInjectionTokens:       10000,
		TruncationStrategy:       "tail",
	})
	if err != nil {
		t.Fatalf("contextbudget.New: %v", err)
	}
	return m
}

func TestComputeTaskStatusNeedsSpecWhenGoalEmpty(t *testing.T) {
	status := ComputeTaskStatus(replay.State{}, contextbudget.PressureNone, true)
	if status.Health != replay.HealthNeedsSpec {
		t.Fatalf("expected needs_spec health, got %s", status.Health)
	}
}

func TestComputeTaskStatusBlockedWhenBlockersPresent(t *testing.T) {
	state := replay.State{Task: replay.TaskState{
		Spec:     replay.TaskSpec{Goal: "ship feature"},
		Blockers: []replay.Blocker{{ID: "b1", Message: "flaky test"}},
	}}
	status := ComputeTaskStatus(state, contextbudget.PressureNone, true)
	if status.Health != replay.HealthBlocked || status.Phase != replay.PhaseBlocked {
		t.Fatalf("expected blocked health/phase, got %+v", status)
	}
}

func TestComputeTaskStatusBudgetPressureWhenHigh(t *testing.T) {
	state := replay.State{Task: replay.TaskState{Spec: replay.TaskSpec{Goal: "ship feature"}}}
	status := ComputeTaskStatus(state, contextbudget.PressureCritical, true)
	if status.Health != replay.HealthBudgetPressure {
		t.Fatalf("expected budget_pressure health, got %s", status.Health)
	}
}

func TestPlanDedupesIdenticalBlockByFingerprint(t *testing.T) {
	p := New(testBudget(t), 5000)
	state := replay.State{Task: replay.TaskState{Spec: replay.TaskSpec{Goal: "ship feature"}}}
	in := PlanInput{SessionID: "sess-1", State: state, Usage: contextbudget.Usage{Tokens: 100, ContextWindow: 100000}}

	first := p.Plan(in)
	if !first.Accepted {
		t.Fatalf("expected first plan to be accepted, got %+v", first)
	}

	second := p.Plan(in)
	if second.Accepted {
		t.Fatalf("expected identical second plan to be deduped, got %+v", second)
	}
}

func TestPlanEmitsDistinctBlockAfterStateChanges(t *testing.T) {
	p := New(testBudget(t), 5000)
	base := replay.State{Task: replay.TaskState{Spec: replay.TaskSpec{Goal: "ship feature"}}}
	usage := contextbudget.Usage{Tokens: 100, ContextWindow: 100000}

	first := p.Plan(PlanInput{SessionID: "sess-1", State: base, Usage: usage})
	if !first.Accepted {
		t.Fatalf("expected first plan accepted, got %+v", first)
	}

	changed := base
	changed.Task.Blockers = []replay.Blocker{{ID: "b1", Message: "new blocker"}}
	second := p.Plan(PlanInput{SessionID: "sess-1", State: changed, Usage: usage})
	if !second.Accepted {
		t.Fatalf("expected changed state to produce a fresh accepted block, got %+v", second)
	}
	if second.Fingerprint == first.Fingerprint {
		t.Fatalf("expected fingerprints to differ after blocker added")
	}
}

func TestPlanScopesDedupeIndependently(t *testing.T) {
	p := New(testBudget(t), 5000)
	state := replay.State{Task: replay.TaskState{Spec: replay.TaskSpec{Goal: "ship feature"}}}
	usage := contextbudget.Usage{Tokens: 100, ContextWindow: 100000}

	a := p.Plan(PlanInput{SessionID: "sess-1", ScopeID: "branch-a", State: state, Usage: usage})
	b := p.Plan(PlanInput{SessionID: "sess-1", ScopeID: "branch-b", State: state, Usage: usage})
	if !a.Accepted || !b.Accepted {
		t.Fatalf("expected independent scopes to both accept the same block, got a=%+v b=%+v", a, b)
	}
}

func TestPlanOutputDegradedDropsLowPrioritySections(t *testing.T) {
	p := New(testBudget(t), 5000)
	state := replay.State{
		Task: replay.TaskState{Spec: replay.TaskSpec{Goal: "ship feature"}},
	}
	usage := contextbudget.Usage{Tokens: 100, ContextWindow: 100000}

	degraded := p.Plan(PlanInput{
		SessionID:      "sess-1",
		State:          state,
		Usage:          usage,
		MemoryHandoff:  "long handoff notes",
		CompactionNote: "compacted 3 turns ago",
		OutputDegraded: true,
	})
	if !degraded.Accepted {
		t.Fatalf("expected degraded plan to still be accepted, got %+v", degraded)
	}
	if contains(degraded.Block, "memory_handoff") {
		t.Fatalf("expected low priority memory_handoff section dropped under output degradation, got block:\n%s", degraded.Block)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
