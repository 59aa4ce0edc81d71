package contextbudget

import "testing"

func defaultThresholds() Thresholds {
	return Thresholds{
		CompactionThresholdRatio: 0.8,
		HardLimitRatio:           0.95,
		MinTurnsBetweenCompaction: 2,
		GateWindowTurns:           2,
		MaxInjectionTokens:        50,
		TruncationStrategy:        "drop-entry",
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New("gpt-4", defaultThresholds())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestClassifyPressureBoundaries(t *testing.T) {
	th := defaultThresholds()
	cases := []struct {
		ratio float64
		want  Pressure
	}{
		{-1, PressureUnknown},
		{0.1, PressureNone},
		{0.41, PressureLow},
		{0.61, PressureMedium},
		{0.8, PressureHigh},
		{0.95, PressureCritical},
		{1.0, PressureCritical},
	}
	for _, c := range cases {
		got := classifyPressure(c.ratio, th)
		if got != c.want {
			t.Errorf("classifyPressure(%.2f) = %q, want %q", c.ratio, got, c.want)
		}
	}
}

func TestShouldRequestCompactionRespectsCooldown(t *testing.T) {
	m := newTestManager(t)
	m.BeginTurn("sess-1", 10)
	usage := Usage{Tokens: 900, ContextWindow: 1000}

	res := m.ShouldRequestCompaction("sess-1", usage)
	if !res.ShouldCompact {
		t.Fatalf("expected compaction requested above threshold, got %+v", res)
	}

	m.MarkCompacted("sess-1")
	m.BeginTurn("sess-1", 11)
	res2 := m.ShouldRequestCompaction("sess-1", usage)
	if res2.ShouldCompact {
		t.Fatalf("expected cooldown to suppress immediate re-request, got %+v", res2)
	}

	m.BeginTurn("sess-1", 12)
	res3 := m.ShouldRequestCompaction("sess-1", usage)
	if !res3.ShouldCompact {
		t.Fatalf("expected compaction to be requested again after cooldown elapses")
	}
}

func TestPlanInjectionAcceptsWithinBudget(t *testing.T) {
	m := newTestManager(t)
	res := m.PlanInjection("sess-2", "short text", Usage{Tokens: 10, ContextWindow: 1000})
	if !res.Accepted || res.Truncated {
		t.Fatalf("expected short text accepted without truncation, got %+v", res)
	}
}

func TestPlanInjectionRejectsAtHardLimit(t *testing.T) {
	m := newTestManager(t)
	bigText := ""
	for i := 0; i < 2000; i++ {
		bigText += "word "
	}
	res := m.PlanInjection("sess-3", bigText, Usage{Tokens: 950, ContextWindow: 1000})
	if res.Accepted {
		t.Fatalf("expected rejection when no budget remains under the hard limit, got %+v", res)
	}
	if res.DroppedReason != "hard_limit" {
		t.Fatalf("expected hard_limit reason, got %q", res.DroppedReason)
	}
}

func TestPlanInjectionTruncatesOverCap(t *testing.T) {
	m := newTestManager(t)
	bigText := ""
	for i := 0; i < 200; i++ {
		bigText += "word "
	}
	res := m.PlanInjection("sess-4", bigText, Usage{Tokens: 0, ContextWindow: 10000})
	if !res.Accepted || !res.Truncated {
		t.Fatalf("expected accepted+truncated result, got %+v", res)
	}
	if res.FinalTokens > defaultThresholds().MaxInjectionTokens {
		t.Fatalf("expected final tokens capped at %d, got %d", defaultThresholds().MaxInjectionTokens, res.FinalTokens)
	}
}

func TestGateArmsAtCriticalAndBlocksOtherTools(t *testing.T) {
	m := newTestManager(t)
	gate := NewGate(m)
	m.BeginTurn("sess-5", 1)

	armed := gate.Evaluate("sess-5", Usage{Tokens: 960, ContextWindow: 1000})
	if !armed {
		t.Fatalf("expected gate armed at critical pressure")
	}
	if err := gate.CheckToolCall("sess-5", "write_file"); err != ErrCompactionRequired {
		t.Fatalf("expected ErrCompactionRequired, got %v", err)
	}
	if err := gate.CheckToolCall("sess-5", "session_compact"); err != nil {
		t.Fatalf("expected session_compact to always pass, got %v", err)
	}
}

func TestGateDisarmsAfterCompaction(t *testing.T) {
	m := newTestManager(t)
	gate := NewGate(m)
	m.BeginTurn("sess-6", 1)
	gate.Evaluate("sess-6", Usage{Tokens: 960, ContextWindow: 1000})
	gate.Disarm("sess-6")
	if err := gate.CheckToolCall("sess-6", "write_file"); err != nil {
		t.Fatalf("expected gate disarmed after compaction, got %v", err)
	}
}

func TestGateNotArmedBelowCritical(t *testing.T) {
	m := newTestManager(t)
	gate := NewGate(m)
	m.BeginTurn("sess-7", 1)
	if armed := gate.Evaluate("sess-7", Usage{Tokens: 500, ContextWindow: 1000}); armed {
		t.Fatalf("expected gate not armed below critical pressure")
	}
}
