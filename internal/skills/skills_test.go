package skills

import (
	"testing"

	"github.com/agentd-project/agentd/internal/cost"
	"github.com/agentd-project/agentd/internal/parallel"
)

func TestTopKScoresByTagOverlapThenTierThenName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Contract{Name: "zeta", Tier: TierBase, Tags: []string{"go", "test"}})
	reg.Register(Contract{Name: "alpha", Tier: TierBase, Tags: []string{"go", "test"}})
	reg.Register(Contract{Name: "beta", Tier: TierPack, Tags: []string{"go"}})

	sel := NewSelector(reg)
	top := sel.TopK("write a go test", 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top))
	}
	if top[0].Name != "alpha" { // tie on score 2, base tier, alphabetically first
		t.Fatalf("expected alpha first on tie-break, got %s", top[0].Name)
	}
}

func TestCheckToolAccessBlocksBashUnconditionally(t *testing.T) {
	reg := NewRegistry()
	gate := NewAccessGate(reg, cost.New(0, 0, 0), parallel.New(10, nil), nil, ModeEnforce, ModeEnforce, ModeEnforce)
	res := gate.CheckToolAccess("sess-1", "bash")
	if res.Allowed {
		t.Fatalf("expected bash to always be blocked")
	}
}

func TestCheckToolAccessEnforcesActiveSkillAllowList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Contract{Name: "writer", Tools: ToolSpec{Required: []string{"write_file"}}})
	gate := NewAccessGate(reg, cost.New(0, 0, 0), parallel.New(10, nil), nil, ModeEnforce, ModeEnforce, ModeEnforce)
	gate.SetActiveSkill("sess-1", "writer")

	if res := gate.CheckToolAccess("sess-1", "write_file"); !res.Allowed {
		t.Fatalf("expected required tool to be allowed, got %+v", res)
	}
	if res := gate.CheckToolAccess("sess-1", "delete_file"); res.Allowed {
		t.Fatalf("expected tool outside allow-list to be rejected")
	}
}

func TestCheckToolAccessExemptsFixedSetFromAllowList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Contract{Name: "writer", Tools: ToolSpec{Required: []string{"write_file"}}})
	gate := NewAccessGate(reg, cost.New(0, 0, 0), parallel.New(10, nil), nil, ModeEnforce, ModeEnforce, ModeEnforce)
	gate.SetActiveSkill("sess-1", "writer")

	if res := gate.CheckToolAccess("sess-1", "session_compact"); !res.Allowed {
		t.Fatalf("expected session_compact to always be exempt, got %+v", res)
	}
}

func TestCheckToolAccessRejectsWhenCostBudgetBlocked(t *testing.T) {
	reg := NewRegistry()
	ct := cost.New(1, 0, 0)
	ct.RecordTurn("sess-1", cost.TurnCost{USD: 2})
	gate := NewAccessGate(reg, ct, parallel.New(10, nil), nil, ModeOff, ModeOff, ModeOff)

	if res := gate.CheckToolAccess("sess-1", "read_file"); res.Allowed {
		t.Fatalf("expected blocked cost budget to reject tool access")
	}
}

func TestCheckToolAccessEnforcesSkillToolCallBudget(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Contract{Name: "writer", Tools: ToolSpec{Required: []string{"write_file"}}, Budget: BudgetSpec{MaxToolCalls: 1}})
	gate := NewAccessGate(reg, cost.New(0, 0, 0), parallel.New(10, nil), nil, ModeOff, ModeOff, ModeEnforce)
	gate.SetActiveSkill("sess-1", "writer")

	gate.RecordToolCall("sess-1", "writer", 10)
	res := gate.CheckToolAccess("sess-1", "write_file")
	if res.Allowed {
		t.Fatalf("expected skill maxToolCalls budget to reject further calls")
	}
}

func TestCommandDenyListBlocksRegardlessOfSkill(t *testing.T) {
	reg := NewRegistry()
	gate := NewAccessGate(reg, cost.New(0, 0, 0), parallel.New(10, nil), []string{"dangerous_tool"}, ModeOff, ModeOff, ModeOff)
	if res := gate.CheckToolAccess("sess-1", "dangerous_tool"); res.Allowed {
		t.Fatalf("expected deny-listed tool to be rejected")
	}
}
