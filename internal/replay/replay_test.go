package replay

import (
	"encoding/json"
	"testing"

	"github.com/agentd-project/agentd/internal/eventstore"
	"github.com/agentd-project/agentd/internal/workspace"
	"github.com/agentd-project/agentd/pkg/schema"
)

func marshalPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestFoldAppliesTaskItemsInCreationOrder(t *testing.T) {
	recs := []eventstore.Record{
		{ID: "1", Type: schema.TypeTaskLedger, Payload: marshalPayload(t, taskEventPayload{AddItem: &TaskItem{ID: "a", Text: "first", Status: "todo"}})},
		{ID: "2", Type: schema.TypeTaskLedger, Payload: marshalPayload(t, taskEventPayload{AddItem: &TaskItem{ID: "b", Text: "second", Status: "todo"}})},
	}
	state := Fold(recs, PressureThresholds{Low: 10, Medium: 25, High: 50})
	if len(state.Task.Items) != 2 || state.Task.Items[0].ID != "a" || state.Task.Items[1].ID != "b" {
		t.Fatalf("expected items in creation order, got %+v", state.Task.Items)
	}
}

func TestFoldDuplicateBlockerIDReplacesInPlace(t *testing.T) {
	recs := []eventstore.Record{
		{ID: "1", Type: schema.TypeTaskLedger, Payload: marshalPayload(t, taskEventPayload{Blocker: &Blocker{ID: "b1", Message: "first"}})},
		{ID: "2", Type: schema.TypeTaskLedger, Payload: marshalPayload(t, taskEventPayload{AddItem: &TaskItem{ID: "x"}})},
		{ID: "3", Type: schema.TypeTaskLedger, Payload: marshalPayload(t, taskEventPayload{Blocker: &Blocker{ID: "b1", Message: "updated"}})},
	}
	state := Fold(recs, PressureThresholds{})
	if len(state.Task.Blockers) != 1 {
		t.Fatalf("expected duplicate blocker id to replace in place, got %d blockers", len(state.Task.Blockers))
	}
	if state.Task.Blockers[0].Message != "updated" {
		t.Fatalf("expected replaced blocker message, got %q", state.Task.Blockers[0].Message)
	}
}

func TestFoldFirstSeenAtNeverDecreases(t *testing.T) {
	recs := []eventstore.Record{
		{ID: "1", Type: schema.TypeTruthLedger, Payload: marshalPayload(t, truthEventPayload{Fact: &Fact{ID: "f1", Summary: "seen", FirstSeenAt: 100, LastSeenAt: 100, Status: FactActive}})},
		{ID: "2", Type: schema.TypeTruthLedger, Payload: marshalPayload(t, truthEventPayload{Fact: &Fact{ID: "f1", Summary: "seen again", FirstSeenAt: 500, LastSeenAt: 500, Status: FactActive}})},
	}
	state := Fold(recs, PressureThresholds{})
	f := state.Truth.Facts["f1"]
	if f.FirstSeenAt != 100 {
		t.Fatalf("expected firstSeenAt to stay at 100, got %d", f.FirstSeenAt)
	}
	if f.LastSeenAt != 500 {
		t.Fatalf("expected lastSeenAt to update, got %d", f.LastSeenAt)
	}
}

func TestFoldResolvingFactRetainsRecord(t *testing.T) {
	recs := []eventstore.Record{
		{ID: "1", Type: schema.TypeTruthLedger, Payload: marshalPayload(t, truthEventPayload{Fact: &Fact{ID: "f1", Summary: "broken", Status: FactActive, FirstSeenAt: 1}})},
		{ID: "2", Type: schema.TypeTruthLedger, Payload: marshalPayload(t, truthEventPayload{ResolveID: "f1", ResolvedAt: 42})},
	}
	state := Fold(recs, PressureThresholds{})
	f, ok := state.Truth.Facts["f1"]
	if !ok {
		t.Fatalf("expected resolved fact to still be present")
	}
	if f.Status != FactResolved || f.ResolvedAt != 42 {
		t.Fatalf("expected fact resolved at 42, got %+v", f)
	}
}

func TestTapeCheckpointReplacesWorkingState(t *testing.T) {
	ckptPayload := checkpointPayload{
		Task:  TaskState{Status: TaskStatus{Phase: PhaseExecute}},
		Truth: TruthState{Facts: map[string]Fact{"snapped": {ID: "snapped", Status: FactActive}}},
	}
	recs := []eventstore.Record{
		{ID: "1", Type: schema.TypeTaskLedger, Payload: marshalPayload(t, taskEventPayload{AddItem: &TaskItem{ID: "stale"}})},
		{ID: "2", Type: schema.TypeTapeCheckpoint, Payload: marshalPayload(t, ckptPayload)},
		{ID: "3", Type: schema.TypeTaskLedger, Payload: marshalPayload(t, taskEventPayload{AddItem: &TaskItem{ID: "after"}})},
	}
	state := Fold(recs, PressureThresholds{})
	if _, ok := state.Truth.Facts["snapped"]; !ok {
		t.Fatalf("expected checkpoint's truth facts to be present")
	}
	if len(state.Task.Items) != 1 || state.Task.Items[0].ID != "after" {
		t.Fatalf("expected pre-checkpoint items discarded, post-checkpoint items applied on top, got %+v", state.Task.Items)
	}
	if state.Tape.LastCheckpointID != "2" {
		t.Fatalf("expected lastCheckpointId to be set")
	}
}

func TestClassifyPressureThresholds(t *testing.T) {
	thresholds := PressureThresholds{Low: 10, Medium: 25, High: 50}
	cases := []struct {
		entries int
		want    TapePressure
	}{
		{0, PressureNone},
		{9, PressureNone},
		{10, PressureLow},
		{24, PressureLow},
		{25, PressureMedium},
		{49, PressureMedium},
		{50, PressureHigh},
		{100, PressureHigh},
	}
	for _, c := range cases {
		got := classifyPressure(c.entries, thresholds)
		if got != c.want {
			t.Errorf("classifyPressure(%d) = %q, want %q", c.entries, got, c.want)
		}
	}
}

func TestEngineMemoizesUntilHeadAdvances(t *testing.T) {
	dir := t.TempDir()
	layout, err := workspace.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	store := eventstore.New(layout, true)
	engine := NewEngine(store, PressureThresholds{Low: 10, Medium: 25, High: 50})

	rec, _ := eventstore.NewRecord("sess-1", schema.TypeTaskLedger, taskEventPayload{AddItem: &TaskItem{ID: "a"}})
	if err := store.Append("sess-1", rec); err != nil {
		t.Fatal(err)
	}

	s1, err := engine.Replay("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(s1.Task.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(s1.Task.Items))
	}

	rec2, _ := eventstore.NewRecord("sess-1", schema.TypeTaskLedger, taskEventPayload{AddItem: &TaskItem{ID: "b"}})
	if err := store.Append("sess-1", rec2); err != nil {
		t.Fatal(err)
	}

	s2, err := engine.Replay("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(s2.Task.Items) != 2 {
		t.Fatalf("expected memoization to invalidate on new head, got %d items", len(s2.Task.Items))
	}
}

func TestClearSessionStateForcesReFold(t *testing.T) {
	dir := t.TempDir()
	layout, err := workspace.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	store := eventstore.New(layout, true)
	engine := NewEngine(store, PressureThresholds{})

	rec, _ := eventstore.NewRecord("sess-2", schema.TypeTaskLedger, taskEventPayload{AddItem: &TaskItem{ID: "a"}})
	if err := store.Append("sess-2", rec); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Replay("sess-2"); err != nil {
		t.Fatal(err)
	}
	engine.ClearSessionState("sess-2")
	store.ClearSessionCache("sess-2")

	state, err := engine.Replay("sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Task.Items) != 1 {
		t.Fatalf("expected re-fold to reproduce same state, got %d items", len(state.Task.Items))
	}
}
