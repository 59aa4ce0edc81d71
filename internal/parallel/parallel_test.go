package parallel

import "testing"

func TestAcquireSlotEnforcesPerSkillCap(t *testing.T) {
	m := New(10, map[string]int{"reviewer": 1})
	ok1, release1 := m.AcquireSlot("reviewer", "run-1")
	if !ok1 {
		t.Fatalf("expected first acquire to succeed")
	}
	ok2, _ := m.AcquireSlot("reviewer", "run-2")
	if ok2 {
		t.Fatalf("expected second acquire to be rejected by the per-skill cap")
	}
	release1()
	ok3, _ := m.AcquireSlot("reviewer", "run-3")
	if !ok3 {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestAcquireSlotEnforcesGlobalCap(t *testing.T) {
	m := New(1, nil)
	ok1, _ := m.AcquireSlot("a", "run-1")
	ok2, _ := m.AcquireSlot("b", "run-2")
	if !ok1 || ok2 {
		t.Fatalf("expected global cap of 1 to admit only one run, got ok1=%v ok2=%v", ok1, ok2)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := New(5, nil)
	ok, release := m.AcquireSlot("a", "run-1")
	if !ok {
		t.Fatal("expected acquire to succeed")
	}
	release()
	release()
	if got := m.ActiveCountGlobal(); got != 0 {
		t.Fatalf("expected double release to decrement only once, got active=%d", got)
	}
}

func TestUnboundedSkillHasNoCap(t *testing.T) {
	m := New(100, map[string]int{})
	for i := 0; i < 5; i++ {
		ok, _ := m.AcquireSlot("free", "run")
		if !ok {
			t.Fatalf("expected unbounded skill to never reject")
		}
	}
}
