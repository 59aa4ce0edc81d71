package ledger

import (
	"testing"

	"github.com/agentd-project/agentd/internal/workspace"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	layout, err := workspace.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	return New(layout)
}

func TestAppendChainsHashes(t *testing.T) {
	l := newTestLedger(t)
	var rows []Row
	for i := 0; i < 4; i++ {
		r, err := l.Append(AppendInput{
			SessionID:  "sess-1",
			Turn:       int64(i),
			Tool:       "run_tests",
			FullOutput: "output",
			Verdict:    VerdictPass,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		rows = append(rows, r)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].PreviousHash != rows[i-1].Hash {
			t.Fatalf("row %d: previousHash does not link to row %d's hash", i, i-1)
		}
	}
	if idx := VerifyChain(rows); idx != -1 {
		t.Fatalf("expected intact chain, broke at %d", idx)
	}
}

func TestCompactSessionBelowKeepLastIsNoOp(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(AppendInput{SessionID: "sess-2", Tool: "t", FullOutput: "o", Verdict: VerdictPass}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.CompactSession("sess-2", 10, "test"); err != nil {
		t.Fatal(err)
	}
	rows, err := l.Rows("sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected no-op compaction to leave 3 rows, got %d", len(rows))
	}
}

func TestCompactSessionPreservesChainAcrossCheckpoint(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 6; i++ {
		if _, err := l.Append(AppendInput{SessionID: "sess-3", Tool: "t", FullOutput: "o", Verdict: VerdictPass}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.CompactSession("sess-3", 2, "size pressure"); err != nil {
		t.Fatalf("CompactSession: %v", err)
	}
	rows, err := l.Rows("sess-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 { // 1 checkpoint + 2 kept
		t.Fatalf("expected 3 rows after compaction, got %d", len(rows))
	}
	if !rows[0].Checkpoint {
		t.Fatalf("expected first row to be the synthetic checkpoint")
	}
	if idx := VerifyChain(rows); idx != -1 {
		t.Fatalf("expected chain intact after compaction, broke at %d", idx)
	}
}

func TestQueryFiltersByVerdictAndTool(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Append(AppendInput{SessionID: "sess-4", Tool: "run_tests", FullOutput: "ok", Verdict: VerdictPass}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(AppendInput{SessionID: "sess-4", Tool: "run_lint", FullOutput: "bad", Verdict: VerdictFail}); err != nil {
		t.Fatal(err)
	}
	rows, err := l.Query("sess-4", QueryOpts{Verdict: VerdictFail})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Tool != "run_lint" {
		t.Fatalf("expected 1 failing run_lint row, got %+v", rows)
	}
}

func TestSessionsDoNotCrossContaminateChain(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Append(AppendInput{SessionID: "a", Tool: "t", FullOutput: "x", Verdict: VerdictPass}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(AppendInput{SessionID: "b", Tool: "t", FullOutput: "y", Verdict: VerdictPass}); err != nil {
		t.Fatal(err)
	}
	rowsA, _ := l.Rows("a")
	rowsB, _ := l.Rows("b")
	if len(rowsA) != 1 || len(rowsB) != 1 {
		t.Fatalf("expected each session to have its own single-row chain")
	}
	if rowsA[0].PreviousHash != "" || rowsB[0].PreviousHash != "" {
		t.Fatalf("expected each session's first row to start with an empty previousHash")
	}
}

func TestBuildLedgerDigestTruncatesToMaxRows(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 5; i++ {
		if _, err := l.Append(AppendInput{SessionID: "sess-5", Tool: "t", FullOutput: "o", Verdict: VerdictPass}); err != nil {
			t.Fatal(err)
		}
	}
	digest, err := l.BuildLedgerDigest("sess-5", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(digest) != 2 {
		t.Fatalf("expected digest window of 2, got %d", len(digest))
	}
}

func TestReloadFromDiskPreservesChain(t *testing.T) {
	dir := t.TempDir()
	layout, err := workspace.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	l1 := New(layout)
	for i := 0; i < 3; i++ {
		if _, err := l1.Append(AppendInput{SessionID: "sess-6", Tool: "t", FullOutput: "o", Verdict: VerdictPass}); err != nil {
			t.Fatal(err)
		}
	}
	l2 := New(layout)
	rows, err := l2.Rows("sess-6")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows reloaded from disk, got %d", len(rows))
	}
	if idx := VerifyChain(rows); idx != -1 {
		t.Fatalf("expected reloaded chain intact, broke at %d", idx)
	}
}
