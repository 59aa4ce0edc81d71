package filetrack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentd-project/agentd/internal/workspace"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	dir := t.TempDir()
	layout, err := workspace.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	return New(layout, NewDefaultClassifier()), dir
}

func TestCaptureCompleteProducesModifyPatch(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("before"), 0o644); err != nil {
		t.Fatal(err)
	}

	args := map[string]any{"path": path}
	if err := tr.CaptureBeforeToolCall("sess-1", "call-1", "write_file", args); err != nil {
		t.Fatalf("CaptureBeforeToolCall: %v", err)
	}

	if err := os.WriteFile(path, []byte("after"), 0o644); err != nil {
		t.Fatal(err)
	}

	patch, err := tr.CompleteToolCall("sess-1", "call-1", true)
	if err != nil {
		t.Fatalf("CompleteToolCall: %v", err)
	}
	if patch == nil {
		t.Fatal("expected a patch set")
	}
	if len(patch.Changes) != 1 || patch.Changes[0].Action != ActionModify {
		t.Fatalf("expected a single modify change, got %+v", patch.Changes)
	}
}

func TestCaptureCompleteDetectsAddAndDelete(t *testing.T) {
	tr, root := newTestTracker(t)
	newPath := filepath.Join(root, "new.txt")

	if err := tr.CaptureBeforeToolCall("sess-2", "call-add", "write_file", map[string]any{"path": newPath}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newPath, []byte("created"), 0o644); err != nil {
		t.Fatal(err)
	}
	patch, err := tr.CompleteToolCall("sess-2", "call-add", true)
	if err != nil {
		t.Fatal(err)
	}
	if patch.Changes[0].Action != ActionAdd {
		t.Fatalf("expected add action, got %s", patch.Changes[0].Action)
	}
	if patch.Changes[0].BeforeHash != AbsentHash {
		t.Fatalf("expected absent before-hash for a new file")
	}

	if err := tr.CaptureBeforeToolCall("sess-2", "call-del", "delete_file", map[string]any{"path": newPath}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(newPath); err != nil {
		t.Fatal(err)
	}
	patch2, err := tr.CompleteToolCall("sess-2", "call-del", true)
	if err != nil {
		t.Fatal(err)
	}
	if patch2.Changes[0].Action != ActionDelete {
		t.Fatalf("expected delete action, got %s", patch2.Changes[0].Action)
	}
}

func TestCompleteOnFailureDiscardsCapture(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "b.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tr.CaptureBeforeToolCall("sess-3", "call-1", "write_file", map[string]any{"path": path}); err != nil {
		t.Fatal(err)
	}
	patch, err := tr.CompleteToolCall("sess-3", "call-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if patch != nil {
		t.Fatalf("expected no patch set on failed tool call")
	}

	result, err := tr.RollbackLast("sess-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RestoredPaths) != 0 {
		t.Fatalf("expected nothing to roll back after a discarded capture")
	}
}

func TestRollbackLastRestoresContent(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "c.txt")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tr.CaptureBeforeToolCall("sess-4", "call-1", "edit_file", map[string]any{"path": path}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("mutated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.CompleteToolCall("sess-4", "call-1", true); err != nil {
		t.Fatal(err)
	}

	result, err := tr.RollbackLast("sess-4")
	if err != nil {
		t.Fatalf("RollbackLast: %v", err)
	}
	if len(result.RestoredPaths) != 1 {
		t.Fatalf("expected 1 restored path, got %+v", result)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Fatalf("expected restored content %q, got %q", "original", string(data))
	}
}

func TestRollbackLastRemovesAddedFile(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "added.txt")

	if err := tr.CaptureBeforeToolCall("sess-5", "call-1", "write_file", map[string]any{"path": path}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("new content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.CompleteToolCall("sess-5", "call-1", true); err != nil {
		t.Fatal(err)
	}

	if _, err := tr.RollbackLast("sess-5"); err != nil {
		t.Fatalf("RollbackLast: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected added file to be removed on rollback")
	}
}

func TestUntrackedToolIsNoOp(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "x.txt")
	if err := tr.CaptureBeforeToolCall("sess-6", "call-1", "read_file", map[string]any{"path": path}); err != nil {
		t.Fatalf("expected no error for untracked tool: %v", err)
	}
	patch, err := tr.CompleteToolCall("sess-6", "call-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if patch != nil {
		t.Fatalf("expected no patch set for an untracked tool call")
	}
}
