package workspace

import (
	"os"
	"testing"
	"time"
)

func TestNewCreatesDirectoryTree(t *testing.T) {
	layout, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, dir := range []string{layout.Dir(), layout.EventsDir(), layout.ScheduleDir(), layout.TurnWALDir(), layout.ShadowsDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected %s to exist as a directory, err=%v", dir, err)
		}
	}
}

func TestSanitizeFilenameReplacesPathSeparators(t *testing.T) {
	got := SanitizeFilename("a/b:c\\d")
	if got != "a_b_c_d" {
		t.Fatalf("expected a_b_c_d, got %q", got)
	}
}

func TestWritePIDThenReadPIDRoundTrips(t *testing.T) {
	layout, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := PIDRecord{PID: 1234, StartedAt: time.Now().Truncate(time.Second), Cwd: "/tmp/ws"}
	if err := layout.WritePID(rec); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	got, err := layout.ReadPID()
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if got.PID != rec.PID || got.Cwd != rec.Cwd {
		t.Fatalf("expected round-tripped record to match, got %+v", got)
	}
}

func TestRemovePIDIsIdempotent(t *testing.T) {
	layout, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := layout.RemovePID(); err != nil {
		t.Fatalf("RemovePID on a missing file should not error, got %v", err)
	}
	if err := layout.WritePID(PIDRecord{PID: 1}); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	if err := layout.RemovePID(); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if err := layout.RemovePID(); err != nil {
		t.Fatalf("second RemovePID should still be a no-op, got %v", err)
	}
}

func TestAtomicWriteFileThenReadBack(t *testing.T) {
	path := t.TempDir() + "/nested/out.json"
	if err := AtomicWriteFile(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("unexpected contents: %s", data)
	}
}
