// Package workspace owns the on-disk layout under a workspace's ".agentd" directory
// and the daemon's PID-file lifecycle, mirroring the teacher's bootstrap/doctor
// conventions for workspace sanity files.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Layout resolves every persisted path beneath a workspace root's ".agentd" directory.
type Layout struct {
	Root string // workspace root (contains .agentd/)
}

// New returns a Layout rooted at dir, creating the .agentd directory tree if absent.
func New(dir string) (*Layout, error) {
	l := &Layout{Root: dir}
	for _, sub := range []string{l.Dir(), l.EventsDir(), l.ScheduleDir(), l.TurnWALDir(), l.ShadowsDir()} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: create %s: %w", sub, err)
		}
	}
	return l, nil
}

// Dir returns the workspace's ".agentd" root.
func (l *Layout) Dir() string { return filepath.Join(l.Root, ".agentd") }

// EventsDir returns the per-session event log directory.
func (l *Layout) EventsDir() string { return filepath.Join(l.Dir(), "events") }

// EventLogPath returns the NDJSON event log path for a session.
func (l *Layout) EventLogPath(sessionID string) string {
	return filepath.Join(l.EventsDir(), SanitizeFilename(sessionID)+".ndjson")
}

// LedgerPath returns the evidence ledger NDJSON path.
func (l *Layout) LedgerPath() string { return filepath.Join(l.Dir(), "ledger.ndjson") }

// ScheduleDir returns the scheduler's persistence directory.
func (l *Layout) ScheduleDir() string { return filepath.Join(l.Dir(), "schedule") }

// ScheduleProjectionPath returns the scheduler snapshot path.
func (l *Layout) ScheduleProjectionPath() string {
	return filepath.Join(l.ScheduleDir(), "projection.json")
}

// TurnWALDir returns the root of the turn write-ahead log, one subdirectory per source.
func (l *Layout) TurnWALDir() string { return filepath.Join(l.Dir(), "turn-wal") }

// TurnWALSourceDir returns the WAL directory for one source.
func (l *Layout) TurnWALSourceDir(source string) string {
	return filepath.Join(l.TurnWALDir(), SanitizeFilename(source))
}

// ShadowsDir returns the directory holding the spilled before-contents of every
// pre-existing file in a patch set, used for rollback.
func (l *Layout) ShadowsDir() string { return filepath.Join(l.Dir(), "shadows") }

// ConfigPath returns the config overlay path.
func (l *Layout) ConfigPath() string { return filepath.Join(l.Dir(), "config.json") }

// PIDPath returns the daemon PID-file path.
func (l *Layout) PIDPath() string { return filepath.Join(l.Dir(), "agentd.pid") }

// SanitizeFilename makes an arbitrary ID safe to embed as a filename component.
func SanitizeFilename(id string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(id)
}

// PIDRecord is the JSON body written to the PID file while the daemon is running.
type PIDRecord struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Cwd       string    `json:"cwd"`
}

// WritePID writes the daemon's PID record atomically (temp file + rename), matching
// the teacher's atomic-write idiom in sessions.Manager.Save.
func (l *Layout) WritePID(rec PIDRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(l.PIDPath(), data)
}

// RemovePID removes the PID file, ignoring a not-exist error.
func (l *Layout) RemovePID() error {
	if err := os.Remove(l.PIDPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadPID reads the current PID record, if any.
func (l *Layout) ReadPID() (*PIDRecord, error) {
	data, err := os.ReadFile(l.PIDPath())
	if err != nil {
		return nil, err
	}
	var rec PIDRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "tmp-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// AtomicWriteFile exposes the atomic temp-file-then-rename write helper for other
// packages that persist one JSON file per record (ledger checkpoints, WAL records,
// schedule projections).
func AtomicWriteFile(path string, data []byte) error {
	return atomicWrite(path, data)
}
