// Package turnwal is the turn write-ahead log: one JSON file per record, one
// directory per source, with idempotent dedupe-keyed appends and a monotonic
// pending → inflight → done|failed|expired state machine.
//
// Grounded on the teacher's internal/sessions.Manager atomic-write-one-file-per-key
// persistence idiom, and on internal/tools/delegate_policy.go's retry/attempts
// bookkeeping for the attempts-counter-per-transition behavior.
package turnwal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentd-project/agentd/internal/syncutil"
	"github.com/agentd-project/agentd/internal/workspace"
	"github.com/agentd-project/agentd/pkg/schema"
)

// Status is a WAL record's lifecycle state. Terminal states (done, failed, expired)
// are sticky: no further transition is permitted out of them.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

func (s Status) terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusExpired
}

// Source is where a turn's envelope originated.
type Source string

const (
	SourceChannel   Source = "channel"
	SourceSchedule  Source = "schedule"
	SourceGateway   Source = "gateway"
	SourceHeartbeat Source = "heartbeat"
)

// Record is one turn write-ahead log entry.
type Record struct {
	WalID      string          `json:"walId"`
	TurnID     string          `json:"turnId"`
	SessionID  string          `json:"sessionId"`
	Channel    string          `json:"channel,omitempty"`
	Source     Source          `json:"source"`
	Status     Status          `json:"status"`
	Envelope   json.RawMessage `json:"envelope"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Attempts   int             `json:"attempts"`
	TTLMs      int64           `json:"ttlMs"`
	DedupeKey  string          `json:"dedupeKey,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
	Schema     string          `json:"schema,omitempty"`
}

// WAL is the on-disk turn write-ahead log.
type WAL struct {
	layout *workspace.Layout
	locks  *syncutil.KeyedMutex

	mu        sync.Mutex
	dedupe    map[string]string // dedupeKey -> walId
	bySource  map[Source]map[string]Record // source -> walId -> record, in-memory mirror
}

// New returns a WAL rooted at layout.
func New(layout *workspace.Layout) *WAL {
	return &WAL{
		layout:   layout,
		locks:    syncutil.NewKeyedMutex(),
		dedupe:   make(map[string]string),
		bySource: make(map[Source]map[string]Record),
	}
}

// AppendPendingInput is the caller-supplied content for a new pending record.
type AppendPendingInput struct {
	TurnID    string
	SessionID string
	Channel   string
	Source    Source
	Envelope  json.RawMessage
	TTLMs     int64
	DedupeKey string
}

// AppendPending returns the existing record if DedupeKey is already present
// (idempotence); otherwise persists a new pending record.
func (w *WAL) AppendPending(in AppendPendingInput) (Record, error) {
	unlock := w.locks.Lock(string(in.Source))
	defer unlock()

	if in.DedupeKey != "" {
		w.mu.Lock()
		walID, ok := w.dedupe[in.DedupeKey]
		w.mu.Unlock()
		if ok {
			existing, err := w.read(in.Source, walID)
			if err == nil {
				return existing, nil
			}
		}
	}

	now := time.Now().UTC()
	rec := Record{
		WalID:     uuid.NewString(),
		TurnID:    in.TurnID,
		SessionID: in.SessionID,
		Channel:   in.Channel,
		Source:    in.Source,
		Status:    StatusPending,
		Envelope:  in.Envelope,
		CreatedAt: now,
		UpdatedAt: now,
		TTLMs:     in.TTLMs,
		DedupeKey: in.DedupeKey,
		Schema:    schema.SchemaTurnWALV1,
	}
	if err := w.write(rec); err != nil {
		return Record{}, err
	}

	w.mu.Lock()
	if in.DedupeKey != "" {
		w.dedupe[in.DedupeKey] = rec.WalID
	}
	if w.bySource[rec.Source] == nil {
		w.bySource[rec.Source] = make(map[string]Record)
	}
	w.bySource[rec.Source][rec.WalID] = rec
	w.mu.Unlock()

	return rec, nil
}

// transition applies a monotonic status change, bumping Attempts, refusing to leave
// a terminal state.
func (w *WAL) transition(source Source, walID string, next Status, lastError string) (Record, error) {
	unlock := w.locks.Lock(string(source))
	defer unlock()

	rec, err := w.read(source, walID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status.terminal() {
		return rec, nil // terminal states are sticky
	}
	rec.Status = next
	rec.Attempts++
	rec.UpdatedAt = time.Now().UTC()
	if lastError != "" {
		rec.LastError = lastError
	}
	if err := w.write(rec); err != nil {
		return Record{}, err
	}

	w.mu.Lock()
	if w.bySource[source] == nil {
		w.bySource[source] = make(map[string]Record)
	}
	w.bySource[source][walID] = rec
	w.mu.Unlock()

	return rec, nil
}

// MarkInflight transitions a pending record to inflight.
func (w *WAL) MarkInflight(source Source, walID string) (Record, error) {
	return w.transition(source, walID, StatusInflight, "")
}

// MarkDone transitions a record to the terminal done state.
func (w *WAL) MarkDone(source Source, walID string) (Record, error) {
	return w.transition(source, walID, StatusDone, "")
}

// MarkFailed transitions a record to the terminal failed state, recording err.
func (w *WAL) MarkFailed(source Source, walID string, cause error) (Record, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return w.transition(source, walID, StatusFailed, msg)
}

// MarkExpired transitions a record to the terminal expired state.
func (w *WAL) MarkExpired(source Source, walID string) (Record, error) {
	return w.transition(source, walID, StatusExpired, "")
}

// ListPending returns every non-terminal record across all sources, oldest first.
func (w *WAL) ListPending() ([]Record, error) {
	sources, err := w.listSourceDirs()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, src := range sources {
		recs, err := w.listSource(src)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if !r.Status.terminal() {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Compact deletes terminal records older than compactAfterMs.
func (w *WAL) Compact(compactAfterMs int64) (int, error) {
	sources, err := w.listSourceDirs()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(compactAfterMs) * time.Millisecond)
	removed := 0
	for _, src := range sources {
		recs, err := w.listSource(src)
		if err != nil {
			return removed, err
		}
		for _, r := range recs {
			if r.Status.terminal() && r.UpdatedAt.Before(cutoff) {
				unlock := w.locks.Lock(string(src))
				path := w.recordPath(src, r.WalID)
				if err := os.Remove(path); err == nil {
					removed++
					w.mu.Lock()
					delete(w.bySource[src], r.WalID)
					if r.DedupeKey != "" {
						delete(w.dedupe, r.DedupeKey)
					}
					w.mu.Unlock()
				}
				unlock()
			}
		}
	}
	return removed, nil
}

// Recover is run at startup: any pending record is left for the caller to retry up
// to maxRetries; any inflight record older than its TTL is marked expired, the rest
// are left for the current owner (the Scheduler) to drive to terminal. Returns the
// records still requiring a retry decision by the caller.
func (w *WAL) Recover(maxRetries int) ([]Record, error) {
	pending, err := w.ListPending()
	if err != nil {
		return nil, err
	}
	var retryable []Record
	now := time.Now()
	for _, r := range pending {
		switch r.Status {
		case StatusInflight:
			ttl := time.Duration(r.TTLMs) * time.Millisecond
			if ttl > 0 && now.Sub(r.UpdatedAt) > ttl {
				if _, err := w.MarkExpired(r.Source, r.WalID); err != nil {
					return nil, err
				}
				continue
			}
			// left for the current owner
		case StatusPending:
			if r.Attempts < maxRetries {
				retryable = append(retryable, r)
			} else {
				if _, err := w.MarkExpired(r.Source, r.WalID); err != nil {
					return nil, err
				}
			}
		}
	}
	return retryable, nil
}

func (w *WAL) recordPath(source Source, walID string) string {
	return filepath.Join(w.layout.TurnWALSourceDir(string(source)), workspace.SanitizeFilename(walID)+".json")
}

func (w *WAL) write(rec Record) error {
	dir := w.layout.TurnWALSourceDir(string(rec.Source))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("turnwal: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("turnwal: marshal: %w", err)
	}
	return workspace.AtomicWriteFile(w.recordPath(rec.Source, rec.WalID), data)
}

func (w *WAL) read(source Source, walID string) (Record, error) {
	w.mu.Lock()
	if m, ok := w.bySource[source]; ok {
		if rec, ok := m[walID]; ok {
			w.mu.Unlock()
			return rec, nil
		}
	}
	w.mu.Unlock()

	data, err := os.ReadFile(w.recordPath(source, walID))
	if err != nil {
		return Record{}, fmt.Errorf("turnwal: read %s/%s: %w", source, walID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("turnwal: parse %s/%s: %w", source, walID, err)
	}
	return rec, nil
}

func (w *WAL) listSourceDirs() ([]Source, error) {
	entries, err := os.ReadDir(w.layout.TurnWALDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("turnwal: readdir: %w", err)
	}
	var out []Source
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, Source(e.Name()))
		}
	}
	return out, nil
}

func (w *WAL) listSource(source Source) ([]Record, error) {
	dir := w.layout.TurnWALSourceDir(string(source))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("turnwal: readdir %s: %w", dir, err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
