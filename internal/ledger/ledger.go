// Package ledger is the hash-chained evidence log of tool results: an append-only,
// per-session sequence of rows where each row's hash commits to the previous row's
// hash, the row's own id, its output hash, and its verdict. Rewriting a past row
// invalidates every hash after it, which makes the chain tamper-evident — not
// tamper-proof against the process that owns the file, only against silent
// retroactive edits.
//
// Grounded on the teacher's internal/tools/delegate_policy.go quality-gate pipeline
// for the verdict vocabulary (pass/fail/inconclusive) and retry bookkeeping shape,
// and on internal/sessions.Manager for the atomic append-and-cache discipline. The
// sha256 hash chain itself is built on the standard library: no example repo in the
// pack reaches for a third-party hashing library for this kind of integrity chain,
// and crypto/sha256 is the idiomatic default for a non-keyed content digest.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentd-project/agentd/internal/syncutil"
	"github.com/agentd-project/agentd/internal/workspace"
)

// Verdict is the ternary outcome recorded with each row.
type Verdict string

const (
	VerdictPass        Verdict = "pass"
	VerdictFail        Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

// Row is one entry in a session's evidence ledger.
type Row struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"sessionId"`
	Turn          int64             `json:"turn"`
	Skill         string            `json:"skill,omitempty"`
	Tool          string            `json:"tool"`
	ArgsSummary   string            `json:"argsSummary,omitempty"`
	OutputSummary string            `json:"outputSummary,omitempty"`
	OutputHash    string            `json:"outputHash"`
	PreviousHash  string            `json:"previousHash"`
	Hash          string            `json:"hash"`
	Verdict       Verdict           `json:"verdict"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	Checkpoint    bool              `json:"checkpoint,omitempty"`
}

// AppendInput is the caller-supplied content for a new row; OutputHash, PreviousHash,
// Hash, ID, and CreatedAt are computed by Append.
type AppendInput struct {
	SessionID     string
	Turn          int64
	Skill         string
	Tool          string
	ArgsSummary   string
	OutputSummary string
	FullOutput    string
	Verdict       Verdict
	Metadata      map[string]string
}

// Ledger is the on-disk, per-session hash-chained evidence store.
type Ledger struct {
	layout *workspace.Layout
	locks  *syncutil.KeyedMutex

	mu    sync.RWMutex
	cache map[string][]Row // sessionID -> rows, insertion order
}

// New returns a Ledger rooted at layout.
func New(layout *workspace.Layout) *Ledger {
	return &Ledger{
		layout: layout,
		locks:  syncutil.NewKeyedMutex(),
		cache:  make(map[string][]Row),
	}
}

// hashHex returns the hex sha256 digest of s.
func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// chainHash computes H(previousHash ∥ id ∥ outputHash ∥ verdict), the committing hash
// for a row, per spec.
func chainHash(previousHash, id, outputHash string, verdict Verdict) string {
	return hashHex(previousHash + id + outputHash + string(verdict))
}

// Append computes outputHash, links to the session's current chain head, writes the
// new row to disk, and returns it.
func (l *Ledger) Append(in AppendInput) (Row, error) {
	unlock := l.locks.Lock(in.SessionID)
	defer unlock()

	rows, err := l.loadLocked(in.SessionID)
	if err != nil {
		return Row{}, err
	}

	var previousHash string
	if len(rows) > 0 {
		previousHash = rows[len(rows)-1].Hash
	}

	id := uuid.NewString()
	outputHash := hashHex(in.FullOutput)
	row := Row{
		ID:            id,
		SessionID:     in.SessionID,
		Turn:          in.Turn,
		Skill:         in.Skill,
		Tool:          in.Tool,
		ArgsSummary:   in.ArgsSummary,
		OutputSummary: in.OutputSummary,
		OutputHash:    outputHash,
		PreviousHash:  previousHash,
		Verdict:       in.Verdict,
		Metadata:      in.Metadata,
		CreatedAt:     time.Now().UTC(),
	}
	row.Hash = chainHash(previousHash, id, outputHash, in.Verdict)

	rows = append(rows, row)
	if err := l.persistLocked(in.SessionID, rows); err != nil {
		return Row{}, err
	}

	l.mu.Lock()
	l.cache[in.SessionID] = rows
	l.mu.Unlock()

	return row, nil
}

// CompactSession condenses every row but the last keepLast into a single synthetic
// checkpoint row whose hash becomes the new chain root, preserving tamper-evidence
// across the boundary: the checkpoint's hash still commits to the prefix it replaces
// by chaining from the last compacted row's hash. The kept rows are re-linked to the
// checkpoint and their hashes recomputed. A session with no more than keepLast rows
// is left untouched (the spec's no-op boundary law).
func (l *Ledger) CompactSession(sessionID string, keepLast int, reason string) error {
	unlock := l.locks.Lock(sessionID)
	defer unlock()

	rows, err := l.loadLocked(sessionID)
	if err != nil {
		return err
	}
	if keepLast < 0 {
		keepLast = 0
	}
	if len(rows) <= keepLast {
		return nil
	}

	prefix := rows[:len(rows)-keepLast]
	tail := rows[len(rows)-keepLast:]

	last := prefix[len(prefix)-1]
	ckptID := uuid.NewString()
	summary := fmt.Sprintf("compacted %d rows: %s", len(prefix), reason)
	ckptOutputHash := hashHex(summary)
	ckpt := Row{
		ID:            ckptID,
		SessionID:     sessionID,
		Tool:          "ledger_checkpoint",
		OutputSummary: summary,
		OutputHash:    ckptOutputHash,
		PreviousHash:  last.Hash,
		Verdict:       VerdictInconclusive,
		CreatedAt:     time.Now().UTC(),
		Checkpoint:    true,
		Metadata:      map[string]string{"compactedRows": fmt.Sprintf("%d", len(prefix)), "reason": reason},
	}
	ckpt.Hash = chainHash(last.Hash, ckptID, ckptOutputHash, VerdictInconclusive)

	newRows := []Row{ckpt}
	prev := ckpt.Hash
	for _, r := range tail {
		r.PreviousHash = prev
		r.Hash = chainHash(prev, r.ID, r.OutputHash, r.Verdict)
		prev = r.Hash
		newRows = append(newRows, r)
	}
	if err := l.persistLocked(sessionID, newRows); err != nil {
		return err
	}

	l.mu.Lock()
	l.cache[sessionID] = newRows
	l.mu.Unlock()
	return nil
}

// QueryOpts filters rows returned by Query.
type QueryOpts struct {
	File    string // matched against ArgsSummary/OutputSummary substring
	Skill   string
	Verdict Verdict
	Tool    string
	Last    int
}

// Query filters a session's rows, returned in chain order (oldest first) and, when
// Last > 0, truncated to the newest Last matches (0 = no limit), matching spec 4.2's query({file?, skill?, verdict?, tool?, last?}).
func (l *Ledger) Query(sessionID string, opts QueryOpts) ([]Row, error) {
	rows, err := l.Rows(sessionID)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range rows {
		if opts.Skill != "" && r.Skill != opts.Skill {
			continue
		}
		if opts.Tool != "" && r.Tool != opts.Tool {
			continue
		}
		if opts.Verdict != "" && r.Verdict != opts.Verdict {
			continue
		}
		if opts.File != "" && !containsFile(r, opts.File) {
			continue
		}
		out = append(out, r)
	}
	if opts.Last > 0 && len(out) > opts.Last {
		out = out[len(out)-opts.Last:]
	}
	return out, nil
}

func containsFile(r Row, file string) bool {
	return strings.Contains(r.ArgsSummary, file) || strings.Contains(r.OutputSummary, file)
}

// Rows returns every row for sessionID in chain order.
func (l *Ledger) Rows(sessionID string) ([]Row, error) {
	l.mu.RLock()
	if cached, ok := l.cache[sessionID]; ok {
		out := make([]Row, len(cached))
		copy(out, cached)
		l.mu.RUnlock()
		return out, nil
	}
	l.mu.RUnlock()

	rows, err := l.readFromDisk(sessionID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache[sessionID] = rows
	l.mu.Unlock()
	out := make([]Row, len(rows))
	copy(out, rows)
	return out, nil
}

// BuildLedgerDigest returns a bounded rolling window of recent rows' short summaries
// for use in context injection, truncated to maxRows (0 = all).
func (l *Ledger) BuildLedgerDigest(sessionID string, maxRows int) ([]Row, error) {
	rows, err := l.Rows(sessionID)
	if err != nil {
		return nil, err
	}
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[len(rows)-maxRows:]
	}
	return rows, nil
}

// VerifyChain checks that for every consecutive pair (r1, r2) in a session's ledger,
// r2.PreviousHash == r1.Hash, and that every row's own Hash matches its recomputed
// commitment. Returns the index of the first broken row, or -1 if the chain holds.
func VerifyChain(rows []Row) int {
	for i, r := range rows {
		want := chainHash(r.PreviousHash, r.ID, r.OutputHash, r.Verdict)
		if want != r.Hash {
			return i
		}
		if i > 0 && r.PreviousHash != rows[i-1].Hash {
			return i
		}
	}
	return -1
}

func (l *Ledger) loadLocked(sessionID string) ([]Row, error) {
	l.mu.RLock()
	if cached, ok := l.cache[sessionID]; ok {
		out := make([]Row, len(cached))
		copy(out, cached)
		l.mu.RUnlock()
		return out, nil
	}
	l.mu.RUnlock()
	return l.readFromDisk(sessionID)
}

func (l *Ledger) readFromDisk(sessionID string) ([]Row, error) {
	all, err := readAllRows(l.layout.LedgerPath())
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range all {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *Ledger) persistLocked(sessionID string, sessionRows []Row) error {
	all, err := readAllRows(l.layout.LedgerPath())
	if err != nil {
		return err
	}
	var kept []Row
	for _, r := range all {
		if r.SessionID != sessionID {
			kept = append(kept, r)
		}
	}
	kept = append(kept, sessionRows...)
	return writeAllRows(l.layout.LedgerPath(), kept)
}

func readAllRows(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	var out []Row
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var r Row
		if err := json.Unmarshal(line, &r); err != nil {
			continue // skip any malformed line, same tolerance as eventstore
		}
		out = append(out, r)
	}
	return out, nil
}

func writeAllRows(path string, rows []Row) error {
	var buf []byte
	for _, r := range rows {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("ledger: marshal row: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return workspace.AtomicWriteFile(path, buf)
}
