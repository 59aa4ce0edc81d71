// Package replay folds a session's event log into the Task, Truth, and Tape
// projections that the rest of the system reads. It is the one place state is
// derived rather than stored: nothing here is persisted on its own, it is rebuilt
// by a pure left-fold over eventstore.Record values and memoized by (sessionID,
// head event id).
//
// Grounded on the teacher's internal/tools/policy.go evaluate() pipeline for the
// discipline of folding an ordered sequence of decisions into one final state, and
// on internal/sessions.Manager for the memoization-by-identity idiom (the manager
// keeps an in-memory Session keyed by session id and only reloads from disk when
// asked); generalized here from "memoize forever" to "memoize by head event id" so a
// new append invalidates exactly the sessions it touched.
package replay

import (
	"encoding/json"
	"sync"

	"github.com/agentd-project/agentd/internal/eventstore"
	"github.com/agentd-project/agentd/pkg/schema"
)

// Phase is a task's current lifecycle stage.
type Phase string

const (
	PhaseAlign       Phase = "align"
	PhaseInvestigate Phase = "investigate"
	PhaseExecute     Phase = "execute"
	PhaseVerify      Phase = "verify"
	PhaseBlocked     Phase = "blocked"
	PhaseDone        Phase = "done"
)

// Health is a task's current health signal.
type Health string

const (
	HealthOK                 Health = "ok"
	HealthNeedsSpec          Health = "needs_spec"
	HealthBlocked            Health = "blocked"
	HealthVerificationFailed Health = "verification_failed"
	HealthBudgetPressure     Health = "budget_pressure"
	HealthUnknown            Health = "unknown"
)

// TaskSpec is the goal description folded from task_ledger events.
type TaskSpec struct {
	Goal              string   `json:"goal,omitempty"`
	TargetFiles       []string `json:"targetFiles,omitempty"`
	TargetSymbols     []string `json:"targetSymbols,omitempty"`
	Constraints       []string `json:"constraints,omitempty"`
	VerificationLevel string   `json:"verificationLevel,omitempty"`
}

// TaskStatus is the folded status block of a TaskState.
type TaskStatus struct {
	Phase        Phase    `json:"phase"`
	Health       Health   `json:"health"`
	Reason       string   `json:"reason,omitempty"`
	TruthFactIDs []string `json:"truthFactIds,omitempty"`
}

// TaskItem is one entry in the task's ordered item list.
type TaskItem struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"` // todo | doing | done | blocked
}

// Blocker is an open obstacle recorded against the task.
type Blocker struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	Source      string `json:"source"`
	TruthFactID string `json:"truthFactId,omitempty"`
}

// TaskState is the fold of every task_ledger event for a session.
type TaskState struct {
	Spec     TaskSpec   `json:"spec"`
	Status   TaskStatus `json:"status"`
	Items    []TaskItem `json:"items"`
	Blockers []Blocker  `json:"blockers"`
}

// FactSeverity is a truth fact's severity.
type FactSeverity string

const (
	SeverityInfo  FactSeverity = "info"
	SeverityWarn  FactSeverity = "warn"
	SeverityError FactSeverity = "error"
)

// FactStatus is a truth fact's lifecycle status.
type FactStatus string

const (
	FactActive   FactStatus = "active"
	FactResolved FactStatus = "resolved"
)

// Fact is one entry in TruthState.Facts.
type Fact struct {
	ID           string       `json:"id"`
	Kind         string       `json:"kind"`
	Status       FactStatus   `json:"status"`
	Severity     FactSeverity `json:"severity"`
	Summary      string       `json:"summary"`
	Details      string       `json:"details,omitempty"`
	EvidenceIDs  []string     `json:"evidenceIds,omitempty"`
	FirstSeenAt  int64        `json:"firstSeenAt"`
	LastSeenAt   int64        `json:"lastSeenAt"`
	ResolvedAt   int64        `json:"resolvedAt,omitempty"`
}

// TruthState is the fold of every truth_ledger event for a session.
type TruthState struct {
	Facts map[string]Fact `json:"facts"`
}

// TapePressure is a coarse bucket of how much has happened since the last anchor.
type TapePressure string

const (
	PressureNone   TapePressure = "none"
	PressureLow    TapePressure = "low"
	PressureMedium TapePressure = "medium"
	PressureHigh   TapePressure = "high"
)

// Anchor is an explicit handoff point recorded on the tape.
type Anchor struct {
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	NextSteps string `json:"nextSteps,omitempty"`
	Turn      int64  `json:"turn,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// TapeStatus is a window over the event log since the last anchor/checkpoint.
type TapeStatus struct {
	TotalEntries           int          `json:"totalEntries"`
	EntriesSinceAnchor     int          `json:"entriesSinceAnchor"`
	EntriesSinceCheckpoint int          `json:"entriesSinceCheckpoint"`
	TapePressure           TapePressure `json:"tapePressure"`
	LastAnchor             *Anchor      `json:"lastAnchor,omitempty"`
	LastCheckpointID       string       `json:"lastCheckpointId,omitempty"`
}

// PressureThresholds are entries-since-anchor counts used to classify TapePressure.
type PressureThresholds struct {
	Low    int
	Medium int
	High   int
}

// State is the complete fold result for a session.
type State struct {
	Task  TaskState
	Truth TruthState
	Tape  TapeStatus
}

// checkpointPayload is the full state snapshot carried by a tape_checkpoint event.
type checkpointPayload struct {
	Task TaskState  `json:"task"`
	Truth TruthState `json:"truth"`
}

// Engine replays session event logs into State, memoized by (sessionID, head event
// id) so repeated reads of an unchanged session never re-fold.
type Engine struct {
	store      eventstore.Store
	thresholds PressureThresholds

	mu    sync.Mutex
	cache map[string]memoEntry
}

type memoEntry struct {
	headID string
	state  State
}

// NewEngine returns an Engine reading from store.
func NewEngine(store eventstore.Store, thresholds PressureThresholds) *Engine {
	return &Engine{store: store, thresholds: thresholds, cache: make(map[string]memoEntry)}
}

// Replay returns the folded State for sessionID, using the memoized result when the
// session's event log head has not advanced.
func (e *Engine) Replay(sessionID string) (State, error) {
	records, err := e.store.List(sessionID)
	if err != nil {
		return State{}, err
	}
	var headID string
	if len(records) > 0 {
		headID = records[len(records)-1].ID
	}

	e.mu.Lock()
	if entry, ok := e.cache[sessionID]; ok && entry.headID == headID {
		state := entry.state
		e.mu.Unlock()
		return state, nil
	}
	e.mu.Unlock()

	state := Fold(records, e.thresholds)

	e.mu.Lock()
	e.cache[sessionID] = memoEntry{headID: headID, state: state}
	e.mu.Unlock()
	return state, nil
}

// ClearSessionState invalidates the memoized fold for sessionID.
func (e *Engine) ClearSessionState(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, sessionID)
}

// Fold left-folds records into a State. A tape_checkpoint event replaces the working
// Task/Truth accumulator wholesale; subsequent events continue to apply on top of it.
func Fold(records []eventstore.Record, thresholds PressureThresholds) State {
	var (
		task  TaskState
		truth = TruthState{Facts: make(map[string]Fact)}
		tape  TapeStatus
	)
	tape.TotalEntries = len(records)

	entriesSinceAnchor := 0
	entriesSinceCheckpoint := 0

	for _, rec := range records {
		switch {
		case rec.Type == schema.TypeTaskLedger || hasPrefix(rec.Type, schema.TypeTaskLedger+":"):
			applyTaskEvent(&task, rec)
		case rec.Type == schema.TypeTruthLedger || hasPrefix(rec.Type, schema.TypeTruthLedger+":"):
			applyTruthEvent(&truth, rec)
		case rec.Type == schema.TypeTapeAnchor:
			var a Anchor
			if json.Unmarshal(rec.Payload, &a) == nil {
				tape.LastAnchor = &a
			}
			entriesSinceAnchor = 0
		case rec.Type == schema.TypeTapeCheckpoint:
			var cp checkpointPayload
			if json.Unmarshal(rec.Payload, &cp) == nil {
				task = cp.Task
				truth = cp.Truth
			}
			tape.LastCheckpointID = rec.ID
			entriesSinceCheckpoint = 0
			entriesSinceAnchor++
			continue
		default:
			entriesSinceAnchor++
			entriesSinceCheckpoint++
			continue
		}
		entriesSinceAnchor++
		entriesSinceCheckpoint++
	}

	tape.EntriesSinceAnchor = entriesSinceAnchor
	tape.EntriesSinceCheckpoint = entriesSinceCheckpoint
	tape.TapePressure = classifyPressure(entriesSinceAnchor, thresholds)

	return State{Task: task, Truth: truth, Tape: tape}
}

func classifyPressure(entriesSinceAnchor int, t PressureThresholds) TapePressure {
	switch {
	case t.High > 0 && entriesSinceAnchor >= t.High:
		return PressureHigh
	case t.Medium > 0 && entriesSinceAnchor >= t.Medium:
		return PressureMedium
	case t.Low > 0 && entriesSinceAnchor >= t.Low:
		return PressureLow
	default:
		return PressureNone
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

type taskEventPayload struct {
	Spec     *TaskSpec  `json:"spec,omitempty"`
	Status   *TaskStatus `json:"status,omitempty"`
	AddItem  *TaskItem  `json:"addItem,omitempty"`
	SetItemStatus *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"setItemStatus,omitempty"`
	Blocker *Blocker `json:"blocker,omitempty"`
	ClearBlockerID string `json:"clearBlockerId,omitempty"`
}

// applyTaskEvent folds one task_ledger event onto task, enforcing that items keep
// creation order and a duplicate blocker id replaces in place.
func applyTaskEvent(task *TaskState, rec eventstore.Record) {
	var p taskEventPayload
	if len(rec.Payload) == 0 || json.Unmarshal(rec.Payload, &p) != nil {
		return
	}
	if p.Spec != nil {
		task.Spec = *p.Spec
	}
	if p.Status != nil {
		task.Status = *p.Status
	}
	if p.AddItem != nil {
		task.Items = append(task.Items, *p.AddItem)
	}
	if p.SetItemStatus != nil {
		for i := range task.Items {
			if task.Items[i].ID == p.SetItemStatus.ID {
				task.Items[i].Status = p.SetItemStatus.Status
				break
			}
		}
	}
	if p.Blocker != nil {
		replaced := false
		for i := range task.Blockers {
			if task.Blockers[i].ID == p.Blocker.ID {
				task.Blockers[i] = *p.Blocker
				replaced = true
				break
			}
		}
		if !replaced {
			task.Blockers = append(task.Blockers, *p.Blocker)
		}
	}
	if p.ClearBlockerID != "" {
		out := task.Blockers[:0]
		for _, b := range task.Blockers {
			if b.ID != p.ClearBlockerID {
				out = append(out, b)
			}
		}
		task.Blockers = out
	}
}

type truthEventPayload struct {
	Fact       *Fact  `json:"fact,omitempty"`
	ResolveID  string `json:"resolveId,omitempty"`
	ResolvedAt int64  `json:"resolvedAt,omitempty"`
}

// applyTruthEvent folds one truth_ledger event onto truth, enforcing that
// firstSeenAt never decreases once set and that resolving a fact retains the record.
func applyTruthEvent(truth *TruthState, rec eventstore.Record) {
	var p truthEventPayload
	if len(rec.Payload) == 0 || json.Unmarshal(rec.Payload, &p) != nil {
		return
	}
	if p.Fact != nil {
		f := *p.Fact
		if existing, ok := truth.Facts[f.ID]; ok && existing.FirstSeenAt != 0 {
			f.FirstSeenAt = existing.FirstSeenAt
		}
		truth.Facts[f.ID] = f
	}
	if p.ResolveID != "" {
		if f, ok := truth.Facts[p.ResolveID]; ok {
			f.Status = FactResolved
			f.ResolvedAt = p.ResolvedAt
			truth.Facts[p.ResolveID] = f
		}
	}
}
