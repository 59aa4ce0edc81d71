// Package injection assembles the priority-ordered, token-budgeted context block
// handed to the model each turn: truth facts, tape status, task state, viewport
// hints, top-K skills, ledger digest, and compaction/memory handoff summaries.
//
// Grounded on the teacher's internal/tools/policy.go set-assembly style (build
// candidate sets, apply caps, combine) and its fingerprint-style dedup idiom
// (goclaw dedupes config hashes via sha256 in internal/config/config_load.go); here
// generalized to per-(session,scope) fingerprint dedup of an assembled context
// block, per spec 4.6.
package injection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentd-project/agentd/internal/contextbudget"
	"github.com/agentd-project/agentd/internal/ledger"
	"github.com/agentd-project/agentd/internal/replay"
	"github.com/agentd-project/agentd/internal/skills"
)

// Priority orders candidate sections for truncation: higher wins a larger share of
// the budget and survives longer under pressure.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// Section is one named, prioritized, pre-rendered chunk of context text.
type Section struct {
	Name     string
	Priority Priority
	Text     string
}

// PlanInput is everything the planner needs to assemble one turn's context block.
type PlanInput struct {
	SessionID       string
	ScopeID         string // disambiguates parallel branches sharing a session
	PromptText      string
	Usage           contextbudget.Usage
	State           replay.State
	LedgerDigest    []ledger.Row
	TopSkills       []skills.Contract
	ViewportHints   []string
	CompactionNote  string
	MemoryHandoff   string
	OutputDegraded  bool // output-health guard: recent agent output looked degraded
}

// PlanResult is the assembled context block plus accounting.
type PlanResult struct {
	Accepted       bool
	Block          string
	AcceptedTokens int
	Fingerprint    string
	StatusChanged  bool
	NewStatus      replay.TaskStatus
}

// scopeState tracks a (session, scope) pair's last fingerprint and reserved tokens.
type scopeState struct {
	lastFingerprint string
	reservedTokens  int
}

// Planner assembles and dedupes context injection blocks.
type Planner struct {
	budget             *contextbudget.Manager
	maxInjectionTokens int

	mu    sync.Mutex
	scopes map[string]*scopeState // sessionID+"/"+scopeID -> state
}

// New returns a Planner backed by budget, capping total injected tokens per scope
// at maxInjectionTokens.
func New(budget *contextbudget.Manager, maxInjectionTokens int) *Planner {
	return &Planner{budget: budget, maxInjectionTokens: maxInjectionTokens, scopes: make(map[string]*scopeState)}
}

func scopeKey(sessionID, scopeID string) string {
	if scopeID == "" {
		scopeID = "default"
	}
	return sessionID + "/" + scopeID
}

// ComputeTaskStatus derives a fresh TaskStatus from {spec presence, blockers, open
// items, last verification report, context pressure}, matching spec 4.6 step 2.
func ComputeTaskStatus(state replay.State, pressure contextbudget.Pressure, verificationPassed bool) replay.TaskStatus {
	status := replay.TaskStatus{Phase: state.Task.Status.Phase, Health: replay.HealthOK}

	if state.Task.Spec.Goal == "" {
		status.Health = replay.HealthNeedsSpec
		status.Reason = "no task spec recorded yet"
		return status
	}
	if len(state.Task.Blockers) > 0 {
		status.Health = replay.HealthBlocked
		status.Phase = replay.PhaseBlocked
		status.Reason = fmt.Sprintf("%d open blocker(s)", len(state.Task.Blockers))
		return status
	}
	if !verificationPassed {
		status.Health = replay.HealthVerificationFailed
		status.Reason = "verification has not passed"
		return status
	}
	if pressure == contextbudget.PressureCritical || pressure == contextbudget.PressureHigh {
		status.Health = replay.HealthBudgetPressure
		status.Reason = "context budget under pressure"
		return status
	}
	return status
}

// Plan runs the 6-step assembly algorithm from spec 4.6.
func (p *Planner) Plan(in PlanInput) PlanResult {
	pressure := contextbudget.ClassifyPressure(in.Usage, contextbudget.Thresholds{})
	newStatus := ComputeTaskStatus(in.State, pressure, true)
	statusChanged := !statusEqual(newStatus, in.State.Task.Status)

	sections := p.assembleSections(in)
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].Priority < sections[j].Priority })

	capped := p.applyCaps(sections)

	var b strings.Builder
	for _, s := range capped {
		if s.Text == "" {
			continue
		}
		b.WriteString("## ")
		b.WriteString(s.Name)
		b.WriteString("\n")
		b.WriteString(s.Text)
		b.WriteString("\n\n")
	}
	block := strings.TrimSpace(b.String())
	fingerprint := fingerprintOf(block)

	key := scopeKey(in.SessionID, in.ScopeID)
	p.mu.Lock()
	st, ok := p.scopes[key]
	if !ok {
		st = &scopeState{}
		p.scopes[key] = st
	}
	if st.lastFingerprint == fingerprint && fingerprint != "" {
		p.mu.Unlock()
		return PlanResult{Accepted: false, Fingerprint: fingerprint, StatusChanged: statusChanged, NewStatus: newStatus}
	}
	p.mu.Unlock()

	planned := p.budget.PlanInjection(in.SessionID, block, in.Usage)
	if !planned.Accepted {
		return PlanResult{Accepted: false, StatusChanged: statusChanged, NewStatus: newStatus}
	}

	p.mu.Lock()
	st.lastFingerprint = fingerprint
	st.reservedTokens = min(st.reservedTokens+planned.FinalTokens, p.maxInjectionTokens)
	p.mu.Unlock()

	return PlanResult{
		Accepted:       true,
		Block:          planned.FinalText,
		AcceptedTokens: planned.FinalTokens,
		Fingerprint:    fingerprint,
		StatusChanged:  statusChanged,
		NewStatus:      newStatus,
	}
}

// statusEqual compares the fields that matter for change detection; TaskStatus
// carries a slice field so it isn't comparable with ==.
func statusEqual(a, b replay.TaskStatus) bool {
	return a.Phase == b.Phase && a.Health == b.Health && a.Reason == b.Reason
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func fingerprintOf(block string) string {
	if block == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(block))
	return hex.EncodeToString(sum[:])
}

func (p *Planner) assembleSections(in PlanInput) []Section {
	var sections []Section

	if facts := renderTruthFacts(in.State); facts != "" {
		sections = append(sections, Section{Name: "truth_facts", Priority: PriorityCritical, Text: facts})
	}
	if tape := renderTapeStatus(in.State); tape != "" {
		sections = append(sections, Section{Name: "tape_status", Priority: PriorityHigh, Text: tape})
	}
	if task := renderTaskState(in.State); task != "" {
		sections = append(sections, Section{Name: "task_state", Priority: PriorityHigh, Text: task})
	}
	if len(in.ViewportHints) > 0 {
		sections = append(sections, Section{Name: "viewport_hints", Priority: PriorityMedium, Text: strings.Join(in.ViewportHints, "\n")})
	}
	if len(in.TopSkills) > 0 {
		var names []string
		for _, s := range in.TopSkills {
			names = append(names, s.Name)
		}
		sections = append(sections, Section{Name: "candidate_skills", Priority: PriorityMedium, Text: strings.Join(names, ", ")})
	}
	if digest := renderLedgerDigest(in.LedgerDigest); digest != "" {
		sections = append(sections, Section{Name: "ledger_digest", Priority: PriorityLow, Text: digest})
	}
	if in.CompactionNote != "" {
		sections = append(sections, Section{Name: "last_compaction", Priority: PriorityLow, Text: in.CompactionNote})
	}
	if in.MemoryHandoff != "" {
		sections = append(sections, Section{Name: "memory_handoff", Priority: PriorityLow, Text: in.MemoryHandoff})
	}

	if in.OutputDegraded {
		// output-health guard: drop everything but the highest-priority sections
		var kept []Section
		for _, s := range sections {
			if s.Priority <= PriorityHigh {
				kept = append(kept, s)
			}
		}
		sections = kept
	}

	return sections
}

func renderTruthFacts(state replay.State) string {
	if len(state.Truth.Facts) == 0 {
		return ""
	}
	var lines []string
	for _, f := range state.Truth.Facts {
		if f.Status != replay.FactActive {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", f.Severity, f.Kind, f.Summary))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func renderTapeStatus(state replay.State) string {
	parts := []string{fmt.Sprintf("pressure=%s entriesSinceAnchor=%d", state.Tape.TapePressure, state.Tape.EntriesSinceAnchor)}
	if state.Tape.LastAnchor != nil {
		parts = append(parts, fmt.Sprintf("lastAnchor=%q", state.Tape.LastAnchor.Name))
	}
	return strings.Join(parts, " ")
}

func renderTaskState(state replay.State) string {
	if state.Task.Spec.Goal == "" {
		return ""
	}
	return fmt.Sprintf("goal=%q phase=%s health=%s items=%d blockers=%d",
		state.Task.Spec.Goal, state.Task.Status.Phase, state.Task.Status.Health, len(state.Task.Items), len(state.Task.Blockers))
}

func renderLedgerDigest(rows []ledger.Row) string {
	if len(rows) == 0 {
		return ""
	}
	var lines []string
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s:%s -> %s", r.Tool, r.Verdict, r.OutputSummary))
	}
	return strings.Join(lines, "\n")
}

// applyCaps derives per-source token caps proportionally from the planner's overall
// budget and truncates section text (by byte length, a coarse proxy ahead of the
// budget manager's exact token accounting) to fit.
func (p *Planner) applyCaps(sections []Section) []Section {
	if p.maxInjectionTokens <= 0 || len(sections) == 0 {
		return sections
	}
	weight := map[Priority]float64{PriorityCritical: 0.4, PriorityHigh: 0.3, PriorityMedium: 0.2, PriorityLow: 0.1}
	out := make([]Section, 0, len(sections))
	for _, s := range sections {
		capBytes := int(weight[s.Priority] * float64(p.maxInjectionTokens) * 4) // ~4 bytes/token heuristic cap
		if capBytes > 0 && len(s.Text) > capBytes {
			s.Text = s.Text[:capBytes]
		}
		out = append(out, s)
	}
	return out
}
