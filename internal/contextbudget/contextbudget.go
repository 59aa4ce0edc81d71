// Package contextbudget tracks per-session token usage against the model's context
// window, decides when injected context must be truncated or rejected outright, and
// arms a compaction gate that blocks ordinary tool calls once pressure is critical.
//
// Grounded on kadirpekel-hector's pkg/utils.TokenCounter for accurate per-model
// token counting (encoding cache, cl100k_base fallback) — the teacher itself never
// counts tokens, so this is pulled in from the rest of the example pack rather than
// from vanducng-goclaw. Per-session state bookkeeping follows the teacher's
// sessions.Manager map-plus-mutex shape.
package contextbudget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Pressure is a pure classification of how close a session is to its context limit.
type Pressure string

const (
	PressureNone     Pressure = "none"
	PressureLow      Pressure = "low"
	PressureMedium   Pressure = "medium"
	PressureHigh     Pressure = "high"
	PressureCritical Pressure = "critical"
	PressureUnknown  Pressure = "unknown"
)

// ErrCompactionRequired is returned by the compaction gate when a tool call other
// than session_compact is attempted while critical pressure is in force.
var ErrCompactionRequired = errors.New("context usage is critical, call tool 'session_compact' first")

// Usage is a session's last-observed token usage.
type Usage struct {
	Tokens        int
	ContextWindow int
	Percent       float64 // Tokens / ContextWindow, precomputed by caller or derived
}

// Ratio returns Tokens/ContextWindow, or -1 if the window is unknown.
func (u Usage) Ratio() float64 {
	if u.ContextWindow <= 0 {
		return -1
	}
	return float64(u.Tokens) / float64(u.ContextWindow)
}

// Thresholds configures pressure classification and compaction timing.
type Thresholds struct {
	CompactionThresholdRatio float64
	HardLimitRatio           float64
	MinTurnsBetweenCompaction int
	GateWindowTurns           int
	MaxInjectionTokens        int
	TruncationStrategy        string // drop-entry | summarize | tail
}

// sessionState is the per-session mutable bookkeeping the manager guards.
type sessionState struct {
	turnIndex          int64
	lastCompactionTurn int64
	hasCompacted       bool
	lastUsage          Usage
}

// Manager tracks per-session context usage and gates compaction.
type Manager struct {
	thresholds Thresholds
	counter    *tiktoken.Tiktoken

	mu    sync.Mutex
	state map[string]*sessionState
}

// New returns a Manager using model's tiktoken encoding (falling back to
// cl100k_base when the model is unrecognized, matching the teacher pack's
// TokenCounter fallback).
func New(model string, thresholds Thresholds) (*Manager, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("contextbudget: load encoding: %w", err)
		}
	}
	return &Manager{
		thresholds: thresholds,
		counter:    enc,
		state:      make(map[string]*sessionState),
	}, nil
}

// CountTokens returns the exact token count of text under the manager's encoding.
func (m *Manager) CountTokens(text string) int {
	return len(m.counter.Encode(text, nil, nil))
}

func (m *Manager) stateFor(sessionID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[sessionID]
	if !ok {
		s = &sessionState{}
		m.state[sessionID] = s
	}
	return s
}

// BeginTurn sets the session's current turn index.
func (m *Manager) BeginTurn(sessionID string, turnIndex int64) {
	s := m.stateFor(sessionID)
	m.mu.Lock()
	s.turnIndex = turnIndex
	m.mu.Unlock()
}

// ObserveUsage records the latest token usage observed for a session.
func (m *Manager) ObserveUsage(sessionID string, usage Usage) {
	s := m.stateFor(sessionID)
	m.mu.Lock()
	s.lastUsage = usage
	m.mu.Unlock()
}

// MarkCompacted records that compaction has happened at the session's current turn.
func (m *Manager) MarkCompacted(sessionID string) {
	s := m.stateFor(sessionID)
	m.mu.Lock()
	s.lastCompactionTurn = s.turnIndex
	s.hasCompacted = true
	m.mu.Unlock()
}

// classifyPressure is a pure function of ratio and thresholds, matching spec 4.5.
func classifyPressure(ratio float64, t Thresholds) Pressure {
	if ratio < 0 {
		return PressureUnknown
	}
	switch {
	case ratio >= t.HardLimitRatio:
		return PressureCritical
	case ratio >= t.CompactionThresholdRatio:
		return PressureHigh
	case ratio >= max(0.5, 0.75*t.CompactionThresholdRatio):
		return PressureMedium
	case ratio >= max(0.25, 0.5*t.CompactionThresholdRatio):
		return PressureLow
	default:
		return PressureNone
	}
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// ShouldCompactResult is the outcome of ShouldRequestCompaction.
type ShouldCompactResult struct {
	ShouldCompact bool
	Reason        string
	Usage         Usage
}

// ShouldRequestCompaction reports whether the session should be nudged toward a
// session_compact call: pressure at or above the compaction threshold AND at least
// MinTurnsBetweenCompaction turns since the last compaction.
func (m *Manager) ShouldRequestCompaction(sessionID string, usage Usage) ShouldCompactResult {
	s := m.stateFor(sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()

	ratio := usage.Ratio()
	if ratio < m.thresholds.CompactionThresholdRatio {
		return ShouldCompactResult{Usage: usage}
	}
	elapsed := s.turnIndex - s.lastCompactionTurn
	if s.hasCompacted && elapsed < int64(m.thresholds.MinTurnsBetweenCompaction) {
		return ShouldCompactResult{Usage: usage, Reason: "cooldown"}
	}
	return ShouldCompactResult{ShouldCompact: true, Reason: "threshold_exceeded", Usage: usage}
}

// PlanInjectionResult is the outcome of PlanInjection.
type PlanInjectionResult struct {
	Accepted       bool
	FinalText      string
	OriginalTokens int
	FinalTokens    int
	Truncated      bool
	DroppedReason  string
}

// PlanInjection fits inputText into the session's remaining budget, rejecting
// outright with reason "hard_limit" when even truncation can't avoid breaching the
// hard limit ratio of the context window, otherwise truncating per the configured
// strategy.
func (m *Manager) PlanInjection(sessionID, inputText string, usage Usage) PlanInjectionResult {
	originalTokens := m.CountTokens(inputText)

	if usage.ContextWindow > 0 {
		projectedRatio := float64(usage.Tokens+originalTokens) / float64(usage.ContextWindow)
		if projectedRatio >= m.thresholds.HardLimitRatio {
			budget := int(m.thresholds.HardLimitRatio*float64(usage.ContextWindow)) - usage.Tokens
			if budget <= 0 {
				return PlanInjectionResult{Accepted: false, OriginalTokens: originalTokens, DroppedReason: "hard_limit"}
			}
			cap := m.thresholds.MaxInjectionTokens
			if cap <= 0 || budget < cap {
				cap = budget
			}
			return m.truncateTo(inputText, originalTokens, cap)
		}
	}

	cap := m.thresholds.MaxInjectionTokens
	if cap <= 0 || originalTokens <= cap {
		return PlanInjectionResult{Accepted: true, FinalText: inputText, OriginalTokens: originalTokens, FinalTokens: originalTokens}
	}
	return m.truncateTo(inputText, originalTokens, cap)
}

func (m *Manager) truncateTo(text string, originalTokens, capTokens int) PlanInjectionResult {
	if capTokens <= 0 {
		return PlanInjectionResult{Accepted: false, OriginalTokens: originalTokens, DroppedReason: "hard_limit"}
	}
	tokens := m.counter.Encode(text, nil, nil)
	if len(tokens) <= capTokens {
		return PlanInjectionResult{Accepted: true, FinalText: text, OriginalTokens: originalTokens, FinalTokens: len(tokens)}
	}

	var kept []uint
	switch m.thresholds.TruncationStrategy {
	case "tail":
		kept = tokens[len(tokens)-capTokens:]
	default: // "drop-entry" and "summarize" both fall back to head-truncation here;
		// richer strategies are applied upstream by the injection planner, which
		// chooses which sections to drop before handing text to PlanInjection.
		kept = tokens[:capTokens]
	}
	finalText := m.counter.Decode(kept)
	return PlanInjectionResult{
		Accepted:       true,
		FinalText:      finalText,
		OriginalTokens: originalTokens,
		FinalTokens:    len(kept),
		Truncated:      true,
	}
}

// Gate is the compaction gate: while armed, every tool call other than
// session_compact is rejected with ErrCompactionRequired.
type Gate struct {
	m *Manager

	mu     sync.Mutex
	armed  map[string]bool
}

// NewGate returns a Gate backed by m.
func NewGate(m *Manager) *Gate {
	return &Gate{m: m, armed: make(map[string]bool)}
}

// Evaluate arms or disarms the gate for sessionID based on current pressure and the
// turns elapsed since the last compaction, matching spec 4.5's "critical AND no
// compaction in the last windowTurns" rule.
func (g *Gate) Evaluate(sessionID string, usage Usage) bool {
	s := g.m.stateFor(sessionID)
	g.m.mu.Lock()
	ratio := usage.Ratio()
	pressure := classifyPressure(ratio, g.m.thresholds)
	sinceCompaction := s.turnIndex - s.lastCompactionTurn
	compactedRecently := s.hasCompacted && sinceCompaction < int64(g.m.thresholds.GateWindowTurns)
	required := pressure == PressureCritical && !compactedRecently
	g.m.mu.Unlock()

	g.mu.Lock()
	g.armed[sessionID] = required
	g.mu.Unlock()
	return required
}

// CheckToolCall returns ErrCompactionRequired if the gate is armed for sessionID and
// toolName isn't the escape hatch.
func (g *Gate) CheckToolCall(sessionID, toolName string) error {
	g.mu.Lock()
	armed := g.armed[sessionID]
	g.mu.Unlock()
	if !armed {
		return nil
	}
	if toolName == "session_compact" {
		return nil
	}
	return ErrCompactionRequired
}

// Disarm clears the gate for sessionID, called after a successful session_compact.
func (g *Gate) Disarm(sessionID string) {
	g.mu.Lock()
	g.armed[sessionID] = false
	g.mu.Unlock()
}

// ClassifyPressure exposes the pure pressure classification for callers (e.g. the
// injection planner) that need it without going through Manager state.
func ClassifyPressure(usage Usage, t Thresholds) Pressure {
	return classifyPressure(usage.Ratio(), t)
}
