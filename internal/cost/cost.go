// Package cost tracks per-turn token/USD accounting against session and skill
// budget caps, raising an edge-triggered alert only the first time usage crosses
// the configured threshold percentage (not on every turn above it).
//
// Grounded on the teacher's internal/tools/delegate_policy.go quality-gate
// threshold bookkeeping (a gate fires once per crossing, not repeatedly) and on
// sessions.Manager's per-session map+mutex shape.
package cost

import "sync"

// TurnCost is one turn's token/dollar accounting input.
type TurnCost struct {
	Skill        string
	InputTokens  int64
	OutputTokens int64
	USD          float64
}

// Budget is the accumulated spend against a session or skill cap.
type Budget struct {
	SessionCapUSD float64
	SkillCapUSD   float64
	SpentUSD      float64
	InputTokens   int64
	OutputTokens  int64
	Blocked       bool
}

type sessionLedger struct {
	totalUSD      float64
	inputTokens   int64
	outputTokens  int64
	bySkillUSD    map[string]float64
	alertCrossed  bool
}

// Tracker accumulates per-session cost and emits edge-triggered alert events.
type Tracker struct {
	sessionCapUSD  float64
	skillCapUSD    float64
	alertThreshold float64

	mu      sync.Mutex
	ledgers map[string]*sessionLedger
}

// New returns a Tracker enforcing sessionCapUSD/skillCapUSD (0 = unbounded) and
// raising a one-time crossing alert at alertThreshold (0..1) of the session cap.
func New(sessionCapUSD, skillCapUSD, alertThreshold float64) *Tracker {
	return &Tracker{
		sessionCapUSD:  sessionCapUSD,
		skillCapUSD:    skillCapUSD,
		alertThreshold: alertThreshold,
		ledgers:        make(map[string]*sessionLedger),
	}
}

func (t *Tracker) ledgerFor(sessionID string) *sessionLedger {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.ledgers[sessionID]
	if !ok {
		l = &sessionLedger{bySkillUSD: make(map[string]float64)}
		t.ledgers[sessionID] = l
	}
	return l
}

// RecordTurnResult reports the updated Budget and whether this call is the first
// time the session crossed the alert threshold (alertCrossedNow).
type RecordTurnResult struct {
	Budget           Budget
	AlertCrossedNow  bool
}

// RecordTurn accounts a turn's cost against sessionID, returning the updated budget
// and whether the alert threshold was crossed for the first time by this call.
func (t *Tracker) RecordTurn(sessionID string, tc TurnCost) RecordTurnResult {
	l := t.ledgerFor(sessionID)

	t.mu.Lock()
	defer t.mu.Unlock()

	l.totalUSD += tc.USD
	l.inputTokens += tc.InputTokens
	l.outputTokens += tc.OutputTokens
	if tc.Skill != "" {
		l.bySkillUSD[tc.Skill] += tc.USD
	}

	blocked := false
	if t.sessionCapUSD > 0 && l.totalUSD >= t.sessionCapUSD {
		blocked = true
	}
	if tc.Skill != "" && t.skillCapUSD > 0 && l.bySkillUSD[tc.Skill] >= t.skillCapUSD {
		blocked = true
	}

	alertCrossedNow := false
	if t.sessionCapUSD > 0 && t.alertThreshold > 0 {
		ratio := l.totalUSD / t.sessionCapUSD
		if ratio >= t.alertThreshold && !l.alertCrossed {
			l.alertCrossed = true
			alertCrossedNow = true
		}
	}

	return RecordTurnResult{
		Budget: Budget{
			SessionCapUSD: t.sessionCapUSD,
			SkillCapUSD:   t.skillCapUSD,
			SpentUSD:      l.totalUSD,
			InputTokens:   l.inputTokens,
			OutputTokens:  l.outputTokens,
			Blocked:       blocked,
		},
		AlertCrossedNow: alertCrossedNow,
	}
}

// Budget returns the current accumulated budget state for sessionID.
func (t *Tracker) Budget(sessionID string) Budget {
	l := t.ledgerFor(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	blocked := t.sessionCapUSD > 0 && l.totalUSD >= t.sessionCapUSD
	return Budget{
		SessionCapUSD: t.sessionCapUSD,
		SkillCapUSD:   t.skillCapUSD,
		SpentUSD:      l.totalUSD,
		InputTokens:   l.inputTokens,
		OutputTokens:  l.outputTokens,
		Blocked:       blocked,
	}
}

// IsBlocked reports whether sessionID's cost budget currently blocks further tool
// calls (spec 4.7 step 4: "reject when session cost budget is blocked").
func (t *Tracker) IsBlocked(sessionID string) bool {
	return t.Budget(sessionID).Blocked
}
