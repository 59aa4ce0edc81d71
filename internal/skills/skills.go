// Package skills holds the skill contract registry, a top-K relevance selector, and
// the tool-access gate every tool call passes through before it runs.
//
// Grounded on the teacher's internal/tools/policy.go PolicyEngine: the staged
// allow/deny pipeline (profile → allow-list → deny-list → exemptions), tool groups,
// and set-algebra helpers (subtractSet et al.) are generalized here from
// "agent+provider tool policy" to "skill contract + session budget" gating, per
// spec 4.7. internal/tools/delegate_state.go's active-run tracking is reused via
// internal/parallel for the AcquireParallelSlot delegation.
package skills

import (
	"sort"
	"strings"
	"sync"

	"github.com/agentd-project/agentd/internal/cost"
	"github.com/agentd-project/agentd/internal/parallel"
)

// Tier ranks a skill's precedence when selector scores tie.
type Tier int

const (
	TierBase Tier = iota
	TierPack
	TierProject
)

// ToolSpec is a skill's declared tool requirements.
type ToolSpec struct {
	Required []string
	Optional []string
	Denied   []string
}

// BudgetSpec caps a skill's resource usage.
type BudgetSpec struct {
	MaxToolCalls int
	MaxTokens    int
}

// Contract is a skill's declared capability contract.
type Contract struct {
	Name           string
	Tier           Tier
	Tags           []string
	Tools          ToolSpec
	Budget         BudgetSpec
	Outputs        []string
	ComposableWith []string
	Consumes       []string
	MaxParallel    int
	Stability      string
	CostHint       float64
}

// Registry holds every known skill contract.
type Registry struct {
	mu       sync.RWMutex
	contracts map[string]Contract
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]Contract)}
}

// Register adds or replaces a skill contract.
func (r *Registry) Register(c Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[c.Name] = c
}

// Get returns a skill contract by name.
func (r *Registry) Get(name string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[name]
	return c, ok
}

// List returns every registered contract.
func (r *Registry) List() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	return out
}

// Selector scores skill contracts against a prompt by tag/keyword overlap.
type Selector struct {
	registry *Registry
}

// NewSelector returns a Selector reading from registry.
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// scoredContract pairs a contract with its relevance score for sorting.
type scoredContract struct {
	contract Contract
	score    int
}

// TopK returns the k highest-scoring contracts for sanitizedPrompt, breaking ties by
// tier (base < pack < project) then name, matching spec 4.7.
func (s *Selector) TopK(sanitizedPrompt string, k int) []Contract {
	words := tokenize(sanitizedPrompt)
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	all := s.registry.List()
	scored := make([]scoredContract, 0, len(all))
	for _, c := range all {
		score := 0
		for _, tag := range c.Tags {
			if wordSet[strings.ToLower(tag)] {
				score++
			}
		}
		scored = append(scored, scoredContract{contract: c, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].contract.Tier != scored[j].contract.Tier {
			return scored[i].contract.Tier < scored[j].contract.Tier
		}
		return scored[i].contract.Name < scored[j].contract.Name
	})

	if k <= 0 || k > len(scored) {
		k = len(scored)
	}
	out := make([]Contract, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, scored[i].contract)
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	return fields
}

// AccessMode controls how strictly a budget/allow-list rule is enforced.
type AccessMode string

const (
	ModeOff     AccessMode = "off"
	ModeWarn    AccessMode = "warn"
	ModeEnforce AccessMode = "enforce"
)

// alwaysExemptTools are never subject to the active skill's allow-list, per spec
// 4.7 step 3.
var alwaysExemptTools = map[string]bool{
	"skill_complete":     true,
	"skill_load":         true,
	"ledger_query":       true,
	"cost_view":          true,
	"tape_handoff":       true,
	"tape_info":          true,
	"tape_search":        true,
	"session_compact":    true,
	"rollback_last_patch": true,
}

// unconditionallyBlockedTools can never be called, regardless of policy — the spec
// requires exec instead of a raw shell.
var unconditionallyBlockedTools = map[string]bool{
	"bash":  true,
	"shell": true,
}

// skillUsage is a session+skill's running tool-call/token accounting.
type skillUsage struct {
	toolCalls      int
	tokens         int
	warnedOverTokens bool
	warnedOverCalls  bool
}

// AccessGate evaluates checkToolAccess per spec 4.7.
type AccessGate struct {
	registry          *Registry
	costTracker       *cost.Tracker
	parallelManager   *parallel.Manager
	commandDenyList   map[string]bool
	allowedToolsMode  AccessMode
	skillTokensMode   AccessMode
	skillCallsMode    AccessMode

	mu    sync.Mutex
	usage map[string]*skillUsage // sessionID+":"+skill -> usage
	activeSkill map[string]string // sessionID -> active skill name
}

// NewAccessGate returns an AccessGate wired to the given registry and trackers.
func NewAccessGate(registry *Registry, costTracker *cost.Tracker, parallelManager *parallel.Manager, commandDenyList []string, allowedToolsMode, skillTokensMode, skillCallsMode AccessMode) *AccessGate {
	deny := make(map[string]bool, len(commandDenyList))
	for _, c := range commandDenyList {
		deny[c] = true
	}
	return &AccessGate{
		registry:         registry,
		costTracker:      costTracker,
		parallelManager:  parallelManager,
		commandDenyList:  deny,
		allowedToolsMode: allowedToolsMode,
		skillTokensMode:  skillTokensMode,
		skillCallsMode:   skillCallsMode,
		usage:            make(map[string]*skillUsage),
		activeSkill:      make(map[string]string),
	}
}

// SetActiveSkill records which skill contract is currently active for a session.
func (g *AccessGate) SetActiveSkill(sessionID, skillName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activeSkill[sessionID] = skillName
}

// AccessResult is the outcome of CheckToolAccess.
type AccessResult struct {
	Allowed bool
	Reason  string
}

// CheckToolAccess runs the 5-step gate from spec 4.7.
func (g *AccessGate) CheckToolAccess(sessionID, toolName string) AccessResult {
	// Step 1: bash/shell unconditionally blocked.
	if unconditionallyBlockedTools[toolName] {
		return AccessResult{Allowed: false, Reason: "use 'exec' instead of a raw shell"}
	}

	// Step 2: workspace-wide deny-list, best-effort.
	if g.commandDenyList[toolName] {
		return AccessResult{Allowed: false, Reason: "tool is denied by workspace policy"}
	}

	// Step 3: active skill's allow-list, if enforced, exempting the fixed set.
	g.mu.Lock()
	activeSkill := g.activeSkill[sessionID]
	g.mu.Unlock()

	if g.allowedToolsMode == ModeEnforce && activeSkill != "" && !alwaysExemptTools[toolName] {
		contract, ok := g.registry.Get(activeSkill)
		if ok && !toolAllowed(contract, toolName) {
			return AccessResult{Allowed: false, Reason: "tool not in active skill's allow-list"}
		}
	}

	// Step 4: session cost budget.
	if g.costTracker != nil && g.costTracker.IsBlocked(sessionID) {
		return AccessResult{Allowed: false, Reason: "session cost budget exceeded"}
	}

	// Step 5: skill budget caps (maxTokens/maxToolCalls).
	if activeSkill != "" {
		contract, ok := g.registry.Get(activeSkill)
		if ok {
			u := g.usageFor(sessionID, activeSkill)
			if g.skillCallsMode == ModeEnforce && contract.Budget.MaxToolCalls > 0 && u.toolCalls >= contract.Budget.MaxToolCalls {
				return AccessResult{Allowed: false, Reason: "skill exceeded maxToolCalls"}
			}
			if g.skillTokensMode == ModeEnforce && contract.Budget.MaxTokens > 0 && u.tokens >= contract.Budget.MaxTokens {
				return AccessResult{Allowed: false, Reason: "skill exceeded maxTokens"}
			}
		}
	}

	return AccessResult{Allowed: true}
}

func toolAllowed(c Contract, toolName string) bool {
	for _, denied := range c.Tools.Denied {
		if denied == toolName {
			return false
		}
	}
	for _, req := range c.Tools.Required {
		if req == toolName {
			return true
		}
	}
	for _, opt := range c.Tools.Optional {
		if opt == toolName {
			return true
		}
	}
	return false
}

func (g *AccessGate) usageFor(sessionID, skill string) *skillUsage {
	key := sessionID + ":" + skill
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usage[key]
	if !ok {
		u = &skillUsage{}
		g.usage[key] = u
	}
	return u
}

// RecordToolCall increments the active skill's per-session tool-call and token
// counters (spec 4.9 step 5: "increments per-skill counter").
func (g *AccessGate) RecordToolCall(sessionID, skill string, tokens int) {
	u := g.usageFor(sessionID, skill)
	g.mu.Lock()
	u.toolCalls++
	u.tokens += tokens
	g.mu.Unlock()
}

// AcquireParallelSlot delegates to the parallel manager, enforcing global and
// per-skill caps for a delegated run.
func (g *AccessGate) AcquireParallelSlot(skill, runID string) (ok bool, release func()) {
	return g.parallelManager.AcquireSlot(skill, runID)
}
