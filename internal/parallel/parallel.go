// Package parallel enforces global and per-skill concurrency caps on delegated work
// and tracks which runs are currently active, with idempotent slot release.
//
// Grounded on the teacher's internal/tools/delegate_state.go: a sync.Map-keyed
// active-task tracker with per-link/per-target counting, generalized here from
// "delegation link" keys to "skill name" keys, and from a bare sync.Map to an
// explicit mutex-guarded map since release must be made idempotent via sync.Once.
package parallel

import (
	"sync"
)

// Manager tracks active parallel runs against global and per-skill caps.
type Manager struct {
	globalMax int
	skillMax  map[string]int

	mu           sync.Mutex
	globalActive int
	skillActive  map[string]int
	releaseOnce  map[string]*sync.Once
}

// New returns a Manager with globalMax concurrent runs allowed overall, and
// skillMax[skill] allowed per skill (skills absent from the map are unbounded).
func New(globalMax int, skillMax map[string]int) *Manager {
	if skillMax == nil {
		skillMax = make(map[string]int)
	}
	return &Manager{
		globalMax:   globalMax,
		skillMax:    skillMax,
		skillActive: make(map[string]int),
		releaseOnce: make(map[string]*sync.Once),
	}
}

// AcquireSlot attempts to reserve a slot for runID under skill, enforcing both the
// global and per-skill caps. Returns ok=false without reserving anything if either
// cap is already saturated.
func (m *Manager) AcquireSlot(skill, runID string) (ok bool, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.globalMax > 0 && m.globalActive >= m.globalMax {
		return false, func() {}
	}
	if cap, bounded := m.skillMax[skill]; bounded && cap > 0 && m.skillActive[skill] >= cap {
		return false, func() {}
	}

	m.globalActive++
	m.skillActive[skill]++
	once := &sync.Once{}
	m.releaseOnce[runID] = once

	release = func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.globalActive--
			if m.skillActive[skill] > 0 {
				m.skillActive[skill]--
			}
			delete(m.releaseOnce, runID)
		})
	}
	return true, release
}

// ActiveCountForSkill returns how many active runs currently hold a slot under
// skill.
func (m *Manager) ActiveCountForSkill(skill string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skillActive[skill]
}

// ActiveCountGlobal returns the total number of active runs across all skills.
func (m *Manager) ActiveCountGlobal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalActive
}
