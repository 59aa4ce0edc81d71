// Package scheduler persists and fires cron and one-shot "intents": durable
// requests to re-enter a session later, either on a schedule or once a convergence
// condition holds.
//
// Grounded on the teacher's own cmd/gateway_cron.go call site — `internal/scheduler`
// is referenced there (Schedule(ctx, lane, RunRequest) <-chan Outcome, LaneCron) but
// was never included in the retrieved sample, so the package is built fresh against
// that call-site contract plus the intent lifecycle this system actually needs.
// Persistence follows sessions.Manager's atomic snapshot idiom; cron computation
// wires the teacher's own go.mod dependency on github.com/adhocore/gronx, present
// there but unused by anything in the retrieved sample.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/agentd-project/agentd/internal/eventstore"
	"github.com/agentd-project/agentd/internal/replay"
	"github.com/agentd-project/agentd/internal/tracing"
	"github.com/agentd-project/agentd/internal/turnwal"
	"github.com/agentd-project/agentd/internal/workspace"
	"github.com/agentd-project/agentd/pkg/schema"
)

// Status is an intent's current lifecycle status.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusConverged Status = "converged"
	StatusCancelled Status = "cancelled"
	StatusErrored   Status = "errored"
)

// ConditionKind tags which field of ConvergenceCondition is meaningful.
type ConditionKind string

const (
	ConditionFactResolved ConditionKind = "fact_resolved"
	ConditionTaskPhase    ConditionKind = "task_phase"
	ConditionRunLimit     ConditionKind = "run_limit"
	ConditionAll          ConditionKind = "all"
	ConditionAny          ConditionKind = "any"
)

// ConvergenceCondition is a tagged union describing when a recurring intent should
// stop firing on its own, independent of MaxRuns.
type ConvergenceCondition struct {
	Kind  ConditionKind           `json:"kind"`
	FactID string                 `json:"factId,omitempty"`
	Phase  replay.Phase           `json:"phase,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	All    []ConvergenceCondition `json:"all,omitempty"`
	Any    []ConvergenceCondition `json:"any,omitempty"`
}

// Evaluate reports whether the condition currently holds against task/truth state.
// task_phase matches a single phase only, per the spec's Open Question being left
// unresolved beyond single-phase equality.
func (c *ConvergenceCondition) Evaluate(task *replay.TaskState, truth *replay.TruthState, runCount int) bool {
	if c == nil {
		return false
	}
	switch c.Kind {
	case ConditionFactResolved:
		if truth == nil {
			return false
		}
		f, ok := truth.Facts[c.FactID]
		return ok && f.Status == replay.FactResolved
	case ConditionTaskPhase:
		return task != nil && task.Status.Phase == c.Phase
	case ConditionRunLimit:
		return c.Limit > 0 && runCount >= c.Limit
	case ConditionAll:
		for i := range c.All {
			if !c.All[i].Evaluate(task, truth, runCount) {
				return false
			}
		}
		return len(c.All) > 0
	case ConditionAny:
		for i := range c.Any {
			if c.Any[i].Evaluate(task, truth, runCount) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Intent mirrors the Schedule Intent Projection.
type Intent struct {
	IntentID                string                 `json:"intentId"`
	ParentSessionID         string                 `json:"parentSessionId"`
	Reason                  string                 `json:"reason"`
	GoalRef                 *string                `json:"goalRef,omitempty"`
	ContinuityMode          string                 `json:"continuityMode"` // "fresh" | "continue"
	RunAt                   *time.Time             `json:"runAt,omitempty"`
	Cron                    *string                `json:"cron,omitempty"`
	TimeZone                *string                `json:"timeZone,omitempty"`
	MaxRuns                 int                    `json:"maxRuns,omitempty"`
	RunCount                int                    `json:"runCount"`
	NextRunAt               *time.Time             `json:"nextRunAt,omitempty"`
	Status                  Status                 `json:"status"`
	ConvergenceCondition    *ConvergenceCondition  `json:"convergenceCondition,omitempty"`
	ConsecutiveErrors       int                    `json:"consecutiveErrors"`
	LeaseUntilMs            *int64                 `json:"leaseUntilMs,omitempty"`
	LastError               *string                `json:"lastError,omitempty"`
	LastEvaluationSessionID *string                `json:"lastEvaluationSessionId,omitempty"`
	UpdatedAt               time.Time              `json:"updatedAt"`
	EventOffset             int64                  `json:"eventOffset"`
}

// Lane disambiguates concurrent firing queues (cron vs. one-shot vs. manual).
type Lane string

const (
	LaneCron    Lane = "cron"
	LaneOneShot Lane = "one_shot"
	LaneManual  Lane = "manual"
)

// RunRequest is the executor-facing payload for one scheduled firing.
type RunRequest struct {
	SessionKey string
	Message    string
	RunID      string
}

// RunResult is the outcome of a completed run, echoed back on the Outcome channel.
type RunResult struct {
	Content string
}

// Outcome is delivered on the channel Schedule returns.
type Outcome struct {
	Result *RunResult
	Err    error
}

// SessionSeeder creates (or resumes) the child session an intent fires into and
// executes req against it.
type SessionSeeder interface {
	Seed(ctx context.Context, intent Intent, req RunRequest) (*RunResult, error)
}

// Config tunes scheduler timing and safety limits.
type Config struct {
	MinIntervalMs              int64
	LeaseDurationMs            int64
	MaxActiveIntentsPerSession int
	MaxActiveIntentsGlobal     int
	MaxConsecutiveErrors       int
	MaxRecoveryCatchUps        int
	BackoffBaseMs              int64
	BackoffCapMs               int64
}

// RecoverReport summarizes what Recover did on startup.
type RecoverReport struct {
	Loaded       int
	CaughtUp     int
	Deferred     int
	LeasesCleared int
}

// Scheduler persists, arms, and fires schedule intents.
type Scheduler struct {
	layout *workspace.Layout
	store  eventstore.Store
	wal    *turnwal.WAL
	seeder SessionSeeder
	cfg    Config

	mu             sync.Mutex
	intents        map[string]*Intent
	fireInProgress map[string]struct{}
	timers         map[string]*time.Timer
}

// New wires a Scheduler from its collaborators.
func New(layout *workspace.Layout, store eventstore.Store, wal *turnwal.WAL, seeder SessionSeeder, cfg Config) *Scheduler {
	if cfg.MaxRecoveryCatchUps <= 0 {
		cfg.MaxRecoveryCatchUps = 5
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 1000
	}
	if cfg.BackoffCapMs <= 0 {
		cfg.BackoffCapMs = 5 * 60 * 1000
	}
	return &Scheduler{
		layout:         layout,
		store:          store,
		wal:            wal,
		seeder:         seeder,
		cfg:            cfg,
		intents:        make(map[string]*Intent),
		fireInProgress: make(map[string]struct{}),
		timers:         make(map[string]*time.Timer),
	}
}

// ListIntents returns a snapshot of every known intent, optionally filtered to one
// parent session (empty string means all sessions).
func (s *Scheduler) ListIntents(sessionID string) []Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Intent, 0, len(s.intents))
	for _, it := range s.intents {
		if sessionID != "" && it.ParentSessionID != sessionID {
			continue
		}
		out = append(out, *it)
	}
	return out
}

// GetIntent returns a snapshot of one intent by id.
func (s *Scheduler) GetIntent(intentID string) (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.intents[intentID]
	if !ok {
		return Intent{}, false
	}
	return *it, true
}

// nextCronFire computes the next fire time strictly after `after`, honoring
// timeZone (IANA name; empty means the process's local zone). gronx's time.Time
// arithmetic is zone-aware, so DST gaps/overlaps never double-fire or skip a tick.
func nextCronFire(expr, timeZone string, after time.Time) (time.Time, error) {
	afterInZone := after
	if timeZone != "" && timeZone != after.Location().String() {
		loc, err := time.LoadLocation(timeZone)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: load timezone %q: %w", timeZone, err)
		}
		afterInZone = after.In(loc)
	}
	return gronx.NextTickAfter(expr, afterInZone, false)
}

// backoffDelay returns baseMs*2^(errors-1), capped at capMs.
func backoffDelay(errors int, baseMs, capMs int64) time.Duration {
	if errors <= 0 {
		return 0
	}
	delay := float64(baseMs) * math.Pow(2, float64(errors-1))
	if delay > float64(capMs) {
		delay = float64(capMs)
	}
	return time.Duration(delay) * time.Millisecond
}

// CreateIntent validates and persists a new Intent, emitting schedule_intent:intent_created.
func (s *Scheduler) CreateIntent(ctx context.Context, in Intent) (*Intent, error) {
	if in.RunAt == nil && in.Cron == nil {
		return nil, fmt.Errorf("scheduler: intent needs either runAt or cron")
	}
	if in.ContinuityMode == "" {
		in.ContinuityMode = "fresh"
	}

	s.mu.Lock()
	active := s.countActiveLocked(in.ParentSessionID)
	s.mu.Unlock()
	if s.cfg.MaxActiveIntentsPerSession > 0 && active >= s.cfg.MaxActiveIntentsPerSession {
		return nil, fmt.Errorf("scheduler: session %s already has %d active intents", in.ParentSessionID, active)
	}

	in.IntentID = uuid.NewString()
	in.Status = StatusActive
	in.UpdatedAt = time.Now().UTC()
	if in.Cron != nil {
		tz := ""
		if in.TimeZone != nil {
			tz = *in.TimeZone
		}
		next, err := nextCronFire(*in.Cron, tz, in.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scheduler: compute first cron fire: %w", err)
		}
		in.NextRunAt = &next
	} else {
		in.NextRunAt = in.RunAt
	}

	s.mu.Lock()
	s.intents[in.IntentID] = &in
	s.mu.Unlock()

	if err := s.appendEvent(in.ParentSessionID, schema.ScheduleIntentCreated, in); err != nil {
		return nil, err
	}
	if err := s.persistSnapshot(); err != nil {
		slog.Warn("scheduler: persist snapshot after create failed", "intent", in.IntentID, "error", err)
	}
	s.armTimer(&in)
	return &in, nil
}

func (s *Scheduler) countActiveLocked(sessionID string) int {
	n := 0
	for _, it := range s.intents {
		if it.ParentSessionID == sessionID && it.Status == StatusActive {
			n++
		}
	}
	return n
}

// UpdateIntent applies a partial update and emits schedule_intent:intent_updated.
func (s *Scheduler) UpdateIntent(ctx context.Context, intentID string, mutate func(*Intent)) (*Intent, error) {
	s.mu.Lock()
	it, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: unknown intent %s", intentID)
	}
	mutate(it)
	it.UpdatedAt = time.Now().UTC()
	snapshot := *it
	s.mu.Unlock()

	if err := s.appendEvent(snapshot.ParentSessionID, schema.ScheduleIntentUpdated, snapshot); err != nil {
		return nil, err
	}
	s.armTimer(&snapshot)
	return &snapshot, nil
}

// CancelIntent marks an intent cancelled, clears its timer, and emits
// schedule_intent:intent_cancelled.
func (s *Scheduler) CancelIntent(ctx context.Context, intentID, reason string) error {
	s.mu.Lock()
	it, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: unknown intent %s", intentID)
	}
	it.Status = StatusCancelled
	it.UpdatedAt = time.Now().UTC()
	if timer, ok := s.timers[intentID]; ok {
		timer.Stop()
		delete(s.timers, intentID)
	}
	snapshot := *it
	s.mu.Unlock()

	return s.appendEvent(snapshot.ParentSessionID, schema.ScheduleIntentCancelled, map[string]any{"intentId": intentID, "reason": reason})
}

// FireIntent fires one intent: acquires the lease+fireInProgress double-guard, calls
// Schedule to execute it, applies backoff/circuit-breaker bookkeeping on error, and
// reschedules recurring intents.
func (s *Scheduler) FireIntent(ctx context.Context, intentID string) error {
	s.mu.Lock()
	if _, inProgress := s.fireInProgress[intentID]; inProgress {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: intent %s already firing", intentID)
	}
	it, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: unknown intent %s", intentID)
	}
	if it.Status != StatusActive {
		s.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	leaseUntil := now.Add(time.Duration(s.cfg.LeaseDurationMs) * time.Millisecond).UnixMilli()
	it.LeaseUntilMs = &leaseUntil
	s.fireInProgress[intentID] = struct{}{}
	snapshot := *it
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.fireInProgress, intentID)
		s.mu.Unlock()
	}()

	spanCtx, span := tracing.StartScheduleFireSpan(ctx, intentID, snapshot.Reason)
	outCh := s.Schedule(spanCtx, LaneCron, RunRequest{SessionKey: snapshot.ParentSessionID, RunID: fmt.Sprintf("intent:%s", intentID)})
	outcome := <-outCh
	tracing.EndSpan(span, outcome.Err)

	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok = s.intents[intentID]
	if !ok {
		return nil
	}
	it.RunCount++
	it.LeaseUntilMs = nil

	if outcome.Err != nil {
		it.ConsecutiveErrors++
		errStr := outcome.Err.Error()
		it.LastError = &errStr
		if s.cfg.MaxConsecutiveErrors > 0 && it.ConsecutiveErrors >= s.cfg.MaxConsecutiveErrors {
			it.Status = StatusCancelled
			_ = s.appendEvent(it.ParentSessionID, schema.ScheduleIntentCancelled, map[string]any{
				"intentId": intentID, "reason": fmt.Sprintf("circuit_open:%s", errStr),
			})
			return nil
		}
		delay := backoffDelay(it.ConsecutiveErrors, s.cfg.BackoffBaseMs, s.cfg.BackoffCapMs)
		next := time.Now().UTC().Add(delay)
		it.NextRunAt = &next
		s.scheduleTimerLocked(it)
		return nil
	}

	it.ConsecutiveErrors = 0
	it.LastError = nil
	_ = s.appendEvent(it.ParentSessionID, schema.ScheduleIntentFired, map[string]any{"intentId": intentID, "runCount": it.RunCount})

	if it.MaxRuns > 0 && it.RunCount >= it.MaxRuns {
		it.Status = StatusConverged
		_ = s.appendEvent(it.ParentSessionID, schema.ScheduleIntentConverged, map[string]any{"intentId": intentID, "reason": "max_runs"})
		return nil
	}
	if it.Cron == nil {
		it.Status = StatusConverged
		_ = s.appendEvent(it.ParentSessionID, schema.ScheduleIntentConverged, map[string]any{"intentId": intentID, "reason": "one_shot_complete"})
		return nil
	}

	tz := ""
	if it.TimeZone != nil {
		tz = *it.TimeZone
	}
	next, err := nextCronFire(*it.Cron, tz, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("scheduler: compute next cron fire for %s: %w", intentID, err)
	}
	it.NextRunAt = &next
	s.scheduleTimerLocked(it)
	return nil
}

// Schedule is the executor-facing entry point grounded directly on the teacher's
// cmd/gateway_cron.go call site: it seeds (or resumes) the intent's session and
// returns the outcome on a channel, so callers can either block on it (as the
// teacher's cron handler does) or fire-and-forget.
func (s *Scheduler) Schedule(ctx context.Context, lane Lane, req RunRequest) <-chan Outcome {
	outCh := make(chan Outcome, 1)
	go func() {
		defer close(outCh)
		if s.seeder == nil {
			outCh <- Outcome{Err: fmt.Errorf("scheduler: no session seeder configured")}
			return
		}
		s.mu.Lock()
		var intent Intent
		for _, it := range s.intents {
			if it.ParentSessionID == req.SessionKey {
				intent = *it
				break
			}
		}
		s.mu.Unlock()

		result, err := s.seeder.Seed(ctx, intent, req)
		outCh <- Outcome{Result: result, Err: err}
	}()
	return outCh
}

func (s *Scheduler) armTimer(it *Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleTimerLocked(it)
}

func (s *Scheduler) scheduleTimerLocked(it *Intent) {
	if timer, ok := s.timers[it.IntentID]; ok {
		timer.Stop()
	}
	if it.NextRunAt == nil || it.Status != StatusActive {
		return
	}
	delay := time.Until(*it.NextRunAt)
	if delay < 0 {
		delay = 0
	}
	intentID := it.IntentID
	s.timers[intentID] = time.AfterFunc(delay, func() {
		if err := s.FireIntent(context.Background(), intentID); err != nil {
			slog.Warn("scheduler: fire intent failed", "intent", intentID, "error", err)
		}
	})
}

// Recover implements the seven-step startup recovery sequence: load the persisted
// snapshot, re-fold schedule_intent events since the snapshot's watermark, clear
// expired leases, persist the rebuilt snapshot, catch up missed fires (bounded by
// MaxRecoveryCatchUps, deferring the rest with minIntervalMs spacing), defer intents
// with an inflight Turn-WAL record, then arm timers for everything still active.
func (s *Scheduler) Recover(ctx context.Context) (*RecoverReport, error) {
	report := &RecoverReport{}

	snapshot, err := s.loadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("scheduler: load snapshot: %w", err)
	}
	s.mu.Lock()
	for id, it := range snapshot {
		cp := *it
		s.intents[id] = &cp
	}
	report.Loaded = len(snapshot)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.refoldFromEvents(); err != nil {
			slog.Warn("scheduler: refold from events failed", "error", err)
		}
	}

	now := time.Now().UTC()
	s.mu.Lock()
	for _, it := range s.intents {
		if it.LeaseUntilMs != nil && *it.LeaseUntilMs < now.UnixMilli() {
			it.LeaseUntilMs = nil
			report.LeasesCleared++
		}
	}
	s.mu.Unlock()

	if err := s.persistSnapshot(); err != nil {
		slog.Warn("scheduler: persist rebuilt snapshot failed", "error", err)
	}

	var pendingWAL []turnwal.Record
	if s.wal != nil {
		pendingWAL, _ = s.wal.ListPending()
	}

	s.mu.Lock()
	caughtUp := 0
	deferPosition := 0
	for _, it := range s.intents {
		if it.Status != StatusActive || it.NextRunAt == nil {
			continue
		}

		hasInflight := false
		for _, rec := range pendingWAL {
			if rec.SessionID == it.ParentSessionID && rec.Status == turnwal.StatusInflight {
				hasInflight = true
				break
			}
		}
		if hasInflight {
			report.Deferred++
			continue
		}

		if it.NextRunAt.Before(now) {
			if caughtUp < s.cfg.MaxRecoveryCatchUps {
				caughtUp++
				report.CaughtUp++
				iid := it.IntentID
				go func() {
					if err := s.FireIntent(ctx, iid); err != nil {
						slog.Warn("scheduler: recovery catch-up fire failed", "intent", iid, "error", err)
					}
				}()
				continue
			}
			deferPosition++
			next := now.Add(time.Duration(s.cfg.MinIntervalMs*int64(deferPosition)) * time.Millisecond)
			it.NextRunAt = &next
			report.Deferred++
		}
		s.scheduleTimerLocked(it)
	}
	s.mu.Unlock()

	return report, nil
}

func (s *Scheduler) refoldFromEvents() error {
	ids, err := s.store.ListSessionIDs()
	if err != nil {
		return err
	}
	for _, sessionID := range ids {
		records, err := s.store.List(sessionID)
		if err != nil {
			continue
		}
		for _, rec := range records {
			if rec.Type != schema.ScheduleIntentCreated {
				continue
			}
			var it Intent
			if err := unmarshalPayload(rec.Payload, &it); err == nil {
				s.mu.Lock()
				if _, exists := s.intents[it.IntentID]; !exists {
					s.intents[it.IntentID] = &it
				}
				s.mu.Unlock()
			}
		}
	}
	return nil
}

func unmarshalPayload(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}

// loadSnapshot reads the persisted projection file, tolerating its absence on
// first run.
func (s *Scheduler) loadSnapshot() (map[string]*Intent, error) {
	if s.layout == nil {
		return map[string]*Intent{}, nil
	}
	data, err := os.ReadFile(s.layout.ScheduleProjectionPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Intent{}, nil
		}
		return nil, err
	}
	var snapshot map[string]*Intent
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("scheduler: decode snapshot: %w", err)
	}
	return snapshot, nil
}

// persistSnapshot atomically rewrites the projection file, matching the teacher's
// sessions.Manager.Save idiom.
func (s *Scheduler) persistSnapshot() error {
	if s.layout == nil {
		return nil
	}
	s.mu.Lock()
	snapshot := make(map[string]*Intent, len(s.intents))
	for id, it := range s.intents {
		cp := *it
		snapshot[id] = &cp
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal snapshot: %w", err)
	}
	return workspace.AtomicWriteFile(s.layout.ScheduleProjectionPath(), data)
}

func (s *Scheduler) appendEvent(sessionID, eventType string, payload any) error {
	if s.store == nil {
		return nil
	}
	rec, err := eventstore.NewRecord(sessionID, eventType, payload)
	if err != nil {
		return err
	}
	return s.store.Append(sessionID, rec)
}
