// Package filetrack captures before/after file content around mutation tool calls
// and produces a PatchSet per successful call, with best-effort rollback of the most
// recent patch set. The before-content of every pre-existing file in a patch set is
// spilled to a workspace "shadow" store, whatever its size, and rollback reads it
// back from there.
//
// Grounded on the teacher's internal/sessions.Manager atomic-write idiom for the
// shadow store, and on internal/tools/delegate_state.go's sync.Map-keyed pending-set
// tracking (there, active delegated tasks keyed by link id; here, pending captures
// keyed by toolCallID) — generalized to per-session KeyedMutex locking so unrelated
// sessions' tool calls never contend.
package filetrack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentd-project/agentd/internal/syncutil"
	"github.com/agentd-project/agentd/internal/workspace"
)

// AbsentHash is the sentinel hash recorded for a file that does not exist.
const AbsentHash = "absent"

// FileAction classifies what a patch did to a file, derived from before/after
// existence.
type FileAction string

const (
	ActionAdd    FileAction = "add"
	ActionModify FileAction = "modify"
	ActionDelete FileAction = "delete"
)

// PatchFileChange is one file's before/after record within a PatchSet.
type PatchFileChange struct {
	Path        string     `json:"path"`
	Action      FileAction `json:"action"`
	BeforeHash  string     `json:"beforeHash"`
	AfterHash   string     `json:"afterHash"`
	DiffText    string     `json:"diffText,omitempty"`
}

// PatchSet is the committed before/after record for one successful mutation tool
// call.
type PatchSet struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	ToolCallID string           `json:"toolCallId"`
	CreatedAt time.Time         `json:"createdAt"`
	Changes   []PatchFileChange `json:"changes"`
}

// pendingCapture is the before-state recorded at captureBeforeToolCall time.
type pendingCapture struct {
	sessionID string
	toolName  string
	paths     []string
	before    map[string]capturedFile
}

type capturedFile struct {
	hash    string
	content []byte
	exists  bool
}

// MutationClassifier resolves the absolute file paths a tool call's args would
// mutate, and reports whether the tool is tracked at all.
type MutationClassifier interface {
	// ResolvePaths returns the absolute file paths referenced by a tool call's args,
	// or (nil, false) if toolName is not a tracked mutation tool.
	ResolvePaths(toolName string, args map[string]any) (paths []string, tracked bool)
}

// RollbackResult reports the outcome of RollbackLast.
type RollbackResult struct {
	RestoredPaths []string `json:"restoredPaths"`
	FailedPaths   []string `json:"failedPaths"`
}

// Tracker is the session-scoped file-change tracker.
type Tracker struct {
	layout     *workspace.Layout
	classifier MutationClassifier
	locks      *syncutil.KeyedMutex

	mu       sync.Mutex
	pending  map[string]pendingCapture // toolCallID -> capture
	history  map[string][]PatchSet     // sessionID -> patch sets, append order
}

// New returns a Tracker using classifier to resolve tracked paths.
func New(layout *workspace.Layout, classifier MutationClassifier) *Tracker {
	return &Tracker{
		layout:     layout,
		classifier: classifier,
		locks:      syncutil.NewKeyedMutex(),
		pending:    make(map[string]pendingCapture),
		history:    make(map[string][]PatchSet),
	}
}

// CaptureBeforeToolCall snapshots the before-state of every path a mutation tool
// call would touch. A no-op (tracked=false) if toolName isn't a tracked mutation
// tool, or if it resolves to no paths.
func (t *Tracker) CaptureBeforeToolCall(sessionID, toolCallID, toolName string, args map[string]any) error {
	paths, tracked := t.classifier.ResolvePaths(toolName, args)
	if !tracked || len(paths) == 0 {
		return nil
	}

	unlock := t.locks.Lock(sessionID)
	defer unlock()

	before := make(map[string]capturedFile, len(paths))
	for _, p := range paths {
		cf, err := snapshotFile(p)
		if err != nil {
			return fmt.Errorf("filetrack: snapshot %s: %w", p, err)
		}
		before[p] = cf
	}

	t.mu.Lock()
	t.pending[toolCallID] = pendingCapture{sessionID: sessionID, toolName: toolName, paths: paths, before: before}
	t.mu.Unlock()
	return nil
}

// CompleteToolCall finalizes the pending capture for toolCallID. On success it
// rescans the same paths for after-state, builds a PatchSet (spilling each
// pre-existing file's before-content to the workspace shadow store), and appends it to the session's
// history. On failure it discards the pending capture with no PatchSet produced.
func (t *Tracker) CompleteToolCall(sessionID, toolCallID string, success bool) (*PatchSet, error) {
	t.mu.Lock()
	capture, ok := t.pending[toolCallID]
	delete(t.pending, toolCallID)
	t.mu.Unlock()
	if !ok {
		return nil, nil
	}

	if !success {
		return nil, nil
	}

	unlock := t.locks.Lock(sessionID)
	defer unlock()

	patch := PatchSet{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ToolCallID: toolCallID,
		CreatedAt:  time.Now().UTC(),
	}

	for _, p := range capture.paths {
		after, err := snapshotFile(p)
		if err != nil {
			return nil, fmt.Errorf("filetrack: rescan %s: %w", p, err)
		}
		before := capture.before[p]
		change := PatchFileChange{
			Path:       p,
			BeforeHash: hashOf(before),
			AfterHash:  hashOf(after),
			Action:     classifyAction(before.exists, after.exists),
		}
		if err := t.spillShadow(patch.ID, p, before); err != nil {
			return nil, err
		}
		patch.Changes = append(patch.Changes, change)
	}

	t.mu.Lock()
	t.history[sessionID] = append(t.history[sessionID], patch)
	t.mu.Unlock()

	return &patch, nil
}

// RollbackLast restores every file in the session's newest PatchSet to its captured
// before-content. Restoration is best-effort per file: a failure on one path does
// not stop attempts on the others.
func (t *Tracker) RollbackLast(sessionID string) (RollbackResult, error) {
	unlock := t.locks.Lock(sessionID)
	defer unlock()

	t.mu.Lock()
	hist := t.history[sessionID]
	if len(hist) == 0 {
		t.mu.Unlock()
		return RollbackResult{}, nil
	}
	last := hist[len(hist)-1]
	t.history[sessionID] = hist[:len(hist)-1]
	t.mu.Unlock()

	var result RollbackResult
	for _, change := range last.Changes {
		if err := t.restoreShadow(last.ID, change); err != nil {
			result.FailedPaths = append(result.FailedPaths, change.Path)
			continue
		}
		result.RestoredPaths = append(result.RestoredPaths, change.Path)
	}
	return result, nil
}

func classifyAction(beforeExists, afterExists bool) FileAction {
	switch {
	case !beforeExists && afterExists:
		return ActionAdd
	case beforeExists && !afterExists:
		return ActionDelete
	default:
		return ActionModify
	}
}

func hashOf(cf capturedFile) string {
	if !cf.exists {
		return AbsentHash
	}
	return cf.hash
}

func snapshotFile(path string) (capturedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return capturedFile{exists: false}, nil
		}
		return capturedFile{}, err
	}
	sum := sha256.Sum256(data)
	return capturedFile{hash: hex.EncodeToString(sum[:]), content: data, exists: true}, nil
}

func (t *Tracker) shadowPath(patchID, originalPath string) string {
	name := workspace.SanitizeFilename(patchID) + "__" + workspace.SanitizeFilename(originalPath)
	return filepath.Join(t.layout.ShadowsDir(), name)
}

// spillShadow persists the before-content for one file of a patch set so rollback
// works even after the process restarts. A file that did not exist before has
// nothing to spill.
func (t *Tracker) spillShadow(patchID, path string, before capturedFile) error {
	if !before.exists {
		return nil
	}
	return workspace.AtomicWriteFile(t.shadowPath(patchID, path), before.content)
}

// restoreShadow writes a change's shadowed before-content back to its original
// path, or removes the path if it did not exist before (an "add" rollback).
func (t *Tracker) restoreShadow(patchID string, change PatchFileChange) error {
	if change.BeforeHash == AbsentHash {
		if err := os.Remove(change.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := os.ReadFile(t.shadowPath(patchID, change.Path))
	if err != nil {
		return fmt.Errorf("filetrack: shadow missing for %s: %w", change.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(change.Path), 0o755); err != nil {
		return err
	}
	return workspace.AtomicWriteFile(change.Path, data)
}

// DefaultClassifier tracks a fixed set of mutation tool names, reading the target
// path(s) out of well-known argument keys.
type DefaultClassifier struct {
	MutationTools map[string]bool
}

// NewDefaultClassifier returns a classifier tracking the conventional write/edit/
// delete tool names.
func NewDefaultClassifier() *DefaultClassifier {
	return &DefaultClassifier{
		MutationTools: map[string]bool{
			"write_file":  true,
			"edit_file":   true,
			"delete_file": true,
			"apply_patch": true,
		},
	}
}

// ResolvePaths implements MutationClassifier.
func (c *DefaultClassifier) ResolvePaths(toolName string, args map[string]any) ([]string, bool) {
	if !c.MutationTools[toolName] {
		return nil, false
	}
	var paths []string
	if p, ok := args["path"].(string); ok && p != "" {
		paths = append(paths, p)
	}
	if raw, ok := args["paths"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				paths = append(paths, s)
			}
		}
	}
	if len(paths) == 0 {
		return nil, false
	}
	return paths, true
}
