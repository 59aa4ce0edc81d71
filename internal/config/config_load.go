package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Load reads a JSON5 config overlay from path, falling back to Default() when the
// file does not exist, then applies AGENTD_* environment overrides. Mirrors the
// teacher's config_load.go Load().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg to path as indented JSON, atomically.
func Save(path string, cfg *Config) error {
	snap := cfg.Snapshot()
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "tmp-config-*.json")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	cleanup = false
	return nil
}

// Hash returns the hex sha256 of cfg's canonical JSON encoding, used to detect
// no-op reloads before firing a hot-reload notification.
func Hash(cfg *Config) (string, error) {
	snap := cfg.Snapshot()
	data, err := json.Marshal(&snap)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// applyEnvOverrides layers AGENTD_*-prefixed environment variables on top of cfg,
// matching the teacher's convention of env overrides winning over file config.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("AGENTD_SCHEDULE_ENABLED"); ok {
		cfg.Schedule.Enabled = parseBool(v, cfg.Schedule.Enabled)
	}
	if v, ok := os.LookupEnv("AGENTD_CONTEXT_BUDGET_MAX_TOKENS"); ok {
		cfg.ContextBudget.MaxInjectionTokens = parseInt(v, cfg.ContextBudget.MaxInjectionTokens)
	}
	if v, ok := os.LookupEnv("AGENTD_TURN_WAL_ENABLED"); ok {
		cfg.TurnWAL.Enabled = parseBool(v, cfg.TurnWAL.Enabled)
	}
	if v, ok := os.LookupEnv("AGENTD_SECURITY_ALLOWED_TOOLS_MODE"); ok {
		cfg.Security.AllowedToolsMode = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("AGENTD_VERIFICATION_DEFAULT_LEVEL"); ok {
		cfg.Verification.DefaultLevel = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("AGENTD_PARALLEL_MAX_CONCURRENT"); ok {
		cfg.Parallel.MaxConcurrent = parseInt(v, cfg.Parallel.MaxConcurrent)
	}
	if v, ok := os.LookupEnv("AGENTD_COST_SESSION_CAP_USD"); ok {
		cfg.Cost.SessionCapUSD = parseFloat(v, cfg.Cost.SessionCapUSD)
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(v string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

// Watcher watches a config file for changes and invokes onChange with the newly
// loaded Config whenever its hash changes, adapted from the teacher's fsnotify-based
// hot-reload loop in cmd/gateway.go.
type Watcher struct {
	path      string
	lastHash  string
	watcher   *fsnotify.Watcher
	onChange  func(*Config)
	onError   func(error)
}

// NewWatcher starts watching path's parent directory for writes/renames/creates,
// the same directory-level watch the teacher uses to survive editors that replace
// files via rename rather than in-place write.
func NewWatcher(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	cfg, err := Load(path)
	var initialHash string
	if err == nil {
		initialHash, _ = Hash(cfg)
	}

	w := &Watcher{path: path, lastHash: initialHash, watcher: fw, onChange: onChange, onError: onError}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	h, err := Hash(cfg)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if h == w.lastHash {
		return
	}
	w.lastHash = h
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }
