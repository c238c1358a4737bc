// Package config loads, defaults, and hot-reloads the concierge
// configuration file.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/msageha/concierge/internal/model"
)

// Default returns the built-in configuration. Heuristic tables carry the
// tuned defaults; everything here can be overridden by the config file.
func Default() model.Config {
	return model.Config{
		Project: model.ProjectConfig{Name: "concierge"},
		Store:   model.StoreConfig{Backend: "memory"},
		Chat: model.ChatConfig{
			NegativeSignal: "thumbsdown",
		},
		Classifier: model.ClassifierConfig{
			TimeoutSec: 60,
		},
		Backend: model.BackendConfig{
			Command: "claude",
		},
		Timeouts: model.TimeoutsConfig{
			ResearchMin:   30,
			CodeChangeMin: 15,
			OrganizeMin:   10,
			QuestionMin:   5,
			ReminderMin:   5,
			OtherMin:      10,
		},
		Heuristics: model.HeuristicsConfig{
			FailurePhrases: []string{
				"失敗しました",
				"できません",
				"re:認証.*エラー",
				"re:(?i)authentication (failed|required|error)",
			},
			FailureTailRunes:  500,
			QuestionThreshold: 3,
			AbortKeywords: []string{
				"中止", "中止して", "中止してください",
				"やめて", "キャンセル", "ストップ",
				"stop", "cancel", "abort",
			},
			PhaseKeywords: map[string]int{
				"search": 1,
				"fetch":  1,
				"list":   1,
				"read":   2,
				"write":  2,
				"edit":   2,
				"render": 3,
				"send":   3,
			},
		},
		Daemon: model.DaemonConfig{
			StateDir:           ".concierge",
			ShutdownTimeoutSec: 30,
		},
		Logging: model.LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML config at path and overlays it on the defaults.
func Load(path string) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// applyDefaults backfills fields the file left zero so partial configs stay
// usable.
func applyDefaults(cfg *model.Config) {
	def := Default()

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = def.Store.Backend
	}
	if cfg.Chat.NegativeSignal == "" {
		cfg.Chat.NegativeSignal = def.Chat.NegativeSignal
	}
	if cfg.Classifier.TimeoutSec <= 0 {
		cfg.Classifier.TimeoutSec = def.Classifier.TimeoutSec
	}
	if cfg.Backend.Command == "" {
		cfg.Backend.Command = def.Backend.Command
	}

	t, dt := &cfg.Timeouts, def.Timeouts
	if t.ResearchMin <= 0 {
		t.ResearchMin = dt.ResearchMin
	}
	if t.CodeChangeMin <= 0 {
		t.CodeChangeMin = dt.CodeChangeMin
	}
	if t.OrganizeMin <= 0 {
		t.OrganizeMin = dt.OrganizeMin
	}
	if t.QuestionMin <= 0 {
		t.QuestionMin = dt.QuestionMin
	}
	if t.ReminderMin <= 0 {
		t.ReminderMin = dt.ReminderMin
	}
	if t.OtherMin <= 0 {
		t.OtherMin = dt.OtherMin
	}

	h, dh := &cfg.Heuristics, def.Heuristics
	if len(h.FailurePhrases) == 0 {
		h.FailurePhrases = dh.FailurePhrases
	}
	if h.FailureTailRunes <= 0 {
		h.FailureTailRunes = dh.FailureTailRunes
	}
	if h.QuestionThreshold <= 0 {
		h.QuestionThreshold = dh.QuestionThreshold
	}
	if len(h.AbortKeywords) == 0 {
		h.AbortKeywords = dh.AbortKeywords
	}
	if len(h.PhaseKeywords) == 0 {
		h.PhaseKeywords = dh.PhaseKeywords
	}

	if cfg.Daemon.StateDir == "" {
		cfg.Daemon.StateDir = def.Daemon.StateDir
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = def.Daemon.ShutdownTimeoutSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

// WriteDefault writes the default config to path atomically
// (temp file + rename) unless a file already exists there.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}

// Watch re-reads the config whenever the file changes and calls onChange
// with the parsed result. Events are debounced because editors produce
// bursts of writes. Blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(model.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: rename-based saves replace the
	// inode and would silently detach a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				// Keep running on a broken intermediate save; the
				// next write will be picked up.
				continue
			}
			onChange(cfg)
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
