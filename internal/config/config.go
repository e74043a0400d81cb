// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the runtime-tunable settings for the
// orchestrator: memory thresholds, cache sizing, lock timeouts, and
// context budgets. It loads from YAML and hot-reloads on file change.
package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// Memory mirrors memorymonitor.Thresholds in a YAML-friendly shape.
type Memory struct {
	HighWaterMB     int64 `yaml:"high_water_mb"`
	CriticalWaterMB int64 `yaml:"critical_water_mb"`
	MaxRSSMB        int64 `yaml:"max_rss_mb"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
}

// Cache mirrors sharedcache's bounds.
type Cache struct {
	MaxTotalMB   int64         `yaml:"max_total_mb"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Locking mirrors sharedcache's advisory lock tuning.
type Locking struct {
	StaleAge    time.Duration `yaml:"stale_age"`
	MaxWait     time.Duration `yaml:"max_wait"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// Context mirrors context-budget/handoff thresholds.
type Context struct {
	MaxTokens      int     `yaml:"max_tokens"`
	WarnThreshold  float64 `yaml:"warn_threshold"`
	ResetThreshold float64 `yaml:"reset_threshold"`
}

// Telemetry controls the opt-in event log.
type Telemetry struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"`
}

// ReviewerSpec mirrors planreview.ReviewerSpec in a YAML-friendly
// shape, keyed under Review.Matrix by task type.
type ReviewerSpec struct {
	Agent string `yaml:"agent"`
	Role  string `yaml:"role"`
	When  string `yaml:"when,omitempty"`
}

// Review configures the Plan Review Gate's reviewer matrix and pass
// policy (spec.md §4.4).
type Review struct {
	Matrix                          map[string][]ReviewerSpec `yaml:"matrix,omitempty"`
	MinimumScore                    float64                   `yaml:"minimum_score"`
	BlockingThreshold                float64                   `yaml:"blocking_threshold"`
	AnyReviewerBelowThresholdBlocks bool                      `yaml:"any_reviewer_below_threshold_blocks"`
	RequiredWeight                  float64                   `yaml:"required_weight"`
	OptionalWeight                  float64                   `yaml:"optional_weight"`
}

// Config is the full set of runtime tunables.
type Config struct {
	Memory    Memory            `yaml:"memory"`
	Cache     Cache             `yaml:"cache"`
	Locking   Locking           `yaml:"locking"`
	Context   Context           `yaml:"context"`
	Telemetry Telemetry         `yaml:"telemetry"`
	Review    Review            `yaml:"review"`
	Agents    map[string]string `yaml:"agents,omitempty"` // agent name -> binary path override for the Oracle Adapter
}

// Default returns the built-in tunable defaults, used when no config
// file is present and as the base merged under a partial file.
func Default() Config {
	return Config{
		Memory: Memory{
			HighWaterMB:     2048,
			CriticalWaterMB: 3072,
			MaxRSSMB:        4096,
			SampleInterval:  5 * time.Second,
		},
		Cache: Cache{
			MaxTotalMB:    50,
			DefaultTTL:    30 * time.Minute,
			FlushInterval: 5 * time.Second,
		},
		Locking: Locking{
			StaleAge:   10 * time.Second,
			MaxWait:    5 * time.Second,
			BackoffCap: 500 * time.Millisecond,
		},
		Context: Context{
			MaxTokens:      20000,
			WarnThreshold:  0.70,
			ResetThreshold: 0.90,
		},
		Telemetry: Telemetry{
			Enabled:   false,
			Retention: 90 * 24 * time.Hour,
		},
		Review: Review{
			MinimumScore:                    7,
			BlockingThreshold:                5,
			AnyReviewerBelowThresholdBlocks: true,
			RequiredWeight:                  0.7,
			OptionalWeight:                  0.3,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, orcherrors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, orcherrors.Wrap(err, "parse config yaml")
	}
	return cfg, nil
}

// Watcher holds the live, hot-reloadable Config plus an fsnotify watch
// on its backing file.
type Watcher struct {
	mu      sync.RWMutex
	cfg     Config
	path    string
	watcher *fsnotify.Watcher
	onChange func(Config)
}

// NewWatcher loads path and begins watching it for changes. onChange,
// if non-nil, is invoked with the newly loaded Config after each
// successful reload.
func NewWatcher(path string, onChange func(Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, orcherrors.Wrap(err, "create config watcher")
	}
	if err := fw.Add(path); err != nil {
		// A config file that does not exist yet is fine: defaults
		// apply until one is created alongside it in the same dir.
		_ = fw.Close()
		fw = nil
	}

	w := &Watcher{cfg: cfg, path: path, watcher: fw, onChange: onChange}
	if fw != nil {
		go w.loop()
	}
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.cfg = cfg
			w.mu.Unlock()
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
