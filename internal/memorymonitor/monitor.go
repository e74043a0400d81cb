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

// Package memorymonitor implements the Memory Monitor & Pressure Handler
// from spec.md §4.9: periodic RSS sampling, pressure-level classification,
// and the subagent-spawn admission check.
package memorymonitor

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PressureLevel classifies current memory headroom.
type PressureLevel string

const (
	PressureNormal   PressureLevel = "normal"
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

// ExitCodeMemoryPressure is returned by hosting processes that abort
// under critical memory pressure, per spec.md §6.
const ExitCodeMemoryPressure = 42

// Thresholds configures pressure classification, all in MB of RSS.
type Thresholds struct {
	HighWaterMB     int64
	CriticalWaterMB int64
	MaxRSSMB        int64
}

// DefaultThresholds matches spec.md §4.9's suggested defaults.
var DefaultThresholds = Thresholds{
	HighWaterMB:     2048,
	CriticalWaterMB: 3072,
	MaxRSSMB:        4096,
}

// PressureCallback is invoked whenever the sampled pressure level changes.
type PressureCallback func(level PressureLevel, rssMB int64)

// SpawnCheck is the result of canSpawnSubagent.
type SpawnCheck struct {
	CanSpawn       bool  `json:"can_spawn"`
	FreeMB         int64 `json:"free_mb"`
	CurrentUsageMB int64 `json:"current_usage_mb"`
	MaxRSSMB       int64 `json:"max_rss_mb"`
}

// Monitor samples process RSS on an interval and classifies pressure.
type Monitor struct {
	thresholds Thresholds
	interval   time.Duration
	onPressure PressureCallback
	readRSS    func() (int64, error)

	rssMB   atomic.Int64
	level   atomic.Value // PressureLevel
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}

	gaugeRSS      prometheus.Gauge
	gaugePressure prometheus.Gauge
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithOnPressureChange registers a callback fired when the pressure
// level transitions.
func WithOnPressureChange(cb PressureCallback) Option {
	return func(m *Monitor) { m.onPressure = cb }
}

// WithRSSReader overrides the RSS sampling function, for tests.
func WithRSSReader(fn func() (int64, error)) Option {
	return func(m *Monitor) { m.readRSS = fn }
}

// New creates a Monitor. Pass a registerer to publish Prometheus gauges,
// or nil to skip registration (e.g. in tests).
func New(thresholds Thresholds, interval time.Duration, reg prometheus.Registerer, opts ...Option) *Monitor {
	m := &Monitor{
		thresholds: thresholds,
		interval:   interval,
		readRSS:    readProcessRSSMB,
		gaugeRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrun_memory_rss_mb",
			Help: "Current resident set size of the orchestrator process in MB.",
		}),
		gaugePressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrun_memory_pressure_level",
			Help: "Current memory pressure level (0=normal, 1=high, 2=critical).",
		}),
	}
	m.level.Store(PressureNormal)
	for _, opt := range opts {
		opt(m)
	}
	if reg != nil {
		reg.MustRegister(m.gaugeRSS, m.gaugePressure)
	}
	return m
}

// Start begins periodic sampling until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	m.mu.Unlock()

	go m.loop(runCtx)
}

// Stop halts sampling and waits for the loop goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stopped := m.stopped
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if stopped != nil {
		<-stopped
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.stopped)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	rss, err := m.readRSS()
	if err != nil {
		return
	}
	m.rssMB.Store(rss)
	m.gaugeRSS.Set(float64(rss))

	newLevel := m.classify(rss)
	prev := m.level.Swap(newLevel)
	m.gaugePressure.Set(levelValue(newLevel))

	if prevLevel, _ := prev.(PressureLevel); prevLevel != newLevel && m.onPressure != nil {
		m.onPressure(newLevel, rss)
	}
}

func (m *Monitor) classify(rssMB int64) PressureLevel {
	switch {
	case rssMB >= m.thresholds.CriticalWaterMB:
		return PressureCritical
	case rssMB >= m.thresholds.HighWaterMB:
		return PressureHigh
	default:
		return PressureNormal
	}
}

func levelValue(l PressureLevel) float64 {
	switch l {
	case PressureHigh:
		return 1
	case PressureCritical:
		return 2
	default:
		return 0
	}
}

// CurrentLevel returns the most recently sampled pressure level.
func (m *Monitor) CurrentLevel() PressureLevel {
	l, _ := m.level.Load().(PressureLevel)
	if l == "" {
		return PressureNormal
	}
	return l
}

// CurrentRSSMB returns the most recently sampled RSS in MB.
func (m *Monitor) CurrentRSSMB() int64 {
	return m.rssMB.Load()
}

// CanSpawnSubagent answers whether the orchestrator has enough headroom
// to spawn another subagent requiring at least minFreeMB, per spec.md
// §4.9's admission check.
func (m *Monitor) CanSpawnSubagent(minFreeMB int64) SpawnCheck {
	usage := m.CurrentRSSMB()
	if usage == 0 {
		if rss, err := m.readRSS(); err == nil {
			usage = rss
		}
	}
	free := m.thresholds.MaxRSSMB - usage
	return SpawnCheck{
		CanSpawn:       free >= minFreeMB && m.CurrentLevel() != PressureCritical,
		FreeMB:         free,
		CurrentUsageMB: usage,
		MaxRSSMB:       m.thresholds.MaxRSSMB,
	}
}

// readProcessRSSMB reads VmRSS from /proc/self/status, the same
// mechanism Linux monitoring agents in this stack use; it returns an
// error on non-Linux platforms where the file does not exist.
func readProcessRSSMB() (int64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, scanner.Err()
}
