package memorymonitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyThresholds(t *testing.T) {
	m := New(Thresholds{HighWaterMB: 100, CriticalWaterMB: 200, MaxRSSMB: 300}, time.Hour, nil)
	assert.Equal(t, PressureNormal, m.classify(50))
	assert.Equal(t, PressureHigh, m.classify(100))
	assert.Equal(t, PressureCritical, m.classify(250))
}

func TestCanSpawnSubagentRespectsFreeHeadroom(t *testing.T) {
	m := New(Thresholds{HighWaterMB: 100, CriticalWaterMB: 200, MaxRSSMB: 300}, time.Hour, nil,
		WithRSSReader(func() (int64, error) { return 250, nil }))
	m.sampleOnce()

	check := m.CanSpawnSubagent(100)
	assert.False(t, check.CanSpawn, "only 50MB free, below the 100MB ask")
	assert.Equal(t, int64(50), check.FreeMB)
}

func TestCanSpawnSubagentRefusedUnderCriticalPressure(t *testing.T) {
	m := New(Thresholds{HighWaterMB: 10, CriticalWaterMB: 20, MaxRSSMB: 1000}, time.Hour, nil,
		WithRSSReader(func() (int64, error) { return 25, nil }))
	m.sampleOnce()

	check := m.CanSpawnSubagent(1)
	assert.False(t, check.CanSpawn, "critical pressure blocks spawning even with nominal headroom")
}

func TestPressureCallbackFiresOnTransition(t *testing.T) {
	var calls int32
	var lastLevel atomic.Value
	rss := int64(10)

	m := New(Thresholds{HighWaterMB: 100, CriticalWaterMB: 200, MaxRSSMB: 300}, 5*time.Millisecond, nil,
		WithRSSReader(func() (int64, error) { return rss, nil }),
		WithOnPressureChange(func(level PressureLevel, rssMB int64) {
			atomic.AddInt32(&calls, 1)
			lastLevel.Store(level)
		}))

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	rss = 150
	time.Sleep(20 * time.Millisecond)
	cancel()
	m.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
	assert.Equal(t, PressureHigh, lastLevel.Load())
}
