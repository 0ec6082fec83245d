package strategy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polystore-backend/internal/config"
	"polystore-backend/internal/store"
	"polystore-backend/internal/store/storetest"
)

func monitorSettings() config.Strategy {
	return config.Strategy{
		PollInterval:          5 * time.Second,
		ProbeTimeout:          100 * time.Millisecond,
		UnhealthyAfter:        2,
		HealthyAfter:          3,
		LatencyOverrideFactor: 2.0,
	}
}

func TestMonitor_SingleFailedPollNeverFlips(t *testing.T) {
	vector := storetest.New(store.Vector)
	relational := storetest.New(store.Relational)
	m := NewMonitor(monitorSettings(), nil, relational, vector)

	m.Poll(context.Background())
	require.True(t, m.Current().IsHealthy(store.Vector))

	// One bad round, then recovery: with K=2 the belief must never flip.
	vector.SetHealthy(false)
	m.Poll(context.Background())
	assert.True(t, m.Current().IsHealthy(store.Vector))

	vector.SetHealthy(true)
	m.Poll(context.Background())
	assert.True(t, m.Current().IsHealthy(store.Vector))
}

func TestMonitor_ConsecutiveFailuresFlipAndRecoveryNeedsStreak(t *testing.T) {
	vector := storetest.New(store.Vector)
	m := NewMonitor(monitorSettings(), nil, vector)

	vector.SetHealthy(false)
	m.Poll(context.Background())
	require.True(t, m.Current().IsHealthy(store.Vector))
	m.Poll(context.Background())
	require.False(t, m.Current().IsHealthy(store.Vector), "second consecutive failure flips")

	// Recovery takes M=3 consecutive successes.
	vector.SetHealthy(true)
	m.Poll(context.Background())
	assert.False(t, m.Current().IsHealthy(store.Vector))
	m.Poll(context.Background())
	assert.False(t, m.Current().IsHealthy(store.Vector))
	m.Poll(context.Background())
	assert.True(t, m.Current().IsHealthy(store.Vector))
}

func TestMonitor_InterruptedFailureStreakResets(t *testing.T) {
	document := storetest.New(store.Document)
	m := NewMonitor(monitorSettings(), nil, document)

	document.SetHealthy(false)
	m.Poll(context.Background())
	document.SetHealthy(true)
	m.Poll(context.Background())
	document.SetHealthy(false)
	m.Poll(context.Background())

	assert.True(t, m.Current().IsHealthy(store.Document),
		"non-consecutive failures must not accumulate")
}

func TestMonitor_StableAvailabilityKeepsBeliefsStable(t *testing.T) {
	relational := storetest.New(store.Relational)
	graph := storetest.New(store.Graph)
	m := NewMonitor(monitorSettings(), nil, relational, graph)

	for i := 0; i < 10; i++ {
		m.Poll(context.Background())
		snap := m.Current()
		assert.True(t, snap.IsHealthy(store.Relational))
		assert.True(t, snap.IsHealthy(store.Graph))
	}
}

func TestMonitor_SubscribersHearFlipsOnly(t *testing.T) {
	vector := storetest.New(store.Vector)
	m := NewMonitor(monitorSettings(), nil, vector)

	var notifications atomic.Int32
	m.Subscribe(func(snap *Snapshot) { notifications.Add(1) })

	m.Poll(context.Background())
	m.Poll(context.Background())
	assert.Equal(t, int32(0), notifications.Load(), "healthy rounds are not flips")

	vector.SetHealthy(false)
	m.Poll(context.Background())
	m.Poll(context.Background())

	assert.Eventually(t, func() bool { return notifications.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestMonitor_SnapshotReplacedNotMutated(t *testing.T) {
	vector := storetest.New(store.Vector)
	m := NewMonitor(monitorSettings(), nil, vector)

	m.Poll(context.Background())
	before := m.Current()

	vector.SetHealthy(false)
	m.Poll(context.Background())
	m.Poll(context.Background())
	after := m.Current()

	assert.True(t, before.IsHealthy(store.Vector), "old snapshots stay consistent")
	assert.False(t, after.IsHealthy(store.Vector))
	assert.Greater(t, after.Version, before.Version)
}

func TestMonitor_StartStopLifecycle(t *testing.T) {
	settings := monitorSettings()
	settings.PollInterval = 5 * time.Millisecond
	vector := storetest.New(store.Vector)
	m := NewMonitor(settings, nil, vector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	assert.Eventually(t, func() bool { return m.Current().Version >= 2 },
		time.Second, 5*time.Millisecond)
	m.Stop()
}

func TestMonitor_RetuneChangesThresholdsMidStreak(t *testing.T) {
	settings := monitorSettings()
	settings.UnhealthyAfter = 3
	vector := storetest.New(store.Vector)
	m := NewMonitor(settings, nil, vector)

	vector.SetHealthy(false)
	m.Poll(context.Background())
	require.True(t, m.Current().IsHealthy(store.Vector), "one failure under K=3 holds")

	// Tighten K to 2: the in-progress streak is now judged against the new
	// threshold, so the second failure flips where K=3 would have held.
	tightened := settings
	tightened.UnhealthyAfter = 2
	m.Retune(tightened)

	m.Poll(context.Background())
	assert.False(t, m.Current().IsHealthy(store.Vector))
}
