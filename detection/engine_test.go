package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/privmon/privmon/types"
)

func newTestEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	db := testDB(t)
	opts.DB = db
	opts.Logger = zap.NewNop()
	if opts.Alerts == nil {
		opts.Alerts = NewAlertManager(db, zap.NewNop(), 60)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine
}

func TestEnginePersistsAndAlerts(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{Workers: 2, QueueSize: 100})

	engine.Enqueue(newEvent(types.EventOpenat, "cat", "/etc/shadow"))
	engine.Enqueue(newEvent(types.EventExecve, "ls", "/usr/bin/ls"))

	require.Eventually(t, func() bool {
		events, err := engine.db.RecentEvents(10)
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		s := engine.GetStats()
		return s.RulesTriggered == 1 && s.AlertsGenerated == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), engine.GetStats().EventsProcessed)

	alerts, err := engine.db.RecentAlerts(24, 10, "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "RULE-02", alerts[0].RuleID)
}

func TestEngineWhitelistSkipsProcessing(t *testing.T) {
	engine := newTestEngine(t, EngineOptions{
		Workers:            1,
		QueueSize:          10,
		WhitelistProcesses: []string{"backup-agent"},
	})

	engine.Enqueue(newEvent(types.EventOpenat, "backup-agent", "/etc/shadow"))

	require.Eventually(t, func() bool {
		return engine.GetStats().EventsProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, engine.GetStats().RulesTriggered)
	events, err := engine.db.RecentEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events, "whitelisted events are not persisted")
}

func TestEngineQueueOverflowDrops(t *testing.T) {
	db := testDB(t)
	engine, err := NewEngine(EngineOptions{
		DB:        db,
		Logger:    zap.NewNop(),
		Alerts:    NewAlertManager(db, zap.NewNop(), 60),
		Workers:   1,
		QueueSize: 2,
	})
	require.NoError(t, err)
	// engine intentionally not started: the queue cannot drain

	for i := 0; i < 5; i++ {
		engine.Enqueue(newEvent(types.EventExecve, "ls", "/usr/bin/ls"))
	}
	assert.Equal(t, uint64(3), engine.GetStats().EventsDropped)

	engine.Start()
	engine.Stop()
}

func TestEngineStopWaitsForQueuedEvents(t *testing.T) {
	db := testDB(t)
	engine, err := NewEngine(EngineOptions{
		DB:        db,
		Logger:    zap.NewNop(),
		Alerts:    NewAlertManager(db, zap.NewNop(), 60),
		Workers:   2,
		QueueSize: 100,
	})
	require.NoError(t, err)
	engine.Start()

	const n = 20
	for i := 0; i < n; i++ {
		engine.Enqueue(newEvent(types.EventExecve, "ls", "/usr/bin/ls"))
	}
	engine.Stop()

	// Everything enqueued before Stop must be fully processed by the
	// time it returns, not merely submitted to the pool.
	assert.Equal(t, uint64(n), engine.GetStats().EventsProcessed)
	events, err := db.RecentEvents(n + 1)
	require.NoError(t, err)
	assert.Len(t, events, n)
}

func TestEngineBaselineRecording(t *testing.T) {
	baseline, err := NewBaselineManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	engine := newTestEngine(t, EngineOptions{
		Workers:   1,
		QueueSize: 10,
		Baseline:  baseline,
	})

	engine.Enqueue(newEvent(types.EventExecve, "ls", "/usr/bin/ls"))
	engine.Enqueue(newEvent(types.EventExecve, "ls", "/usr/bin/ls"))

	require.Eventually(t, func() bool {
		return engine.GetStats().EventsProcessed == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return baseline.Counts(1000)["execve"] == 2
	}, 2*time.Second, 10*time.Millisecond)
}
