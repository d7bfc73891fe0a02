package detection

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/privmon/privmon/capture"
	"github.com/privmon/privmon/database"
)

// EngineOptions configures a detection engine.
type EngineOptions struct {
	DB       *database.DB
	Logger   *zap.Logger
	Alerts   *AlertManager
	Anomaly  *AnomalyDetector
	Baseline *BaselineManager

	Workers   int
	QueueSize int

	AnomalyEnabled     bool
	WhitelistProcesses []string
	WhitelistUsers     []string
}

// Engine drains captured events through a bounded queue into a worker
// pool that persists them and runs the rule set. The queue drops on
// overflow so the capture path is never back-pressured.
type Engine struct {
	db       *database.DB
	logger   *zap.Logger
	rules    *RuleEngine
	alerts   *AlertManager
	anomaly  *AnomalyDetector
	baseline *BaselineManager

	queue chan *capture.Event
	pool  *ants.Pool

	anomalyEnabled bool
	wlProcs        map[string]bool
	wlUsers        map[string]bool

	eventsProcessed atomic.Uint64
	eventsDropped   atomic.Uint64
	rulesTriggered  atomic.Uint64

	startTime time.Time
	stopOnce  sync.Once
	done      chan struct{}
	drained   chan struct{}
}

// NewEngine creates a detection engine. Start must be called before
// events are enqueued.
func NewEngine(opts EngineOptions) (*Engine, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	e := &Engine{
		db:             opts.DB,
		logger:         opts.Logger,
		rules:          NewRuleEngine(),
		alerts:         opts.Alerts,
		anomaly:        opts.Anomaly,
		baseline:       opts.Baseline,
		queue:          make(chan *capture.Event, queueSize),
		pool:           pool,
		anomalyEnabled: opts.AnomalyEnabled,
		wlProcs:        make(map[string]bool),
		wlUsers:        make(map[string]bool),
		done:           make(chan struct{}),
		drained:        make(chan struct{}),
	}
	for _, p := range opts.WhitelistProcesses {
		e.wlProcs[p] = true
	}
	for _, u := range opts.WhitelistUsers {
		e.wlUsers[u] = true
	}
	return e, nil
}

// Start launches the dispatcher. It returns immediately.
func (e *Engine) Start() {
	e.startTime = time.Now()
	go e.dispatch()
	e.logger.Info("Detection engine started")
}

// Stop drains the queue, waits for in-flight work and releases the
// worker pool.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		<-e.drained
		if err := e.pool.ReleaseTimeout(5 * time.Second); err != nil {
			e.logger.Warn("Worker pool did not drain in time", zap.Error(err))
		}
		e.logger.Info("Detection engine stopped")
	})
}

// Enqueue hands one event to the engine. It never blocks: when the
// queue is full the event is dropped and counted.
func (e *Engine) Enqueue(event *capture.Event) {
	select {
	case e.queue <- event:
	default:
		e.eventsDropped.Add(1)
	}
}

func (e *Engine) dispatch() {
	defer close(e.drained)
	for {
		select {
		case event := <-e.queue:
			e.submit(event)
		case <-e.done:
			// Drain whatever is queued, then stop.
			for {
				select {
				case event := <-e.queue:
					e.submit(event)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) submit(event *capture.Event) {
	if err := e.pool.Submit(func() { e.process(event) }); err != nil {
		e.eventsDropped.Add(1)
	}
}

func (e *Engine) process(event *capture.Event) {
	e.eventsProcessed.Add(1)

	if e.wlProcs[event.CommString()] || e.wlUsers[strconv.FormatUint(uint64(event.UID), 10)] {
		return
	}

	if _, err := e.db.InsertEvent(event); err != nil {
		e.logger.Error("Failed to insert event", zap.Error(err))
	}

	for _, alert := range e.rules.CheckEvent(event) {
		e.rulesTriggered.Add(1)
		a := alert
		e.alerts.Process(&a)
	}

	if e.anomalyEnabled && e.anomaly != nil {
		e.anomaly.Process(event)
	}
	if e.baseline != nil {
		e.baseline.Record(event.UID, event.SyscallNameString())
	}
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	EventsProcessed   uint64  `json:"events_processed"`
	EventsDropped     uint64  `json:"events_dropped"`
	RulesTriggered    uint64  `json:"rules_triggered"`
	AlertsGenerated   uint64  `json:"alerts_generated"`
	AlertsDropped     uint64  `json:"alerts_dropped"`
	AnomaliesDetected uint64  `json:"anomalies_detected"`
	RuntimeSeconds    int64   `json:"runtime_seconds"`
	EventsPerSecond   float64 `json:"events_per_second"`
	QueueLength       int     `json:"queue_length"`
}

// GetStats returns current engine counters.
func (e *Engine) GetStats() Stats {
	runtime := time.Since(e.startTime).Seconds()
	if runtime < 1 {
		runtime = 1
	}
	generated, dropped := e.alerts.Stats()
	s := Stats{
		EventsProcessed: e.eventsProcessed.Load(),
		EventsDropped:   e.eventsDropped.Load(),
		RulesTriggered:  e.rulesTriggered.Load(),
		AlertsGenerated: generated,
		AlertsDropped:   dropped,
		RuntimeSeconds:  int64(runtime),
		QueueLength:     len(e.queue),
	}
	if e.anomaly != nil {
		s.AnomaliesDetected = e.anomaly.Detected()
	}
	s.EventsPerSecond = float64(s.EventsProcessed) / runtime
	return s
}
