package detection

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/privmon/privmon/database"
)

// dedupWindow suppresses repeats of the same logical alert.
const dedupWindow = 10 * time.Minute

// dedupCacheLimit triggers a prune pass when exceeded.
const dedupCacheLimit = 500

type dedupKey struct {
	ruleID    string
	uid       uint32
	qualifier string
}

// AlertManager deduplicates, rate-limits, persists and dispatches
// alerts. Suppressed alerts are counted, never logged individually.
type AlertManager struct {
	db      *database.DB
	logger  *zap.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	dedup     map[dedupKey]time.Time
	callbacks []func(*database.AlertRecord)

	generated uint64
	dropped   uint64

	now func() time.Time
}

// NewAlertManager creates an alert manager allowing at most
// maxPerMinute alerts through to persistence.
func NewAlertManager(db *database.DB, logger *zap.Logger, maxPerMinute int) *AlertManager {
	if maxPerMinute <= 0 {
		maxPerMinute = 30
	}
	return &AlertManager{
		db:      db,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxPerMinute)), maxPerMinute),
		dedup:   make(map[dedupKey]time.Time),
		now:     time.Now,
	}
}

// AddCallback registers a function invoked for every emitted alert.
func (m *AlertManager) AddCallback(fn func(*database.AlertRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// keyFor picks the dedup identity per rule: some rules repeat per
// uid, others per uid+process or uid+file.
func keyFor(a *Alert) dedupKey {
	e := a.Event
	switch a.RuleID {
	case "RULE-01", "RULE-08":
		return dedupKey{a.RuleID, e.UID, ""}
	case "RULE-05":
		return dedupKey{a.RuleID, e.UID, e.CommString()}
	default:
		return dedupKey{a.RuleID, e.UID, e.FilenameString()}
	}
}

// Process runs an alert through dedup and rate limiting and, when it
// survives, persists and dispatches it. Returns true when emitted.
func (m *AlertManager) Process(a *Alert) bool {
	now := m.now()
	key := keyFor(a)

	m.mu.Lock()
	if last, ok := m.dedup[key]; ok && now.Sub(last) < dedupWindow {
		m.dropped++
		m.mu.Unlock()
		return false
	}
	m.dedup[key] = now
	if len(m.dedup) > dedupCacheLimit {
		cutoff := now.Add(-dedupWindow)
		for k, v := range m.dedup {
			if v.Before(cutoff) {
				delete(m.dedup, k)
			}
		}
	}
	callbacks := append([]func(*database.AlertRecord){}, m.callbacks...)
	m.mu.Unlock()

	if !m.limiter.Allow() {
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		return false
	}

	e := a.Event
	record := &database.AlertRecord{
		AlertID:     uuid.New().String(),
		RuleID:      a.RuleID,
		RuleName:    a.RuleName,
		Severity:    a.Severity,
		Confidence:  a.Confidence,
		Description: a.Description,
		PID:         e.PID,
		PPID:        e.PPID,
		UID:         e.UID,
		NewUID:      e.NewUID,
		Comm:        e.CommString(),
		ParentComm:  e.ParentCommString(),
		Syscall:     e.SyscallNameString(),
		Filename:    e.FilenameString(),
		Timestamp:   e.Timestamp,
		CreatedAt:   now.UTC().Format(time.RFC3339Nano),
	}

	if err := m.db.SaveAlert(record); err != nil {
		m.logger.Error("Failed to save alert", zap.Error(err))
	}

	m.mu.Lock()
	m.generated++
	m.mu.Unlock()

	m.logger.Warn("Alert",
		zap.String("rule_id", a.RuleID),
		zap.String("severity", a.Severity),
		zap.String("description", a.Description),
	)

	for _, cb := range callbacks {
		cb(record)
	}
	return true
}

// Stats returns how many alerts were emitted and suppressed.
func (m *AlertManager) Stats() (generated, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generated, m.dropped
}
