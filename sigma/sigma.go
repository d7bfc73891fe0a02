// Package sigma evaluates Sigma rules against captured syscall events.
// Rules live under <rulesDir>/enabled_rules and are hot-reloaded on
// file changes; matching runs off the events table using a persisted
// cursor, so restarts never re-alert on old rows.
package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/privmon/privmon/database"
	"github.com/privmon/privmon/types"
)

const eventType = "syscall"

// Detector manages Sigma rules and detection
type Detector struct {
	RulesDir string

	db         *database.DB
	logger     *zap.Logger
	watcher    *fsnotify.Watcher
	reloadChan chan bool

	mu         sync.Mutex
	evaluators map[string]*evaluator.RuleEvaluator
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Rule         sigma.Rule
	MatchDetails []string
}

// detectorConfig maps the Sigma field names our rules use onto the
// keys of the event maps built from the events table.
func detectorConfig() sigma.Config {
	return sigma.Config{
		Title: "Privmon Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":       {TargetNames: []string{"Image"}},
			"ProcessName": {TargetNames: []string{"ProcessName"}},
			"ParentImage": {TargetNames: []string{"ParentImage"}},
			"User":        {TargetNames: []string{"User"}},
			"ProcessId":   {TargetNames: []string{"ProcessId"}},
			"SyscallName": {TargetNames: []string{"SyscallName"}},
			"TargetFilename": {
				TargetNames: []string{"TargetFilename"},
			},
		},
	}
}

// NewDetector creates a Sigma detector over the given rules directory.
func NewDetector(rulesDir string, db *database.DB, logger *zap.Logger) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	d := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		logger:     logger,
		watcher:    watcher,
		reloadChan: make(chan bool, 1),
		evaluators: make(map[string]*evaluator.RuleEvaluator),
	}

	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	disabledDir := filepath.Join(rulesDir, "disabled_rules")
	for _, dir := range []string{enabledDir, disabledDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := watcher.Add(enabledDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", enabledDir, err)
	}

	if err := d.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	return d, nil
}

// LoadRules loads all Sigma rules from the enabled_rules directory,
// replacing any previously loaded set.
func (d *Detector) LoadRules() error {
	enabledDir := filepath.Join(d.RulesDir, "enabled_rules")
	entries, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	count := 0
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		path := filepath.Join(enabledDir, entry.Name())
		rule, ev, err := loadRuleFile(path)
		if err != nil {
			d.logger.Warn("Failed to load rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		evaluators[rule.ID] = ev
		d.logger.Info("Loaded rule", zap.String("title", rule.Title), zap.String("id", rule.ID))
		count++
	}

	d.mu.Lock()
	d.evaluators = evaluators
	d.mu.Unlock()

	d.logger.Info("Loaded Sigma rules", zap.Int("count", count), zap.String("dir", enabledDir))
	return nil
}

func loadRuleFile(path string) (sigma.Rule, *evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, nil, err
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return sigma.Rule{}, nil, fmt.Errorf("file is not a Sigma rule: %s", path)
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	ev := evaluator.ForRule(rule,
		evaluator.WithConfig(detectorConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}))

	return rule, ev, nil
}

// ReloadRules signals the polling loop to reload the rule set.
func (d *Detector) ReloadRules() {
	select {
	case d.reloadChan <- true:
	default:
	}
}

// eventMap converts a stored event row into the flat field map the
// rule evaluators consume.
func eventMap(ev database.StoredEvent) map[string]interface{} {
	m := map[string]interface{}{
		"id":          ev.ID,
		"ProcessId":   int64(ev.PID),
		"ProcessName": ev.Comm,
		"Image":       ev.Comm,
		"ParentImage": ev.ParentComm,
		"User":        strconv.FormatUint(uint64(ev.UID), 10),
		"SyscallName": ev.SyscallName,
		"EventType":   types.EventTypeName(ev.EventType),
	}
	if ev.Filename != "" {
		m["TargetFilename"] = ev.Filename
		if ev.EventType == types.EventExecve {
			m["Image"] = ev.Filename
		}
	}
	return m
}

// CheckEvent evaluates one event map against all loaded rules.
func (d *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	d.mu.Lock()
	evaluators := make([]*evaluator.RuleEvaluator, 0, len(d.evaluators))
	for _, ev := range d.evaluators {
		evaluators = append(evaluators, ev)
	}
	d.mu.Unlock()

	var results []MatchResult
	for _, ev := range evaluators {
		result, err := ev.Matches(ctx, event)
		if err != nil {
			d.logger.Warn("Rule evaluation error", zap.String("rule", ev.Rule.ID), zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var conditions []string
		for k, v := range result.SearchResults {
			if v {
				conditions = append(conditions, k)
			}
		}
		results = append(results, MatchResult{
			Rule:         ev.Rule,
			MatchDetails: []string{fmt.Sprintf("Matched conditions: %s", strings.Join(conditions, ", "))},
		})
	}
	return results
}

// lastProcessedID reads (initializing if needed) the event cursor.
func (d *Detector) lastProcessedID() (int64, error) {
	var lastID int64
	err := d.db.Db.QueryRow(
		`SELECT last_id FROM detector_state WHERE event_type = ? LIMIT 1`,
		eventType).Scan(&lastID)
	if err == sql.ErrNoRows {
		_, err = d.db.Db.Exec(`
            INSERT INTO detector_state (event_type, last_id, last_processed_time, updated_at)
            VALUES (?, 0, datetime('now'), datetime('now'))`, eventType)
		if err != nil {
			return 0, fmt.Errorf("failed to initialize detector state: %w", err)
		}
		return 0, nil
	}
	return lastID, err
}

func (d *Detector) updateState(lastID int64, matchCount int) error {
	_, err := d.db.Db.Exec(`
        UPDATE detector_state SET
            last_id = ?,
            last_processed_time = datetime('now'),
            match_count = match_count + ?,
            updated_at = datetime('now')
        WHERE event_type = ?`, lastID, matchCount, eventType)
	return err
}

// storeMatch persists one rule match.
func (d *Detector) storeMatch(match MatchResult, ev database.StoredEvent) error {
	detailsJSON, _ := json.Marshal(match.MatchDetails)

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	_, err := d.db.Db.Exec(`
        INSERT INTO sigma_matches (
            event_id, rule_id, rule_name, process_id, process_name,
            username, syscall_name, filename, timestamp, severity,
            status, match_details, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), ?, 'new', ?, datetime('now'))`,
		ev.ID, match.Rule.ID, match.Rule.Title, ev.PID, ev.Comm,
		strconv.FormatUint(uint64(ev.UID), 10), ev.SyscallName,
		ev.Filename, severity, string(detailsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}
	return nil
}

// Start runs the rule reloader and the event poller until ctx is
// cancelled.
func (d *Detector) Start(ctx context.Context, interval time.Duration) {
	go d.reloadLoop(ctx)
	go d.watchFileChanges(ctx)
	go d.pollLoop(ctx, interval)
	d.logger.Info("Sigma detector started", zap.Duration("poll_interval", interval))
}

func (d *Detector) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.reloadChan:
			d.logger.Info("Reloading Sigma rules...")
			if err := d.LoadRules(); err != nil {
				d.logger.Error("Error reloading rules", zap.Error(err))
			}
		}
	}
}

func (d *Detector) watchFileChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.logger.Info("Detected rule change", zap.String("file", event.Name))
				d.ReloadRules()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

func (d *Detector) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.pollOnce(ctx); err != nil {
				d.logger.Error("Sigma poll error", zap.Error(err))
			}
		}
	}
}

func (d *Detector) pollOnce(ctx context.Context) error {
	lastID, err := d.lastProcessedID()
	if err != nil {
		return err
	}

	events, err := d.db.EventsAfter(lastID, 500)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	newLastID := lastID
	matchCount := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return nil
		}
		if ev.ID > newLastID {
			newLastID = ev.ID
		}
		for _, match := range d.CheckEvent(ctx, eventMap(ev)) {
			if err := d.storeMatch(match, ev); err != nil {
				d.logger.Error("Error storing match", zap.Error(err))
				continue
			}
			matchCount++
		}
	}

	if newLastID > lastID {
		return d.updateState(newLastID, matchCount)
	}
	return nil
}

// Close releases the file watcher.
func (d *Detector) Close() error {
	return d.watcher.Close()
}
