// Package forwarder ships alerts to a remote collector over HTTP.
// It polls the alerts table from a persisted cursor so every alert is
// delivered at least once across restarts.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/privmon/privmon/database"
)

const maxRetries = 3

// retryBackoff is scaled by the attempt number. Variable so tests can
// shorten it.
var retryBackoff = 2 * time.Second

// Config holds the forwarder settings.
type Config struct {
	URL          string
	APIKey       string
	Hostname     string
	StatePath    string
	PollInterval time.Duration
	BatchSize    int
}

// Forwarder polls the alert table and posts new alerts to the
// configured collector.
type Forwarder struct {
	cfg    Config
	db     *database.DB
	client *http.Client
	logger *zap.Logger

	lastSyncedID int64
}

type syncState struct {
	LastSyncedID int64  `json:"last_synced_id"`
	UpdatedAt    string `json:"updated_at"`
}

type batchPayload struct {
	Hostname string                 `json:"hostname"`
	SentAt   time.Time              `json:"sent_at"`
	Alerts   []database.AlertRecord `json:"alerts"`
}

// New creates a forwarder and loads the sync cursor from StatePath.
func New(cfg Config, db *database.DB, logger *zap.Logger) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("forwarder URL is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}

	f := &Forwarder{
		cfg:    cfg,
		db:     db,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	f.loadState()
	return f, nil
}

func (f *Forwarder) loadState() {
	data, err := os.ReadFile(f.cfg.StatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Warn("Failed to read forwarder state", zap.Error(err))
		}
		return
	}
	var st syncState
	if err := json.Unmarshal(data, &st); err != nil {
		f.logger.Warn("Corrupt forwarder state, starting from zero", zap.Error(err))
		return
	}
	f.lastSyncedID = st.LastSyncedID
}

func (f *Forwarder) saveState() {
	st := syncState{
		LastSyncedID: f.lastSyncedID,
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if dir := filepath.Dir(f.cfg.StatePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	if err := os.WriteFile(f.cfg.StatePath, data, 0o644); err != nil {
		f.logger.Warn("Failed to write forwarder state", zap.Error(err))
	}
}

// Run polls until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	f.logger.Info("Alert forwarder started",
		zap.String("url", f.cfg.URL),
		zap.Duration("poll_interval", f.cfg.PollInterval),
		zap.Int64("last_synced_id", f.lastSyncedID))

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.SyncOnce(ctx); err != nil {
				f.logger.Error("Alert sync failed", zap.Error(err))
			}
		}
	}
}

// SyncOnce forwards one batch of pending alerts. It advances the
// cursor only after the collector accepts the batch.
func (f *Forwarder) SyncOnce(ctx context.Context) error {
	alerts, err := f.db.AlertsAfter(f.lastSyncedID, f.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch pending alerts: %w", err)
	}
	if len(alerts) == 0 {
		return nil
	}

	payload := batchPayload{
		Hostname: f.cfg.Hostname,
		SentAt:   time.Now().UTC(),
		Alerts:   alerts,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	if err := f.postWithRetry(ctx, body); err != nil {
		return err
	}

	f.lastSyncedID = alerts[len(alerts)-1].RowID
	f.saveState()
	f.logger.Info("Forwarded alerts",
		zap.Int("count", len(alerts)),
		zap.Int64("last_synced_id", f.lastSyncedID))
	return nil
}

func (f *Forwarder) postWithRetry(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}

		err := f.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err

		// Bad credentials never recover on retry.
		if he, ok := err.(*httpError); ok &&
			(he.status == http.StatusUnauthorized || he.status == http.StatusForbidden) {
			return fmt.Errorf("collector rejected API key: %w", err)
		}
		f.logger.Warn("Alert batch post failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("giving up after %d attempts: %w", maxRetries, lastErr)
}

type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

func (f *Forwarder) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.cfg.URL+"/api/alerts/ingest", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", f.cfg.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{status: resp.StatusCode}
	}
	return nil
}
