package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/privmon/privmon/capture"
)

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// StoredEvent is one syscall event row, decoded for consumers that
// poll the events table (sigma detector, web API).
type StoredEvent struct {
	ID          int64  `json:"id"`
	Timestamp   uint64 `json:"timestamp"`
	PID         uint32 `json:"pid"`
	PPID        uint32 `json:"ppid"`
	UID         uint32 `json:"uid"`
	EUID        uint32 `json:"euid"`
	GID         uint32 `json:"gid"`
	NewUID      uint32 `json:"new_uid"`
	NewGID      uint32 `json:"new_gid"`
	EventType   uint32 `json:"event_type"`
	Comm        string `json:"comm"`
	ParentComm  string `json:"parent_comm"`
	Filename    string `json:"filename"`
	SyscallName string `json:"syscall_name"`
	CreatedAt   string `json:"created_at"`
}

// AlertRecord represents one alert in the database.
type AlertRecord struct {
	RowID       int64   `json:"-"`
	AlertID     string  `json:"alert_id"`
	RuleID      string  `json:"rule_id"`
	RuleName    string  `json:"rule_name"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
	PID         uint32  `json:"pid"`
	PPID        uint32  `json:"ppid"`
	UID         uint32  `json:"uid"`
	NewUID      uint32  `json:"new_uid"`
	Comm        string  `json:"comm"`
	ParentComm  string  `json:"parent_comm"`
	Syscall     string  `json:"syscall"`
	Filename    string  `json:"filename"`
	Timestamp   uint64  `json:"timestamp"`
	CreatedAt   string  `json:"created_at"`
	Acked       bool    `json:"acknowledged"`
	AckedBy     string  `json:"acknowledged_by,omitempty"`
	AckedAt     string  `json:"acknowledged_at,omitempty"`
}

// NewDB opens (creating if needed) the sqlite database at dbPath.
func NewDB(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if err := initEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	if err := initAlertSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize alert schema: %w", err)
	}
	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %w", err)
	}

	return &DB{Db: db}, nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp    INTEGER NOT NULL,   -- monotonic capture time, ns
		pid          INTEGER NOT NULL,
		ppid         INTEGER,
		uid          INTEGER NOT NULL,
		euid         INTEGER,
		gid          INTEGER NOT NULL,
		new_uid      INTEGER,
		new_gid      INTEGER,
		event_type   INTEGER NOT NULL,
		comm         TEXT NOT NULL,
		parent_comm  TEXT,
		filename     TEXT,
		syscall_name TEXT NOT NULL,
		created_at   DATETIME NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_pid ON events(pid);",
		"CREATE INDEX IF NOT EXISTS idx_events_uid ON events(uid);",
		"CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);",
		"CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func initAlertSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id        TEXT NOT NULL UNIQUE,
		rule_id         TEXT NOT NULL,
		rule_name       TEXT NOT NULL,
		severity        TEXT NOT NULL,
		confidence      REAL,
		description     TEXT,
		pid             INTEGER,
		ppid            INTEGER,
		uid             INTEGER,
		new_uid         INTEGER,
		comm            TEXT,
		parent_comm     TEXT,
		syscall         TEXT,
		filename        TEXT,
		timestamp       INTEGER,
		created_at      DATETIME NOT NULL,
		acknowledged    INTEGER DEFAULT 0 NOT NULL,
		acknowledged_by TEXT,
		acknowledged_at DATETIME
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create alerts table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON alerts(rule_id);",
		"CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);",
		"CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS detector_state (
        id INTEGER PRIMARY KEY,
        event_type TEXT NOT NULL,
        last_id INTEGER NOT NULL,
        last_processed_time DATETIME NOT NULL,
        rule_count INTEGER DEFAULT 0,
        match_count INTEGER DEFAULT 0,
        updated_at DATETIME NOT NULL,
        UNIQUE(event_type)
    );

    CREATE TABLE IF NOT EXISTS sigma_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        event_id INTEGER NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        process_id INTEGER,
        process_name TEXT,
        username TEXT,
        syscall_name TEXT,
        filename TEXT,
        timestamp DATETIME NOT NULL,
        severity TEXT NOT NULL,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_event_id ON sigma_matches(event_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_status ON sigma_matches(status);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sigma tables: %w", err)
	}
	return nil
}

// InsertEvent adds a captured syscall event and returns its row id.
func (db *DB) InsertEvent(e *capture.Event) (int64, error) {
	query := `
        INSERT INTO events (
            timestamp, pid, ppid, uid, euid, gid, new_uid, new_gid,
            event_type, comm, parent_comm, filename, syscall_name, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := db.Db.Exec(query,
		e.Timestamp, e.PID, e.PPID, e.UID, e.EUID, e.GID,
		e.NewUID, e.NewGID, e.EventType,
		e.CommString(), e.ParentCommString(), e.FilenameString(),
		e.SyscallNameString(), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.PID, &ev.PPID,
			&ev.UID, &ev.EUID, &ev.GID, &ev.NewUID, &ev.NewGID,
			&ev.EventType, &ev.Comm, &ev.ParentComm, &ev.Filename,
			&ev.SyscallName, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const eventColumns = `id, timestamp, pid, ppid, uid, euid, gid, new_uid, new_gid,
        event_type, comm, parent_comm, filename, syscall_name, created_at`

// EventsAfter returns up to limit events with id greater than lastID,
// oldest first. Used by pollers tracking a cursor.
func (db *DB) EventsAfter(lastID int64, limit int) ([]StoredEvent, error) {
	rows, err := db.Db.Query(`
        SELECT `+eventColumns+` FROM events
        WHERE id > ? ORDER BY id ASC LIMIT ?`, lastID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// RecentEvents returns the newest limit events.
func (db *DB) RecentEvents(limit int) ([]StoredEvent, error) {
	rows, err := db.Db.Query(`
        SELECT `+eventColumns+` FROM events
        ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// SaveAlert persists an alert. Duplicate alert ids are ignored.
func (db *DB) SaveAlert(a *AlertRecord) error {
	query := `
        INSERT OR IGNORE INTO alerts (
            alert_id, rule_id, rule_name, severity, confidence, description,
            pid, ppid, uid, new_uid, comm, parent_comm, syscall, filename,
            timestamp, created_at, acknowledged
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

	_, err := db.Db.Exec(query,
		a.AlertID, a.RuleID, a.RuleName, a.Severity, a.Confidence,
		a.Description, a.PID, a.PPID, a.UID, a.NewUID, a.Comm,
		a.ParentComm, a.Syscall, a.Filename, a.Timestamp, a.CreatedAt)
	return err
}

const alertColumns = `id, alert_id, rule_id, rule_name, severity, confidence,
        description, pid, ppid, uid, new_uid, comm, parent_comm, syscall,
        filename, timestamp, created_at, acknowledged,
        COALESCE(acknowledged_by, ''), COALESCE(acknowledged_at, '')`

func scanAlerts(rows *sql.Rows) ([]AlertRecord, error) {
	defer rows.Close()
	var out []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.RowID, &a.AlertID, &a.RuleID, &a.RuleName,
			&a.Severity, &a.Confidence, &a.Description, &a.PID, &a.PPID,
			&a.UID, &a.NewUID, &a.Comm, &a.ParentComm, &a.Syscall,
			&a.Filename, &a.Timestamp, &a.CreatedAt, &a.Acked,
			&a.AckedBy, &a.AckedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// windowCutoff returns the created_at lower bound for an N-hour
// window. created_at is stored as an RFC3339 string, so the bound
// must be bound in the same encoding or the TEXT comparison is
// meaningless.
func windowCutoff(hours int) string {
	return time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339Nano)
}

// RecentAlerts returns alerts created within the last given hours,
// newest first, optionally filtered by severity.
func (db *DB) RecentAlerts(hours, limit int, severity string) ([]AlertRecord, error) {
	since := windowCutoff(hours)

	var rows *sql.Rows
	var err error
	if severity != "" {
		rows, err = db.Db.Query(`
            SELECT `+alertColumns+` FROM alerts
            WHERE created_at >= ? AND severity = ?
            ORDER BY created_at DESC LIMIT ?`, since, severity, limit)
	} else {
		rows, err = db.Db.Query(`
            SELECT `+alertColumns+` FROM alerts
            WHERE created_at >= ?
            ORDER BY created_at DESC LIMIT ?`, since, limit)
	}
	if err != nil {
		return nil, err
	}
	return scanAlerts(rows)
}

// AlertsAfter returns up to limit alerts with rowid greater than
// lastID, oldest first. Used by the forwarder's sync cursor.
func (db *DB) AlertsAfter(lastID int64, limit int) ([]AlertRecord, error) {
	rows, err := db.Db.Query(`
        SELECT `+alertColumns+` FROM alerts
        WHERE id > ? ORDER BY id ASC LIMIT ?`, lastID, limit)
	if err != nil {
		return nil, err
	}
	return scanAlerts(rows)
}

// AlertByID returns a single alert by its alert id, or nil.
func (db *DB) AlertByID(alertID string) (*AlertRecord, error) {
	rows, err := db.Db.Query(`
        SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID)
	if err != nil {
		return nil, err
	}
	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return &alerts[0], nil
}

// AcknowledgeAlert marks an alert acknowledged by the given user.
func (db *DB) AcknowledgeAlert(alertID, user string) (bool, error) {
	res, err := db.Db.Exec(`
        UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
        WHERE alert_id = ?`, user, time.Now().UTC().Format(time.RFC3339Nano), alertID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AlertStats summarizes alert volume over the last given hours.
type AlertStats struct {
	BySeverity map[string]int `json:"by_severity"`
	TopRules   []RuleCount    `json:"top_rules"`
	Total      int            `json:"total"`
}

// RuleCount is one entry of AlertStats.TopRules.
type RuleCount struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Count    int    `json:"count"`
}

// GetAlertStats aggregates alert counts by severity and rule.
func (db *DB) GetAlertStats(hours int) (*AlertStats, error) {
	since := windowCutoff(hours)

	stats := &AlertStats{BySeverity: make(map[string]int)}

	rows, err := db.Db.Query(`
        SELECT severity, COUNT(*) FROM alerts
        WHERE created_at >= ? GROUP BY severity`, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.BySeverity[sev] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.Db.Query(`
        SELECT rule_id, rule_name, COUNT(*) as count FROM alerts
        WHERE created_at >= ?
        GROUP BY rule_id ORDER BY count DESC LIMIT 10`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rc RuleCount
		if err := rows.Scan(&rc.RuleID, &rc.RuleName, &rc.Count); err != nil {
			return nil, err
		}
		stats.TopRules = append(stats.TopRules, rc)
	}
	return stats, rows.Err()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
