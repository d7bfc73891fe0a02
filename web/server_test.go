package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/privmon/privmon/capture"
	"github.com/privmon/privmon/database"
	"github.com/privmon/privmon/types"
)

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewServer(db, ":0", zap.NewNop()), db
}

func seedAlert(t *testing.T, db *database.DB, alertID string) {
	t.Helper()
	require.NoError(t, db.SaveAlert(&database.AlertRecord{
		AlertID:   alertID,
		RuleID:    "RULE-02",
		RuleName:  "Shadow File Tampered",
		Severity:  "critical",
		UID:       1000,
		Comm:      "exploit",
		Filename:  "/etc/shadow",
		Timestamp: 42,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}))
}

func TestEventsEndpoint(t *testing.T) {
	srv, db := newTestServer(t)

	e := &capture.Event{PID: 4242, UID: 1000, EventType: types.EventExecve}
	copy(e.Comm[:], "ls")
	copy(e.SyscallName[:], "execve")
	_, err := db.InsertEvent(e)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.handleEvents(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []database.StoredEvent `json:"events"`
		Count  int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "ls", body.Events[0].Comm)
}

func TestAlertsEndpoint(t *testing.T) {
	srv, db := newTestServer(t)
	seedAlert(t, db, "a-1")

	rec := httptest.NewRecorder()
	srv.handleAlerts(rec, httptest.NewRequest(http.MethodGet, "/api/alerts?severity=critical", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Alerts []database.AlertRecord `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, "a-1", body.Alerts[0].AlertID)
}

func TestAlertByIDAndAcknowledge(t *testing.T) {
	srv, db := newTestServer(t)
	seedAlert(t, db, "a-1")

	rec := httptest.NewRecorder()
	srv.handleAlertOperation(rec, httptest.NewRequest(http.MethodGet, "/api/alerts/a-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.handleAlertOperation(rec, httptest.NewRequest(http.MethodGet, "/api/alerts/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.handleAlertOperation(rec, httptest.NewRequest(http.MethodPost,
		"/api/alerts/a-1/acknowledge", strings.NewReader(`{"user":"analyst"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	stored, err := db.AlertByID("a-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Acked)
	assert.Equal(t, "analyst", stored.AckedBy)
}

func TestStatsEndpoint(t *testing.T) {
	srv, db := newTestServer(t)
	seedAlert(t, db, "a-1")
	seedAlert(t, db, "a-2")

	rec := httptest.NewRecorder()
	srv.handleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var stats database.AlertStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleEvents(rec, httptest.NewRequest(http.MethodPost, "/api/events", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
