// Package web exposes the JSON API for browsing captured events and
// alerts.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/privmon/privmon/database"
)

type Server struct {
	db         *database.DB
	listenAddr string
	logger     *zap.Logger
}

func NewServer(db *database.DB, listenAddr string, logger *zap.Logger) *Server {
	return &Server{
		db:         db,
		listenAddr: listenAddr,
		logger:     logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	logHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", logHandler(s.handleEvents))
	mux.HandleFunc("/api/alerts", logHandler(s.handleAlerts))
	mux.HandleFunc("/api/alerts/", logHandler(s.handleAlertOperation))
	mux.HandleFunc("/api/stats", logHandler(s.handleStats))
	mux.HandleFunc("/healthz", logHandler(s.handleHealth))

	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: mux,
	}

	s.logger.Info("Starting web server", zap.String("addr", s.listenAddr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// handleEvents returns recent events, newest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := intParam(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}

	events, err := s.db.RecentEvents(limit)
	if err != nil {
		s.logger.Error("Failed to fetch events", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleAlerts returns recent alerts, optionally filtered by severity.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	hours := intParam(r, "hours", 24)
	limit := intParam(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	severity := r.URL.Query().Get("severity")

	alerts, err := s.db.RecentAlerts(hours, limit, severity)
	if err != nil {
		s.logger.Error("Failed to fetch alerts", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleAlertOperation serves /api/alerts/{id} and
// /api/alerts/{id}/acknowledge.
func (s *Server) handleAlertOperation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusBadRequest, "alert id required")
		return
	}
	alertID := parts[0]

	if len(parts) == 2 && parts[1] == "acknowledge" {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			User string `json:"user"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User == "" {
			body.User = "unknown"
		}
		ok, err := s.db.AcknowledgeAlert(alertID, body.User)
		if err != nil {
			s.logger.Error("Failed to acknowledge alert", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		return
	}

	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	alert, err := s.db.AlertByID(alertID)
	if err != nil {
		s.logger.Error("Failed to fetch alert", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if alert == nil {
		s.writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

// handleStats returns aggregate alert statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	hours := intParam(r, "hours", 24)
	stats, err := s.db.GetAlertStats(hours)
	if err != nil {
		s.logger.Error("Failed to fetch stats", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
