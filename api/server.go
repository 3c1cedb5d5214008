// Package api exposes the read/decision HTTP surface: health, recent signals,
// decision history and decision recording. Notification delivery does not go
// through here; this is the query side.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"forward-factor-scanner/cache"
	"forward-factor-scanner/config"
	"forward-factor-scanner/database"
	"forward-factor-scanner/database/signals"
	"forward-factor-scanner/helpers"
)

// Key the scan workers heartbeat on; absent means no worker was ready within
// the last high-tier cadence window
const workerReadyKey = "workers|ready"

// Server is the HTTP API server
type Server struct {
	cfg     *config.Config
	db      *database.Database
	cache   *cache.RedisClient
	signals *signals.Repository
	httpSrv *http.Server
}

// NewServer creates the API server
func NewServer(cfg *config.Config, db *database.Database, cache *cache.RedisClient, sig *signals.Repository) *Server {
	s := &Server{
		cfg:     cfg,
		db:      db,
		cache:   cache,
		signals: sig,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/signals/recent", s.handleRecentSignals)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/decisions", s.handleRecordDecision)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start begins serving; blocks until shutdown
func (s *Server) Start() error {
	log.Printf("🔄 API server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleHealth reports component status: database, cache, and whether any
// scan worker heartbeated within the last cadence window
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"database": "ok",
		"cache":    "ok",
		"workers":  "ok",
	}
	healthy := true

	if err := s.db.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := s.cache.Ping(ctx); err != nil {
		checks["cache"] = err.Error()
		healthy = false
	}
	if !s.cache.Exists(ctx, workerReadyKey) {
		checks["workers"] = "no worker ready within the last cadence window"
		healthy = false
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
		"time":   time.Now().UTC(),
	})
}

// handleRecentSignals returns the newest signals across the user's
// subscriptions, optionally narrowed to one ticker
func (s *Server) handleRecentSignals(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	ticker := r.URL.Query().Get("ticker")
	if ticker != "" {
		normalized, err := helpers.NormalizeTicker(ticker)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ticker = normalized
	}

	results, err := s.signals.RecentSignals(r.Context(), userID, ticker, parseLimit(r, 50))
	if err != nil {
		log.Printf("⚠️  Recent signals query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"signals": results,
		"count":   len(results),
	})
}

// handleHistory returns (signal, decision?) pairs for the user, newest first
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	entries, err := s.signals.History(r.Context(), userID, parseLimit(r, 20))
	if err != nil {
		log.Printf("⚠️  History query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	type historyItem struct {
		Signal   database.Signal              `json:"signal"`
		Decision *database.SignalUserDecision `json:"decision,omitempty"`
	}
	items := make([]historyItem, len(entries))
	for i, e := range entries {
		items[i] = historyItem{Signal: e.Signal, Decision: e.Decision}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": items,
		"count":   len(items),
	})
}

type decisionRequest struct {
	SignalID   uuid.UUID `json:"signal_id"`
	UserID     uuid.UUID `json:"user_id"`
	Decision   string    `json:"decision"`
	EntryPrice *float64  `json:"entry_price,omitempty"`
	ExitPrice  *float64  `json:"exit_price,omitempty"`
	PnL        *float64  `json:"pnl,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

// handleRecordDecision upserts a user's decision on a signal
func (s *Server) handleRecordDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SignalID == uuid.Nil || req.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "signal_id and user_id are required")
		return
	}
	if !database.ValidDecision(req.Decision) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decision must be %q or %q", database.DecisionPlaced, database.DecisionIgnored))
		return
	}

	decision := &database.SignalUserDecision{
		SignalID:   req.SignalID,
		UserID:     req.UserID,
		Decision:   req.Decision,
		DecisionTS: time.Now().UTC(),
		EntryPrice: req.EntryPrice,
		ExitPrice:  req.ExitPrice,
		PnL:        req.PnL,
		Notes:      req.Notes,
	}
	if err := s.signals.RecordDecision(r.Context(), decision); err != nil {
		log.Printf("⚠️  Decision write failed: %v", err)
		writeError(w, http.StatusInternalServerError, "could not record decision")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision": decision,
	})
}

func parseUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("⚠️  Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
