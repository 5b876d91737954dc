package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/spend"
	"github.com/cararth/listing-ingestion-service/internal/storage"
)

const maxPageSize = 100

// SpendReporter exposes today's provider spend
type SpendReporter interface {
	Snapshot() spend.Snapshot
	Exhausted(provider string) bool
}

// spendResponse adds cap exhaustion to the spend snapshot
type spendResponse struct {
	spend.Snapshot
	Exhausted map[string]bool `json:"exhausted"`
}

// Server handles HTTP requests
type Server struct {
	config  config.ServerConfig
	storage storage.Storage
	spend   SpendReporter
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, store storage.Storage, tracker SpendReporter, logger *zap.Logger) *Server {
	s := &Server{
		config:  cfg,
		storage: store,
		spend:   tracker,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/published", s.handlePublished)
	mux.HandleFunc("/listings/", s.handleListingByID)
	mux.HandleFunc("/spend", s.handleSpend)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("server: listening", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("server: failed to encode response", zap.Error(err))
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error("server: "+msg, zap.Error(err))
	http.Error(w, msg, http.StatusInternalServerError)
}

// handleHealth reports whether the store is reachable
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.storage.Ping(r.Context()); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleStatus returns the latest batch status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.storage.GetBatchStatus(r.Context())
	if err != nil {
		s.internalError(w, "Failed to retrieve status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handlePublished pages through trusted listings, newest first
func (s *Server) handlePublished(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 10
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = min(l, maxPageSize)
	}
	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	listings, err := s.storage.ListPublished(r.Context(), limit, offset)
	if err != nil {
		s.internalError(w, "Failed to retrieve listings", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"listings": listings,
		"count":    len(listings),
		"limit":    limit,
		"offset":   offset,
	})
}

// handleListingByID returns one listing record with its lifecycle status
func (s *Server) handleListingByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/listings/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Invalid listing ID", http.StatusBadRequest)
		return
	}

	rec, err := s.storage.GetListing(r.Context(), id)
	if eris.Is(err, storage.ErrNotFound) {
		http.Error(w, "Listing not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "Failed to retrieve listing", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleSpend returns today's provider spend against the daily caps
func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot := s.spend.Snapshot()
	exhausted := make(map[string]bool, len(snapshot.Caps))
	for provider := range snapshot.Caps {
		exhausted[provider] = s.spend.Exhausted(provider)
	}
	s.writeJSON(w, http.StatusOK, spendResponse{Snapshot: snapshot, Exhausted: exhausted})
}
