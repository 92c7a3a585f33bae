package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/journal"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Config holds API server configuration
type Config struct {
	Enabled        bool     `json:"enabled"`
	Listen         string   `json:"listen"`
	AuthToken      string   `json:"auth_token"` // Optional; empty allows anonymous access
	AllowedOrigins []string `json:"allowed_origins"`
	CertFile       string   `json:"cert_file"`
	KeyFile        string   `json:"key_file"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled: false, // Disabled by default for security
		Listen:  "127.0.0.1:8081",
	}
}

// LocationService is the coordinator surface the API reads
type LocationService interface {
	State() gps.State
	IsTracking() bool
	CurrentProvider() (gps.Provider, bool)
	CurrentFix() *gps.PositionFix
	LastStatus() *gps.GnssStatus
	History() []gps.PositionFix
	BestAccuracy() (float64, bool)
	AccuracyTrend() (float64, bool)
	LastSwitch() (string, time.Time)
	TTFF() time.Duration
	Subscribe() (<-chan gps.Event, func())
	GetCurrentPosition(ctx context.Context, timeout time.Duration, hints gps.QualityHints) (*gps.PositionFix, error)
}

// SessionJournal exposes recorded acquisition sessions
type SessionJournal interface {
	Session(id string) ([]journal.Entry, error)
	Sessions(limit int) ([]journal.SessionSummary, error)
}

// Server serves location data over HTTP
type Server struct {
	service LocationService
	journal SessionJournal
	config  *Config
	logger  *logx.Logger
	http    *http.Server
}

// NewServer creates the API server; journal may be nil
func NewServer(service LocationService, journal SessionJournal, config *Config, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{service: service, journal: journal, config: config, logger: logger}
}

// Handler returns the routed and authenticated API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/location/current", s.authMiddleware(s.handleCurrent))
	mux.HandleFunc("GET /api/location/history", s.authMiddleware(s.handleHistory))
	mux.HandleFunc("GET /api/location/state", s.authMiddleware(s.handleState))
	mux.HandleFunc("GET /api/location/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("GET /api/location/sessions", s.authMiddleware(s.handleSessions))
	mux.HandleFunc("GET /api/location/sessions/{id}", s.authMiddleware(s.handleSession))

	// Drop-in replacement for the RutOS GPS status endpoint
	mux.HandleFunc("GET /api/gps/position/status", s.authMiddleware(s.handleGPSStatus))

	mux.Handle("GET /metrics", s.authMiddleware(promhttp.Handler().ServeHTTP))
	mux.HandleFunc("GET /api/health", s.handleHealth)

	return mux
}

// Start listens and serves in the background. Listen errors are returned
// directly; later serve errors are logged.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("api_disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api_started", "address", ln.Addr().String(), "tls", s.config.CertFile != "")

	go func() {
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			err = s.http.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			// nosemgrep: go.lang.security.audit.net.use-tls.use-tls
			err = s.http.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api_server_failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("api_stopped")
	return s.http.Shutdown(ctx)
}

// authMiddleware accepts the token as a Bearer header, X-API-Key header or
// auth query parameter
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.URL.Query().Get("auth")
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}
		if token == "" {
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				token = h[7:]
			}
		}

		if token != s.config.AuthToken {
			s.logger.Warn("api_unauthorized", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("api_encode_failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleCurrent returns the latest fix. With refresh=1 it runs a one-shot
// acquisition first, bounded by the optional timeout parameter.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("refresh") == "1" || q.Get("refresh") == "true" {
		timeout := 2 * time.Minute
		if v := q.Get("timeout"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				s.writeError(w, http.StatusBadRequest, "invalid timeout")
				return
			}
			timeout = d
		}
		var hints gps.QualityHints
		if v := q.Get("max_accuracy"); v != "" {
			acc, err := strconv.ParseFloat(v, 64)
			if err != nil || acc <= 0 {
				s.writeError(w, http.StatusBadRequest, "invalid max_accuracy")
				return
			}
			hints.MaxAccuracy = acc
		}

		fix, err := s.service.GetCurrentPosition(r.Context(), timeout, hints)
		switch {
		case errors.Is(err, gps.ErrSessionActive):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, gps.ErrNoFixAcquired):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		case err != nil:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		default:
			s.writeJSON(w, http.StatusOK, fix)
		}
		return
	}

	fix := s.service.CurrentFix()
	if fix == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no location available")
		return
	}
	s.writeJSON(w, http.StatusOK, fix)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.service.History()
	if history == nil {
		history = []gps.PositionFix{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

// StateResponse summarizes the coordinator
type StateResponse struct {
	State            string          `json:"state"`
	Tracking         bool            `json:"tracking"`
	Provider         string          `json:"provider,omitempty"`
	BestAccuracy     *float64        `json:"best_accuracy,omitempty"`
	AccuracyTrend    *float64        `json:"accuracy_trend,omitempty"` // m/s, negative is improving
	LastSwitchReason string          `json:"last_switch_reason,omitempty"`
	LastSwitch       *time.Time      `json:"last_switch,omitempty"`
	TTFFMillis       int64           `json:"ttff_ms,omitempty"`
	Gnss             *gps.GnssStatus `json:"gnss,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := StateResponse{
		State:    s.service.State().String(),
		Tracking: s.service.IsTracking(),
		Gnss:     s.service.LastStatus(),
	}
	if p, ok := s.service.CurrentProvider(); ok {
		resp.Provider = p.String()
	}
	if v, ok := s.service.BestAccuracy(); ok {
		resp.BestAccuracy = &v
	}
	if v, ok := s.service.AccuracyTrend(); ok {
		resp.AccuracyTrend = &v
	}
	if reason, at := s.service.LastSwitch(); !at.IsZero() {
		resp.LastSwitchReason = reason
		resp.LastSwitch = &at
	}
	resp.TTFFMillis = s.service.TTFF().Milliseconds()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	sessions, err := s.journal.Sessions(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []journal.SessionSummary{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	entries, err := s.journal.Session(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(entries) == 0 {
		s.writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "locationd",
		"state":     s.service.State().Kind.String(),
	})
}
