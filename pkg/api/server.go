package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/audit"
	"github.com/markus-lassfolk/locator/pkg/ecosystem"
	"github.com/markus-lassfolk/locator/pkg/logx"
	"github.com/markus-lassfolk/locator/pkg/privacy"
	"github.com/markus-lassfolk/locator/pkg/strategy"
)

// Headers identifying the caller to the access control
const (
	HeaderAPIKey          = "X-API-Key"
	HeaderAccessorID      = "X-Accessor-ID"
	HeaderAccessorType    = "X-Accessor-Type"
	HeaderAccessorPurpose = "X-Accessor-Purpose"
)

// Config holds API server configuration
type Config struct {
	Listen string `json:"listen"`
	// APIKey is optional; when set every route except /api/health requires it
	APIKey         string        `json:"-"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// Server exposes the location manager over HTTP
type Server struct {
	manager   *ecosystem.Manager
	config    Config
	logger    *logx.Logger
	router    *mux.Router
	srv       *http.Server
	startTime time.Time
}

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error struct {
		Type      pkg.ErrorType `json:"type"`
		Message   string        `json:"message"`
		Retryable bool          `json:"retryable"`
	} `json:"error"`
}

// NewServer creates the server and its routes
func NewServer(manager *ecosystem.Manager, cfg Config, logger *logx.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		manager:   manager,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware, s.authMiddleware)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.manager.Metrics().Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/location/current", s.handleCurrent).Methods(http.MethodGet)
	api.HandleFunc("/location/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/location/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/location/encrypted", s.handleEncrypted).Methods(http.MethodGet)
	api.HandleFunc("/location/decrypt", s.handleDecrypt).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/metrics/performance", s.handlePerformance).Methods(http.MethodGet)
	api.HandleFunc("/errors", s.handleErrors).Methods(http.MethodGet)
	api.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	api.HandleFunc("/audit/patterns", s.handleAuditPatterns).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleUpdateConfig).Methods(http.MethodPut)
	api.HandleFunc("/config/reset", s.handleResetConfig).Methods(http.MethodPost)
	api.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	return r
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting locator API server", "address", ln.Addr().String(), "auth", s.config.APIKey != "")

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("locator API server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("API request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

// authMiddleware requires the API key when one is configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" || r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(HeaderAPIKey)
		if key == "" {
			key = r.URL.Query().Get("auth")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) != 1 {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessor identifies the caller. Callers that presented the API key are trusted.
func (s *Server) accessor(r *http.Request) *privacy.Accessor {
	a := &privacy.Accessor{
		ID:      r.Header.Get(HeaderAccessorID),
		Type:    privacy.AccessorType(r.Header.Get(HeaderAccessorType)),
		Purpose: r.Header.Get(HeaderAccessorPurpose),
		Trusted: s.config.APIKey != "",
	}
	if a.ID != "" && a.Type == "" {
		a.Type = privacy.AccessorApp
	}
	return a
}

func (s *Server) options(r *http.Request) (ecosystem.Options, error) {
	opts := ecosystem.Options{Accessor: s.accessor(r)}
	if name := r.URL.Query().Get("strategy"); name != "" {
		n := strategy.Name(name)
		if _, ok := strategy.Profiles[n]; !ok && n != strategy.Smart {
			return opts, pkg.NewError(pkg.ErrUnknown, fmt.Sprintf("unknown strategy %q", name), nil)
		}
		opts.Strategy = n
	}
	return opts, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	opts, err := s.options(r)
	if err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	pos, err := s.manager.GetCurrentLocation(ctx, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f ecosystem.HistoryFilter
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		s.writeBadRequest(w, "since: "+err.Error())
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		s.writeBadRequest(w, "until: "+err.Error())
		return
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		s.writeBadRequest(w, "limit: "+err.Error())
		return
	}
	f.Mask, _ = strconv.ParseBool(q.Get("mask"))

	s.writeJSON(w, http.StatusOK, s.manager.GetLocationHistory(f))
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		s.writeBadRequest(w, "lat and lng are required numbers")
		return
	}
	radius := 1000.0
	if v := q.Get("radius"); v != "" {
		var err error
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			s.writeBadRequest(w, "radius must be a number")
			return
		}
	}

	found, err := s.manager.SearchNearby(lat, lng, radius)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleEncrypted(w http.ResponseWriter, r *http.Request) {
	opts, err := s.options(r)
	if err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	enc, err := s.manager.EncryptCurrentLocation(ctx, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, enc)
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var enc privacy.EncryptedPosition
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&enc); err != nil {
		s.writeBadRequest(w, "invalid encrypted position: "+err.Error())
		return
	}
	pos, err := s.manager.Decrypt(&enc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.GetStatus())
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.GetPerformanceMetrics())
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.GetErrorReport())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Type:     audit.AccessType(q.Get("type")),
		Result:   audit.Result(q.Get("result")),
		Accessor: q.Get("accessor"),
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		s.writeBadRequest(w, "since: "+err.Error())
		return
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		s.writeBadRequest(w, "limit: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.manager.GetAuditLogs(f))
}

func (s *Server) handleAuditPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := s.manager.GetAuditPatterns()
	if patterns == nil {
		patterns = []audit.Pattern{}
	}
	s.writeJSON(w, http.StatusOK, patterns)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Config())
}

// handleUpdateConfig merges the request body over the current configuration
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.manager.Config()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cfg); err != nil {
		s.writeBadRequest(w, "invalid configuration: "+err.Error())
		return
	}
	if err := s.manager.UpdateConfig(cfg); err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	s.logger.Info("Configuration updated via API", "remote_addr", r.RemoteAddr)
	s.writeJSON(w, http.StatusOK, s.manager.Config())
}

func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ResetConfig(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.manager.Config())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.manager.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode API response", "error", err)
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeError(w, pkg.NewError(pkg.ErrInvalidPosition, msg, nil))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	le := pkg.Classify(err)
	var body ErrorBody
	body.Error.Type = le.Type
	body.Error.Message = le.Message
	body.Error.Retryable = le.Retryable
	if le.Cause != nil {
		body.Error.Message = le.Error()
	}
	s.writeJSON(w, StatusFor(le.Type), body)
}

// StatusFor maps an error type to an HTTP status code
func StatusFor(t pkg.ErrorType) int {
	switch t {
	case pkg.ErrPermission, pkg.ErrAccessDenied:
		return http.StatusForbidden
	case pkg.ErrServiceDisabled:
		return http.StatusServiceUnavailable
	case pkg.ErrTimeout:
		return http.StatusGatewayTimeout
	case pkg.ErrNetwork:
		return http.StatusBadGateway
	case pkg.ErrIntegrity:
		return http.StatusUnprocessableEntity
	case pkg.ErrInvalidPosition:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// parseTime accepts RFC 3339 or Unix milliseconds
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a non-negative integer", v)
	}
	return n, nil
}
