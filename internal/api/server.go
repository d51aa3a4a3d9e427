// Package api provides the HTTP API, the WebSocket endpoint, and middleware.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/agentgate-io/agentgate/internal/auth"
	"github.com/agentgate-io/agentgate/internal/config"
	"github.com/agentgate-io/agentgate/internal/recovery"
	"github.com/agentgate-io/agentgate/internal/router"
	"github.com/agentgate-io/agentgate/internal/store"
	"github.com/agentgate-io/agentgate/internal/workflow"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	router        *router.EventRouter
	recovery      *recovery.Manager
	orchestrator  *workflow.Orchestrator
	logger        *slog.Logger
	mux           *chi.Mux

	startTime       time.Time
	maxBodyBytes    int64
	maxConnsPerUser int
	maxMessageBytes int64
	bufferCapacity  int

	loginRL *rateLimiter
	rl      *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, rt *router.EventRouter,
	rm *recovery.Manager, orch *workflow.Orchestrator, cfg *config.Config, logger *slog.Logger) *Server {

	srv := &Server{
		store:           s,
		authProvider:    ap,
		loginProvider:   lp,
		router:          rt,
		recovery:        rm,
		orchestrator:    orch,
		logger:          logger.With("component", "api"),
		startTime:       time.Now(),
		maxBodyBytes:    cfg.Server.MaxBodyBytes,
		maxConnsPerUser: cfg.Connection.MaxPerUser,
		maxMessageBytes: cfg.Connection.MaxMessageBytes,
		bufferCapacity:  cfg.Connection.BufferCapacity,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket route (auth handled inside)
	mux.Get("/ws", srv.handleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)

		r.Get("/api/threads", srv.handleListThreads)
		r.Post("/api/threads", srv.handleCreateThread)

		r.Post("/api/runs", srv.handleCreateRun)
		r.Get("/api/runs", srv.handleListRuns)
		r.Get("/api/runs/{runID}", srv.handleGetRun)

		// User management only available with builtin auth.
		if lp != nil {
			r.Post("/api/users", srv.handleCreateUser)
		}
		r.Get("/api/admin/connections", srv.handleAdminListConnections)
		r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), &store.AuditEvent{
			Action: "login.failed",
			Detail: json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)),
		})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, _ := s.store.GetUser(r.Context(), req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), &store.AuditEvent{Action: "login.success", UserID: userID})

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())
	if identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

// --- Thread handlers ---

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	threads, err := s.store.ListThreadsByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	th := &store.Thread{
		ID:        uuid.New().String(),
		UserID:    identity.UserID,
		Title:     req.Title,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateThread(r.Context(), th); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}
	writeJSON(w, http.StatusCreated, th)
}

// --- Run handlers ---

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		ThreadID string         `json:"thread_id"`
		Message  string         `json:"message"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	// Verify thread ownership when one is given.
	if req.ThreadID != "" {
		th, err := s.store.GetThread(r.Context(), req.ThreadID)
		if err != nil || th == nil {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		if th.UserID != identity.UserID {
			writeError(w, http.StatusForbidden, "not your thread")
			return
		}
	}

	runID := uuid.New().String()

	s.audit(r.Context(), &store.AuditEvent{
		Action: "run.create", UserID: identity.UserID, RunID: runID,
	})

	// The pipeline runs in the background; progress streams over the
	// user's WebSocket connections.
	go func() {
		_, err := s.orchestrator.Run(context.Background(), workflow.Request{
			RunID:    runID,
			ThreadID: req.ThreadID,
			UserID:   identity.UserID,
			Message:  req.Message,
			Metadata: req.Metadata,
		})
		if err != nil {
			s.logger.Warn("run failed", "run_id", runID, "user_id", identity.UserID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "pending",
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	runs, err := s.store.ListRunsByUser(r.Context(), identity.UserID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	identity := getIdentityFromContext(r.Context())

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil || run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Admin handlers ---

func (s *Server) handleAdminListConnections(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	conns := s.router.GetUserConnections(r.URL.Query().Get("user_id"))
	if conns == nil {
		conns = []string{}
	}
	permanent, skips := s.recovery.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"connection_ids":     conns,
		"permanent_failures": permanent,
		"circuit_skips":      skips,
	})
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

// audit writes an audit event, filling in ID and timestamp. Failures are
// logged, never surfaced to the request path.
func (s *Server) audit(ctx context.Context, ev *store.AuditEvent) {
	ev.ID = uuid.New().String()
	ev.CreatedAt = time.Now()
	if err := s.store.LogAuditEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", ev.Action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
