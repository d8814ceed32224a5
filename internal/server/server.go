// Package server exposes the execution façade over HTTP: run, approve,
// reject, classify and preview behind JWT bearer auth. The handlers never
// bypass the façade, so every approval guarantee the engine makes holds
// here too.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kevinpez/mikrotik-ops/internal/config"
	"github.com/kevinpez/mikrotik-ops/internal/engine"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
)

// Server hosts the HTTP API.
type Server struct {
	engine *engine.Engine
	cfg    *config.Config
	auth   *authService
	logger *slog.Logger
	http   *http.Server
}

// New builds the server and its router.
func New(eng *engine.Engine, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		cfg:    cfg,
		auth: newAuthService(
			cfg.Auth.Username,
			cfg.Auth.Password,
			cfg.Auth.JWTSecret,
			cfg.Auth.GetJWTExpiry(),
		),
		logger: logger.With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.logger))

	r.Get("/health", s.handleHealth)
	r.Post("/api/v1/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(s.auth))
		r.Post("/api/v1/run", s.handleRun)
		r.Post("/api/v1/runs/{id}/approve", s.handleApprove)
		r.Post("/api/v1/runs/{id}/reject", s.handleReject)
		r.Post("/api/v1/classify", s.handleClassify)
		r.Post("/api/v1/preview", s.handlePreview)
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"pending_runs": s.engine.PendingCount(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type runRequest struct {
	Target  string `json:"target"`
	Command string `json:"command"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	target, ok := s.target(req.Target)
	if !ok {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_TARGET", "no such target profile: "+req.Target)
		return
	}

	outcome, err := s.engine.Run(r.Context(), target, req.Command)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "EXECUTION_FAILED", err.Error())
		return
	}
	status := http.StatusOK
	if outcome.Status == engine.StatusPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	outcome, err := s.engine.Approve(r.Context(), runID)
	if err != nil {
		if errors.Is(err, engine.ErrApprovalMismatch) {
			writeError(w, r, http.StatusNotFound, "APPROVAL_MISMATCH", err.Error())
			return
		}
		writeError(w, r, http.StatusBadGateway, "EXECUTION_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	outcome, err := s.engine.Reject(runID)
	if err != nil {
		if errors.Is(err, engine.ErrApprovalMismatch) {
			writeError(w, r, http.StatusNotFound, "APPROVAL_MISMATCH", err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type classifyRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Classify(req.Command))
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	preview, err := s.engine.Preview(req.Command)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_COMMAND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"preview": preview})
}

func (s *Server) target(name string) (*profile.TargetProfile, bool) {
	if name == "" && len(s.cfg.Targets) == 1 {
		return &s.cfg.Targets[0], true
	}
	return s.cfg.Target(name)
}

func (s *Server) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_RUN_ID", "run id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
