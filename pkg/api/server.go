// Package api exposes the workflow operations over HTTP. Handlers are thin:
// decode, authenticate, delegate, map errors.
package api

import (
	"log/slog"
	"net/http"

	"github.com/accredo/evidence-backend/pkg/audit"
	"github.com/accredo/evidence-backend/pkg/auth"
	"github.com/accredo/evidence-backend/pkg/credentials"
	"github.com/accredo/evidence-backend/pkg/ratelimit"
	"github.com/accredo/evidence-backend/pkg/workflow"
)

// Server holds the wired application services behind the HTTP surface.
type Server struct {
	svc        *workflow.Service
	proc       *workflow.Processor
	queries    *workflow.QueryService
	creds      *credentials.Store
	trail      *audit.StoreLogger
	limiter    ratelimit.Limiter
	validator  *auth.Validator
	adminRoles []string
	logger     *slog.Logger
}

// NewServer wires the HTTP surface. trail and limiter may be nil.
func NewServer(
	svc *workflow.Service,
	proc *workflow.Processor,
	queries *workflow.QueryService,
	creds *credentials.Store,
	trail *audit.StoreLogger,
	limiter ratelimit.Limiter,
	validator *auth.Validator,
	adminRoles []string,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(adminRoles) == 0 {
		adminRoles = []string{"admin"}
	}
	return &Server{
		svc:        svc,
		proc:       proc,
		queries:    queries,
		creds:      creds,
		trail:      trail,
		limiter:    limiter,
		validator:  validator,
		adminRoles: adminRoles,
		logger:     logger,
	}
}

// Handler builds the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/evidences", s.handleList)
	mux.HandleFunc("POST /api/v1/evidences/{id}/signing/initiate", s.handleInitiate)
	mux.HandleFunc("POST /api/v1/evidences/{id}/signing/positions", s.handleInsertPositions)
	mux.HandleFunc("POST /api/v1/evidences/{id}/signing/decision", s.handleDecide)
	mux.HandleFunc("POST /api/v1/evidences/{id}/signing/update", s.handleUpdateSigners)
	mux.HandleFunc("POST /api/v1/evidences/{id}/signing/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/evidences/{id}/audit", s.handleAuditTrail)

	mux.HandleFunc("GET /api/v1/credentials", s.handleListCredentials)
	mux.HandleFunc("POST /api/v1/credentials", s.handleCreateCredential)
	mux.HandleFunc("DELETE /api/v1/credentials/{id}", s.handleRevokeCredential)

	var h http.Handler = mux
	h = auth.Middleware(s.validator)(h)
	h = RequestLogger(s.logger)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
