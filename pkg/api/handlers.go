package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/accredo/evidence-backend/pkg/api/problem"
	"github.com/accredo/evidence-backend/pkg/auth"
	"github.com/accredo/evidence-backend/pkg/workflow"
)

const maxBodyBytes = 1 << 20

func (s *Server) actor(r *http.Request) (workflow.Actor, bool) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		return workflow.Actor{}, false
	}
	return workflow.Actor{UserID: p.UserID, Admin: p.IsAdmin(s.adminRoles)}, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		problem.WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type signerPayload struct {
	UserID string `json:"user_id"`
	Order  int    `json:"order"`
	Role   string `json:"role"`
}

func toSigners(in []signerPayload) []workflow.Signer {
	out := make([]workflow.Signer, len(in))
	for i, p := range in {
		role := workflow.SignerRole(p.Role)
		if role == "" {
			role = workflow.RoleApprover
		}
		out[i] = workflow.Signer{UserID: p.UserID, Order: p.Order, Role: role}
	}
	return out
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(r)
	if !ok {
		problem.WriteUnauthorized(w, "")
		return
	}
	var req struct {
		Signers []signerPayload `json:"signers"`
		Reason  string          `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.svc.Initiate(r.Context(), r.PathValue("id"), toSigners(req.Signers), req.Reason, actor)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInsertPositions(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(r)
	if !ok {
		problem.WriteUnauthorized(w, "")
		return
	}
	var req struct {
		Positions map[string][]workflow.SignaturePosition `json:"positions"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.svc.InsertSignatures(r.Context(), r.PathValue("id"), req.Positions, actor)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(r)
	if !ok {
		problem.WriteUnauthorized(w, "")
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), actor.UserID)
		if err != nil {
			s.logger.Warn("rate limiter unavailable, allowing request", "error", err)
		} else if !allowed {
			problem.WriteTooManyRequests(w, 60)
			return
		}
	}

	var req struct {
		Decision      string `json:"decision"`
		CredentialRef string `json:"credential_ref"`
		Secret        string `json:"secret"`
		Reason        string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.proc.Decide(r.Context(), workflow.DecideInput{
		EvidenceID:    r.PathValue("id"),
		Decision:      workflow.Decision(req.Decision),
		CredentialRef: req.CredentialRef,
		Secret:        req.Secret,
		Reason:        req.Reason,
		CallerID:      actor.UserID,
	})
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateSigners(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(r)
	if !ok {
		problem.WriteUnauthorized(w, "")
		return
	}
	var req struct {
		Signers []signerPayload `json:"signers"`
		Reason  string          `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.svc.UpdateSigners(r.Context(), r.PathValue("id"), toSigners(req.Signers), req.Reason, actor)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(r)
	if !ok {
		problem.WriteUnauthorized(w, "")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.svc.Cancel(r.Context(), r.PathValue("id"), req.Reason, actor)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	res, err := s.queries.List(r.Context(),
		workflow.Filter{
			Status:     workflow.EvidenceStatus(q.Get("status")),
			Search:     q.Get("search"),
			StandardID: q.Get("standard_id"),
			CriteriaID: q.Get("criteria_id"),
		},
		workflow.Viewer{UserID: p.UserID, Admin: p.IsAdmin(s.adminRoles)},
		page, pageSize,
	)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(r)
	if !ok {
		problem.WriteUnauthorized(w, "")
		return
	}
	if s.trail == nil {
		problem.WriteNotFound(w, "audit trail storage is not configured")
		return
	}
	if !actor.Admin {
		problem.WriteForbidden(w, "only administrators may read the audit trail")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.trail.ListForEvidence(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		problem.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}
	var req struct {
		Alias         string     `json:"alias"`
		Secret        string     `json:"secret"`
		RequireSecret bool       `json:"require_secret"`
		ExpiresAt     *time.Time `json:"expires_at"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	cred, err := s.creds.Create(r.Context(), p.UserID, req.Alias, req.Secret, req.RequireSecret, req.ExpiresAt)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}
	creds, err := s.creds.ListForUser(r.Context(), p.UserID)
	if err != nil {
		problem.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return
	}
	if err := s.creds.Revoke(r.Context(), p.UserID, r.PathValue("id")); err != nil {
		writeWorkflowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
