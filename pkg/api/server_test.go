package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/accredo/evidence-backend/pkg/audit"
	"github.com/accredo/evidence-backend/pkg/auth"
	"github.com/accredo/evidence-backend/pkg/credentials"
	"github.com/accredo/evidence-backend/pkg/files"
	"github.com/accredo/evidence-backend/pkg/identity"
	"github.com/accredo/evidence-backend/pkg/kms"
	"github.com/accredo/evidence-backend/pkg/ratelimit"
	"github.com/accredo/evidence-backend/pkg/signing"
	"github.com/accredo/evidence-backend/pkg/store"
	"github.com/accredo/evidence-backend/pkg/workflow"
)

var testJWTSecret = []byte("api-test-secret")

type testEnv struct {
	handler http.Handler
	store   *store.SQLiteStore
	files   *files.SQLRepository
	creds   *credentials.Store
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	evidences, err := store.NewSQLiteStore(db)
	require.NoError(t, err)
	fileRepo, err := files.NewSQLRepository(db, false)
	require.NoError(t, err)
	users, err := identity.NewSQLResolver(db, false)
	require.NoError(t, err)
	trail, err := audit.NewStoreLogger(db, false)
	require.NoError(t, err)
	keys, err := kms.Open(filepath.Join(t.TempDir(), "keystore.json"))
	require.NoError(t, err)
	creds, err := credentials.NewStore(db, keys, false)
	require.NoError(t, err)

	ctx := context.Background()
	for _, u := range []string{"creator", "assignee", "alice", "bob", "root"} {
		require.NoError(t, users.Add(ctx, u, u, u+"@example.edu"))
	}

	logger := slog.New(slog.DiscardHandler)
	machine := workflow.NewMachine()
	svc := workflow.NewService(evidences, fileRepo, users, trail, machine, logger)
	proc := workflow.NewProcessor(evidences, fileRepo, creds, signing.NewLocalProvider(creds), trail, machine, logger)
	queries := workflow.NewQueryService(evidences, fileRepo, machine)

	validator, err := auth.NewValidator(testJWTSecret)
	require.NoError(t, err)

	srv := NewServer(svc, proc, queries, creds, trail, limiter, validator, []string{"admin"}, logger)
	return &testEnv{handler: srv.Handler(), store: evidences, files: fileRepo, creds: creds}
}

func (e *testEnv) seedEvidence(t *testing.T, id string, fds ...workflow.FileDescriptor) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.Create(ctx, &workflow.Evidence{
		ID:         id,
		Title:      "Program review evidence",
		Status:     workflow.StatusDraft,
		CreatedBy:  "creator",
		AssignedTo: "assignee",
	}))
	for _, fd := range fds {
		_, err := e.files.Attach(ctx, id, fd)
		require.NoError(t, err)
	}
}

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testJWTSecret)
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func signersBody(reason string) map[string]any {
	return map[string]any{
		"signers": []map[string]any{
			{"user_id": "alice", "order": 1, "role": "reviewer"},
			{"user_id": "bob", "order": 2},
		},
		"reason": reason,
	}
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestsRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/v1/evidences", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestSigningLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedEvidence(t, "ev-1", workflow.FileDescriptor{ID: "f-1", Name: "notes.txt", MimeType: "text/plain"})

	creatorTok := token(t, "creator")

	rec := env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", creatorTok, signersBody("annual review"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var initiated workflow.InitiateResult
	decodeInto(t, rec, &initiated)
	assert.Equal(t, workflow.StatusInProgress, initiated.Status)
	assert.Equal(t, workflow.StageSigning, initiated.NextStage)

	// Each signer registers a credential and approves in turn.
	for _, signer := range []string{"alice", "bob"} {
		tok := token(t, signer)
		rec = env.do(t, http.MethodPost, "/api/v1/credentials", tok, map[string]any{"alias": signer + " key"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var cred credentials.Credential
		decodeInto(t, rec, &cred)

		rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/decision", tok, map[string]any{
			"decision":       "approve",
			"credential_ref": cred.ID,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	var decided workflow.DecideResult
	decodeInto(t, rec, &decided)
	assert.Equal(t, workflow.StatusCompleted, decided.Status)
	assert.True(t, decided.Completed)
}

func TestDecideOutOfTurn(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedEvidence(t, "ev-1", workflow.FileDescriptor{ID: "f-1", Name: "notes.txt", MimeType: "text/plain"})

	rec := env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", token(t, "creator"), signersBody(""))
	require.Equal(t, http.StatusOK, rec.Code)

	bobTok := token(t, "bob")
	rec = env.do(t, http.MethodPost, "/api/v1/credentials", bobTok, map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cred credentials.Credential
	decodeInto(t, rec, &cred)

	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/decision", bobTok, map[string]any{
		"decision":       "approve",
		"credential_ref": cred.ID,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestInitiateConflictAndNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedEvidence(t, "ev-1", workflow.FileDescriptor{ID: "f-1", Name: "notes.txt", MimeType: "text/plain"})
	creatorTok := token(t, "creator")

	rec := env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", creatorTok, signersBody(""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", creatorTok, signersBody(""))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-404/signing/initiate", creatorTok, signersBody(""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInsertPositionsFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedEvidence(t, "ev-1", workflow.FileDescriptor{ID: "f-pdf", Name: "report.pdf", MimeType: "application/pdf"})
	creatorTok := token(t, "creator")

	rec := env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", creatorTok, signersBody(""))
	require.Equal(t, http.StatusOK, rec.Code)
	var initiated workflow.InitiateResult
	decodeInto(t, rec, &initiated)
	assert.Equal(t, workflow.StageSignatureInsertion, initiated.NextStage)

	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/positions", creatorTok, map[string]any{
		"positions": map[string]any{
			"f-pdf": []map[string]any{
				{"signer_id": "alice", "page": 1, "x": 40, "y": 700, "width": 160, "height": 60},
				{"signer_id": "bob", "page": 1, "x": 40, "y": 620, "width": 160, "height": 60},
			},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res workflow.StatusResult
	decodeInto(t, rec, &res)
	assert.Equal(t, workflow.StatusSignaturesInserted, res.Status)

	// Unknown file in the placement map is a validation error.
	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/positions", creatorTok, map[string]any{
		"positions": map[string]any{"f-other": []map[string]any{{"signer_id": "alice", "page": 1, "width": 10, "height": 10}}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "already past pending_approval")
}

func TestUpdateAndCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedEvidence(t, "ev-1", workflow.FileDescriptor{ID: "f-pdf", Name: "report.pdf", MimeType: "application/pdf"})
	creatorTok := token(t, "creator")

	rec := env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", creatorTok, signersBody(""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/update", creatorTok, map[string]any{
		"signers": []map[string]any{{"user_id": "bob", "order": 1}},
		"reason":  "smaller committee",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/cancel", creatorTok, map[string]any{"reason": "withdrawn"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res workflow.StatusResult
	decodeInto(t, rec, &res)
	assert.Equal(t, workflow.StatusDraft, res.Status)

	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/cancel", creatorTok, map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListScopesByCaller(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedEvidence(t, "ev-1", workflow.FileDescriptor{ID: "f-1", Name: "notes.txt", MimeType: "text/plain"})
	env.seedEvidence(t, "ev-2")

	rec := env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", token(t, "creator"), signersBody(""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/evidences", token(t, "alice"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page workflow.Page
	decodeInto(t, rec, &page)
	require.Len(t, page.Items, 1, "alice only signs ev-1")
	assert.Equal(t, "ev-1", page.Items[0].ID)
	assert.True(t, page.Items[0].CanUserSign)

	rec = env.do(t, http.MethodGet, "/api/v1/evidences", token(t, "root", "admin"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &page)
	assert.Len(t, page.Items, 2)
}

func TestAuditTrailAdminOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedEvidence(t, "ev-1", workflow.FileDescriptor{ID: "f-1", Name: "notes.txt", MimeType: "text/plain"})

	rec := env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", token(t, "creator"), signersBody(""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/evidences/ev-1/audit", token(t, "creator"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/evidences/ev-1/audit", token(t, "root", "admin"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []audit.Event `json:"events"`
	}
	decodeInto(t, rec, &body)
	require.NotEmpty(t, body.Events)
	assert.Equal(t, workflow.ActionInitiate, body.Events[0].Action)
}

func TestCredentialLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceTok := token(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/v1/credentials", aliceTok, map[string]any{
		"alias": "personal", "secret": "hunter2", "require_secret": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cred credentials.Credential
	decodeInto(t, rec, &cred)
	assert.True(t, cred.RequireSecret)

	rec = env.do(t, http.MethodGet, "/api/v1/credentials", aliceTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Credentials []credentials.Credential `json:"credentials"`
	}
	decodeInto(t, rec, &listing)
	require.Len(t, listing.Credentials, 1)

	rec = env.do(t, http.MethodDelete, "/api/v1/credentials/"+cred.ID, token(t, "bob"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/credentials/"+cred.ID, aliceTok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDecideRateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.NewLocalLimiter(1, 1))
	env.seedEvidence(t, "ev-1", workflow.FileDescriptor{ID: "f-1", Name: "notes.txt", MimeType: "text/plain"})

	rec := env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", token(t, "creator"), signersBody(""))
	require.Equal(t, http.StatusOK, rec.Code)

	aliceTok := token(t, "alice")
	body := map[string]any{"decision": "approve"}

	// First attempt passes the limiter (and fails later on the missing
	// credential); the second is cut off at the gate.
	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/decision", aliceTok, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/evidences/ev-1/signing/decision", aliceTok, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedEvidence(t, "ev-1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evidences/ev-1/signing/initiate", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+token(t, "creator"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
