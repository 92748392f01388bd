package api

import (
	"net/http"

	"github.com/accredo/evidence-backend/pkg/api/problem"
	"github.com/accredo/evidence-backend/pkg/workflow"
)

// writeWorkflowError maps the workflow error taxonomy onto stable problem
// responses: fix input (400), stop (403/409), not found (404), retry (502).
func writeWorkflowError(w http.ResponseWriter, err error) {
	switch workflow.KindOf(err) {
	case workflow.KindValidation:
		problem.Write(w, http.StatusBadRequest, "validation", "Validation Failed", err.Error())
	case workflow.KindCredential:
		problem.Write(w, http.StatusBadRequest, "credential", "Credential Error", err.Error())
	case workflow.KindForbidden:
		problem.WriteForbidden(w, err.Error())
	case workflow.KindNotFound:
		problem.WriteNotFound(w, err.Error())
	case workflow.KindStateConflict:
		problem.WriteConflict(w, "state-conflict", err.Error())
	case workflow.KindAlreadyProcessed:
		problem.WriteConflict(w, "already-processed", err.Error())
	case workflow.KindSigningProvider:
		problem.Write(w, http.StatusBadGateway, "signing-provider", "Signing Provider Error", err.Error())
	default:
		problem.WriteInternal(w, err)
	}
}
