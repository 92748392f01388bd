// Package problem renders RFC 7807 Problem Detail error responses. All
// API error responses use this format so clients can machine-dispatch on
// the problem type.
package problem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// typeBase prefixes every problem type URI.
const typeBase = "https://accredo.dev/errors/"

// Detail implements RFC 7807 (Problem Details for HTTP APIs).
type Detail struct {
	// Type is a URI reference identifying the problem type.
	Type string `json:"type"`
	// Title is a short human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail explains this specific occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance identifies the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (d *Detail) Error() string {
	return fmt.Sprintf("%s: %s", d.Title, d.Detail)
}

// Write renders a problem with an explicit type slug.
func Write(w http.ResponseWriter, status int, slug, title, detail string) {
	p := &Detail{
		Type:   typeBase + slug,
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	Write(w, http.StatusBadRequest, "bad-request", "Bad Request", detail)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	Write(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", detail)
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	Write(w, http.StatusForbidden, "forbidden", "Forbidden", detail)
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	Write(w, http.StatusNotFound, "not-found", "Not Found", detail)
}

// WriteConflict writes a 409 response.
func WriteConflict(w http.ResponseWriter, slug, detail string) {
	Write(w, http.StatusConflict, slug, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	Write(w, http.StatusTooManyRequests, "rate-limited", "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 response. err is logged, never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	Write(w, http.StatusInternalServerError, "internal", "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
