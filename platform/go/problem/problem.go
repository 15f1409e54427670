// Package problem writes RFC 7807 problem details responses.
package problem

import (
	"encoding/json"
	"net/http"
)

const (
	TypeValidation   = "https://licensing.example/problems/validation-error"
	TypeNotFound     = "https://licensing.example/problems/not-found"
	TypeConflict     = "https://licensing.example/problems/conflict"
	TypeUnauthorized = "https://licensing.example/problems/unauthorized"
	TypeForbidden    = "https://licensing.example/problems/forbidden"
	TypeGone         = "https://licensing.example/problems/gone"
	TypeUnavailable  = "https://licensing.example/problems/unavailable"
	TypeInternal     = "https://licensing.example/problems/internal-error"
)

// ContentType is the media type of problem responses.
const ContentType = "application/problem+json"

// Details is the problem body.
type Details struct {
	Type   string              `json:"type,omitempty"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail string              `json:"detail,omitempty"`
	Errors map[string][]string `json:"errors,omitempty"`
}

// New builds a problem.
func New(status int, title, detail, problemType string) Details {
	return Details{Type: problemType, Title: title, Status: status, Detail: detail}
}

// Write encodes p with its status code.
func Write(w http.ResponseWriter, p Details) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteJSON writes v as a JSON response with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
