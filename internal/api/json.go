package api

import (
	"encoding/json"
	"net/http"
)

// Problem is the RFC 7807 body every error response carries. The type slugs
// name the engine's error classes so clients can branch on them instead of
// parsing titles.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

const (
	ProblemValidation = "urn:webhookd:problem:validation"
	ProblemNotFound   = "urn:webhookd:problem:not-found"
	ProblemConflict   = "urn:webhookd:problem:conflict"
	ProblemInternal   = "urn:webhookd:problem:internal"
)

func problemType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ProblemValidation
	case http.StatusNotFound:
		return ProblemNotFound
	case http.StatusConflict:
		return ProblemConflict
	default:
		return ProblemInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}
