package server

import (
	"encoding/json"
	"net/http"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound     = "https://roostlabs.dev/problems/not-found"
	ProblemTypeBadRequest   = "https://roostlabs.dev/problems/bad-request"
	ProblemTypeInternal     = "https://roostlabs.dev/problems/internal-error"
	ProblemTypeUnauthorized = "https://roostlabs.dev/problems/unauthorized"
	ProblemTypeForbidden    = "https://roostlabs.dev/problems/forbidden"
	ProblemTypeRateLimited  = "https://roostlabs.dev/problems/rate-limited"
	ProblemTypeConflict     = "https://roostlabs.dev/problems/conflict"
	ProblemTypeTimeout      = "https://roostlabs.dev/problems/timeout"
)

// Problem represents an RFC 7807 Problem Details response. Reason carries
// the protocol rejection code (bad_signature, replay, stale_timestamp, ...)
// when the problem maps to a command or beacon verification failure.
type Problem struct {
	Type     string `json:"type" example:"https://roostlabs.dev/problems/bad-request"`
	Title    string `json:"title" example:"Bad Request"`
	Status   int    `json:"status" example:"400"`
	Detail   string `json:"detail,omitempty" example:"unknown device: pi-garage-01"`
	Instance string `json:"instance,omitempty" example:"/api/v1/relay/cmd"`
	Reason   string `json:"reason,omitempty" example:"unknown_device"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// Unauthorized writes a 401 problem response.
func Unauthorized(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeUnauthorized,
		Title:    "Unauthorized",
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	})
}
