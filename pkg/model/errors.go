package model

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrConflict means a record with the same identity already exists
	ErrConflict = goerr.New("record already exists")

	// ErrNotFound means the requested record does not exist
	ErrNotFound = goerr.New("record not found")

	// ErrBusy means another writer holds the identity's thread
	ErrBusy = goerr.New("identity is busy")

	// ErrUpstreamUnavailable means the completion or embedding service
	// failed after retries
	ErrUpstreamUnavailable = goerr.New("upstream service unavailable")

	// ErrInvalidPlan means the plan failed validation
	ErrInvalidPlan = goerr.New("invalid plan")

	// ErrVersionConflict means a conditional update lost to another writer
	ErrVersionConflict = goerr.New("version conflict")

	// ErrPolicyDenied means the ingest policy rejected the fragment
	ErrPolicyDenied = goerr.New("denied by policy")
)

// ErrorKind maps an error chain onto its stable category name, recorded on
// failed runs and returned over external interfaces.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPlan):
		return "invalid_plan"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied"
	default:
		return "internal"
	}
}
