// -------------------------------------------------------------------------------
// Provider Errors - Typed Upstream Failures
//
// Author: Alex Freidah
//
// Every provider failure is returned as *Error carrying one of the kind
// sentinels so callers can branch with errors.Is without inspecting status
// codes. Credential problems are configuration errors, a missing place is a
// not-found error, and everything else (transport, 5xx, undecodable bodies)
// is a network error.
// -------------------------------------------------------------------------------

package places

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kind sentinels.
var (
	ErrConfiguration = errors.New("provider configuration error")
	ErrNetwork       = errors.New("provider network error")
	ErrNotFound      = errors.New("place not found")
)

// Error describes a failed provider call.
type Error struct {
	Kind   error  // one of ErrConfiguration, ErrNetwork, ErrNotFound
	Op     string // provider operation, e.g. "autocomplete"
	Status int    // HTTP status, 0 when no response was received
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// kindForStatus maps a non-2xx HTTP status to an error kind.
func kindForStatus(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrConfiguration
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrNetwork
	}
}

// kindLabel returns the metric label for an error kind.
func kindLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "network"
	}
}
