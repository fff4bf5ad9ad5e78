package duplicati

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MacJediWizard/duplimon/internal/models"
)

// ErrInvalidAddress is returned by Connect when the hostname or port cannot
// form an agent URL.
var ErrInvalidAddress = errors.New("invalid agent address")

// AttemptError is the failure of a single transport attempt.
type AttemptError struct {
	Protocol models.ServerProtocol
	URL      string
	Err      error
}

func (e AttemptError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Protocol, e.URL, e.Err)
}

// TransportError is returned when no transport could reach the agent.
type TransportError struct {
	Attempts []AttemptError
}

func (e *TransportError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return "unable to reach agent: " + strings.Join(parts, "; ")
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *TransportError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// AuthError is returned when the agent rejects the credentials.
type AuthError struct {
	BaseURL string
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication rejected by %s: %s", e.BaseURL, e.Message)
	}
	return fmt.Sprintf("authentication rejected by %s (status %d)", e.BaseURL, e.Status)
}

// CapabilityError is returned when the agent's system information lacks a
// field required to identify it.
type CapabilityError struct {
	Missing   []string
	Available []string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("system info missing required field(s) %s; available options: %s",
		strings.Join(e.Missing, ", "), strings.Join(e.Available, ", "))
}

// ParseError is returned when a log entry's embedded payload cannot be decoded
// into a known schema.
type ParseError struct {
	EntryID int64
	Missing []string
	Err     error
}

func (e *ParseError) Error() string {
	switch {
	case len(e.Missing) > 0:
		return fmt.Sprintf("log entry %d: payload missing required field(s): %s", e.EntryID, strings.Join(e.Missing, ", "))
	case e.Err != nil:
		return fmt.Sprintf("log entry %d: %v", e.EntryID, e.Err)
	default:
		return fmt.Sprintf("log entry %d: unrecognized payload", e.EntryID)
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

// StatusError is returned for unexpected HTTP status codes on authenticated calls.
type StatusError struct {
	Path       string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", e.Path, e.Status)
}
