package collector

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned when a collect request names no agent.
var ErrInvalidRequest = errors.New("invalid collect request")

// FailureKind classifies a recovered failure within a collection run.
type FailureKind string

const (
	FailureParse        FailureKind = "parse"
	FailureSchedule     FailureKind = "schedule"
	FailureJob          FailureKind = "job"
	FailureVersions     FailureKind = "versions"
	FailureNotification FailureKind = "notification"
)

// JobFailure is one recovered failure, attributed to a job.
type JobFailure struct {
	JobName string      `json:"job_name"`
	Kind    FailureKind `json:"kind"`
	Detail  string      `json:"detail"`
}

// CredentialUnavailableError is returned when the stored credential of a
// server cannot be used. MasterKeyInvalid is set when the stored password
// could not be decrypted with the configured encryption key, in which case
// every stored secret has to be entered again.
type CredentialUnavailableError struct {
	ServerID         string
	Reason           string
	MasterKeyInvalid bool
}

func (e *CredentialUnavailableError) Error() string {
	return fmt.Sprintf("credential for server %s unavailable: %s", e.ServerID, e.Reason)
}

// IdentityMismatchError is returned when an agent reached through a stored
// server reports a different machine identity.
type IdentityMismatchError struct {
	Expected string
	Actual   string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("agent reports machine-id %s, expected %s", e.Actual, e.Expected)
}
