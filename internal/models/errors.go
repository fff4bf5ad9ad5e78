package models

import "errors"

var (
	// ErrDuplicateRecord is returned when a run with the same server, job
	// and timestamp is already stored.
	ErrDuplicateRecord = errors.New("backup run record already exists")
	// ErrServerNotFound is returned when no server has the requested ID.
	ErrServerNotFound = errors.New("server not found")
)
