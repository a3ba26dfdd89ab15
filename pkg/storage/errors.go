package storage

import "errors"

var (
	// ErrNotFound is returned when a referenced user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEdgeVersionConflict is returned by PutEdge when a concurrent writer
	// already advanced the edge past the version the caller read.
	ErrEdgeVersionConflict = errors.New("edge version conflict")

	// ErrInvalidContinuationToken is returned when a pagination token cannot
	// be parsed.
	ErrInvalidContinuationToken = errors.New("invalid continuation token")

	// ErrCancelled is returned when the caller's context ended before the
	// operation committed.
	ErrCancelled = errors.New("request has been cancelled")
)
