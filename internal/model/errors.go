package model

import "errors"

var (
	// ErrNotFound is returned for unknown agent, MRD, queue or task ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a lifecycle transition is not allowed.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAgentUnavailable is returned when an agent cannot take a reservation.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrStale marks a queued entry whose backing task or media is gone.
	ErrStale = errors.New("stale queue entry")
	// ErrInvalidRequest is returned for malformed requests from the upward surface.
	ErrInvalidRequest = errors.New("invalid request")
)
