package store

import "errors"

var (
	// ErrNotFound is returned when a citizen, room, attention or directory
	// record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoEligibleAgent is returned by the balancer when an inbox has no
	// assignable agents.
	ErrNoEligibleAgent = errors.New("no eligible agent")

	// ErrUnauthorized is returned when an inbound credential is invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidationFailed marks rejected identity input. It drives a
	// re-prompt, never a failure result.
	ErrValidationFailed = errors.New("validation failed")

	// ErrDownstreamUnavailable wraps bot, connector and export failures.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
)
