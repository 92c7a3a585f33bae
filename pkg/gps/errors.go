package gps

import "errors"

var (
	// ErrBackendUnavailable means a source's preconditions are not met
	ErrBackendUnavailable = errors.New("positioning backend unavailable")

	// ErrTimeout means no acceptable fix arrived before a deadline
	ErrTimeout = errors.New("timed out waiting for fix")

	// ErrMalformedPayload marks data from a backend that failed validation
	ErrMalformedPayload = errors.New("malformed backend payload")

	// ErrNoFixAcquired means every tier was exhausted without observing a fix
	ErrNoFixAcquired = errors.New("no fix acquired")

	// ErrInvalidConfig is returned for configuration the coordinator cannot run with
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSessionActive is returned when an acquisition is requested while another one runs
	ErrSessionActive = errors.New("acquisition session already active")

	// ErrClosed is returned by a disposed coordinator or source
	ErrClosed = errors.New("closed")
)
