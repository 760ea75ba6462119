package jobtrack

import "errors"

var (
	// ErrJobNotFound is returned when a job ID is unknown to the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrStoreUnavailable is returned when a job store write fails.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrDispatchFailed is returned when the task broker rejects a
	// submission. The pending job record is left in place.
	ErrDispatchFailed = errors.New("task dispatch failed")

	// ErrReceiveTimeout is returned by a Conn when no client message
	// arrived within the read timeout.
	ErrReceiveTimeout = errors.New("receive timed out")
)
