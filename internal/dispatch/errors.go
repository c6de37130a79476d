package dispatch

import "errors"

// Sentinel errors callers can match with errors.Is.
var (
	// ErrPolicyViolation marks a command the policy denied outright.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrPermissionDenied marks a parked command the operator rejected.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSpawnFailure marks a process that could not be started.
	ErrSpawnFailure = errors.New("spawn failure")
	// ErrProcessTimeout marks a process killed by its deadline.
	ErrProcessTimeout = errors.New("process timeout")
	// ErrMaxRetriesExceeded marks a command that failed every attempt.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
