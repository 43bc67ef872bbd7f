package errors

import "errors"

// Common CLI errors with actionable guidance.
var (
	// ErrNotAuthenticated indicates the provider rejected the token or none
	// was given.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrPermissionDenied indicates the token lacks access to the run.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConnectionFailed indicates the provider is unreachable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrLogUnavailable indicates neither a compressed artifact nor a raw
	// log could be retrieved.
	ErrLogUnavailable = errors.New("log unavailable")

	// ErrUnreadableLog indicates the payload format is not supported.
	ErrUnreadableLog = errors.New("unreadable log")

	// ErrScratchFull indicates the run exceeded its scratch disk quota.
	ErrScratchFull = errors.New("scratch quota exceeded")

	// ErrTimedOut indicates the run hit its time limit.
	ErrTimedOut = errors.New("timed out")

	// ErrInterrupted indicates the run was cancelled.
	ErrInterrupted = errors.New("interrupted")

	// ErrBadConfig indicates configuration could not be loaded or is invalid.
	ErrBadConfig = errors.New("bad configuration")
)
