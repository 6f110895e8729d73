package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrInvalidInput - malformed arguments, bad config values, unknown ids in requests
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - session, step, pending request or cast does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict - decision attempted on an already terminal pending request
	ErrConflict = errors.New("conflict")

	// ErrPermissionDenied - call blocked by policy and not approved
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTransient - retry with backoff (sqlite busy/locked, fsync hiccups)
	ErrTransient = errors.New("transient error")

	// ErrProtocol - unframeable or invalid JSON-RPC traffic
	ErrProtocol = errors.New("protocol error")

	// ErrTargetExited - the child tool server is gone; the session is unusable
	ErrTargetExited = errors.New("target exited")

	// ErrStoreStuck - a write did not complete within the store's write fence
	ErrStoreStuck = errors.New("store stuck")

	// ErrInternal - anything else
	ErrInternal = errors.New("internal error")
)
