package domain

import (
	"errors"
)

// Command and dispatch failures are always per-device or per-task.
// Nothing in this package is fatal to the process.
var (
	// ErrDeviceOffline: no live session for the resolved identity. The
	// caller may retry once the device reconnects.
	ErrDeviceOffline = errors.New("device offline")

	// ErrUnknownRelay: the relay name maps to nothing in the bound
	// configuration and is not a valid raw index. Caller error, not retried.
	ErrUnknownRelay = errors.New("unknown relay")

	// ErrCommandTimeout: the command was written but no matching state frame
	// arrived within the ack window. The outcome is ambiguous: the device
	// may still have applied the command. Callers should re-query state
	// before retrying.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrDispatchRejected: the task bridge declined a recurring dispatch.
	ErrDispatchRejected = errors.New("dispatch rejected")

	ErrNotFound = errors.New("not found")
)
