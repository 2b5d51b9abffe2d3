package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrNotFound - sandbox, file, or directory entry does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput - caller supplied an unusable argument (empty message, bad path)
	ErrInvalidInput = errors.New("invalid input")

	// ErrPathEscape - a path resolved outside the sandbox root (rejected, never clamped)
	ErrPathEscape = errors.New("path escapes sandbox root")

	// ErrNoSession - protocol operation attempted before a session was established
	ErrNoSession = errors.New("no active session")

	// ErrProvision - directory setup or process start failed; nothing partial is registered
	ErrProvision = errors.New("provisioning failed")

	// ErrHandshake - protocol initialize or session creation failed; there is no
	// session yet to carry an error event, so this surfaces as a plain error
	ErrHandshake = errors.New("handshake failed")

	// ErrTransient - transport trouble during a prompt turn; the caller may retry the turn
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
