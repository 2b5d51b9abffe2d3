package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"syscall"
)

// MapError maps OS and transport errors to the daiku error taxonomy.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	// Propagate context errors as-is
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrTransient)
	}

	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", err.Error(), ErrNotFound)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%s: %w", err.Error(), ErrTransient)
	}

	// Map based on error message content
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("resource not found: %w", ErrNotFound)

	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "connection reset"):
		return fmt.Errorf("connection failed: %w", ErrTransient)

	default:
		return err
	}
}

// Wrap attaches a category and context to an error. Both the category and
// the original cause stay matchable through errors.Is.
func Wrap(err error, category error, message string) error {
	if err == nil {
		return nil
	}
	if IsCategory(err, category) {
		return fmt.Errorf("%s: %w", message, err)
	}
	return fmt.Errorf("%s: %w: %w", message, category, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// PathEscape wraps error as a containment violation
func PathEscape(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPathEscape)
}

// NoSession wraps error as a missing-session protocol error
func NoSession(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNoSession)
}

// Provision wraps error as a fatal provisioning failure
func Provision(message string) error {
	return fmt.Errorf("%s: %w", message, ErrProvision)
}

// Handshake wraps error as a fatal handshake failure
func Handshake(message string) error {
	return fmt.Errorf("%s: %w", message, ErrHandshake)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable reports whether the error is transient and the prompt turn may be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
