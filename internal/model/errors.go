package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound means the device does not exist or is inactive.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrJobNotFound means the delivery job is unknown or already pruned.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotConnected means the operation requires an active connection.
	ErrNotConnected = errors.New("device not connected")
	// ErrNotOwned means the device exists but belongs to another user/tenant.
	ErrNotOwned = errors.New("device not owned by caller")
	// ErrLoggedOut means the remote side terminated the session; the device
	// must be re-paired before it can connect again.
	ErrLoggedOut = errors.New("device logged out")
	// ErrRosterUnsupported means the transport exposes no bulk roster fetch.
	ErrRosterUnsupported = errors.New("roster fetch not supported by transport")
)

// CryptoError wraps encrypt/decrypt failures. Decryption never returns
// partial data alongside one of these.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("crypto %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// ValidationError marks malformed input (bad job, unknown message kind).
// Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientError marks a retryable failure, typically network-level.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a failure that retrying cannot fix.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return fmt.Sprintf("terminal: %v", e.Err) }
func (e *TerminalError) Unwrap() error { return e.Err }

// IsRetryable decides centrally whether a failed send may be re-attempted.
// Missing devices, missing connections, validation failures, and anything
// explicitly terminal fail fast; everything else is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNotOwned) || errors.Is(err, ErrLoggedOut) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return false
	}
	return true
}
