// Package errcode defines the stable error codes surfaced across the fabric
// and a small error type that carries a code, an optional field path, and a
// wrapped cause. Codes are wire-stable: callers and remote peers branch on
// them, so they never change meaning.
package errcode

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	ValidationFailed     Code = "E_VALIDATION_FAILED"
	PayloadTooLarge      Code = "E_PAYLOAD_TOO_LARGE"
	TransportUnavailable Code = "E_TRANSPORT_UNAVAILABLE"
	RegistryUnavailable  Code = "E_REGISTRY_UNAVAILABLE"
	AgentNotFound        Code = "E_AGENT_NOT_FOUND"
	JWTInvalid           Code = "E_JWT_INVALID"
	JWTExpired           Code = "E_JWT_EXPIRED"
	JWTSignature         Code = "E_JWT_SIGNATURE"
	JWTInvalidClaims     Code = "E_JWT_INVALID_CLAIMS"
	SignatureMismatch    Code = "E_SIGNATURE_MISMATCH"
	ReplayStale          Code = "E_REPLAY_TIMESTAMP_STALE"
	ReplayFuture         Code = "E_REPLAY_TIMESTAMP_FUTURE"
	PolicyDeny           Code = "E_POLICY_DENY"
	PolicyUnavailable    Code = "E_POLICY_UNAVAILABLE"
	Duplicate            Code = "E_DUPLICATE"
)

// Error is a coded error. Path, when set, names the envelope field the error
// refers to (dot notation, e.g. "meta.message_id").
type Error struct {
	Code   Code
	Path   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Code, e.Path, e.Reason, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Reason)
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error with a plain reason.
func New(code Code, reason string) error {
	return &Error{Code: code, Reason: reason}
}

// Newf creates a coded error with a formatted reason.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// At creates a coded error bound to an envelope field path.
func At(code Code, path, reason string) error {
	return &Error{Code: code, Path: path, Reason: reason}
}

// Wrap attaches a code to an existing error. A nil cause returns nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the code from an error chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retriable reports whether the failure class is worth retrying. Validation,
// security, and policy-deny failures are terminal; infrastructure ones are
// not.
func Retriable(err error) bool {
	switch CodeOf(err) {
	case TransportUnavailable, RegistryUnavailable, PolicyUnavailable:
		return true
	default:
		return false
	}
}
