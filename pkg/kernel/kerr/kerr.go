// Package kerr is the kernel error taxonomy. Every kernel operation reports
// failure as a *Error carrying one of the codes below; callers match with
// errors.Is against the Err* sentinels or read the code with CodeOf.
package kerr

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes are stable and appear in audit
// records, so they are never renamed.
type Code string

const (
	DuplicatePID              Code = "DuplicatePid"
	UnknownPID                Code = "UnknownPid"
	DuplicatePattern          Code = "DuplicatePattern"
	NoRoute                   Code = "NoRoute"
	CapabilityExpired         Code = "CapabilityExpired"
	ResourceMismatch          Code = "ResourceMismatch"
	InsufficientRights        Code = "InsufficientRights"
	NotOwner                  Code = "NotOwner"
	CapabilityNotFound        Code = "CapabilityNotFound"
	ManifestInvalid           Code = "ManifestInvalid"
	RequiredCapabilityMissing Code = "RequiredCapabilityMissing"
	ResourceLimitExceeded     Code = "ResourceLimitExceeded"

	InvalidPattern    Code = "InvalidPattern"
	InvalidTransition Code = "InvalidTransition"
	NotRevocable      Code = "NotRevocable"
	ModuleUnavailable Code = "ModuleUnavailable"
	EnvelopeInvalid   Code = "EnvelopeInvalid"
	AuthExpired       Code = "AuthExpired"
	HandlerFailed     Code = "HandlerFailed"
	RateLimited       Code = "RateLimited"
	ChecksumMismatch  Code = "ChecksumMismatch"
)

// Retryable reports whether a host may retry the same request later and
// reasonably expect a different outcome.
func (c Code) Retryable() bool {
	switch c {
	case ModuleUnavailable, RateLimited, HandlerFailed:
		return true
	}
	return false
}

// Error is a typed kernel failure.
type Error struct {
	Code   Code   `json:"code"`
	Op     string `json:"op,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNoRoute)
// holds regardless of Op and Detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an error for op with a formatted detail.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, or "" if err is nil or not a kernel error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// From converts err into a *Error, keeping kernel errors as they are and
// wrapping anything else under fallback.
func From(err error, fallback Code, op string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: fallback, Op: op, Detail: err.Error()}
}

var (
	ErrDuplicatePID              = &Error{Code: DuplicatePID}
	ErrUnknownPID                = &Error{Code: UnknownPID}
	ErrDuplicatePattern          = &Error{Code: DuplicatePattern}
	ErrNoRoute                   = &Error{Code: NoRoute}
	ErrCapabilityExpired         = &Error{Code: CapabilityExpired}
	ErrResourceMismatch          = &Error{Code: ResourceMismatch}
	ErrInsufficientRights        = &Error{Code: InsufficientRights}
	ErrNotOwner                  = &Error{Code: NotOwner}
	ErrCapabilityNotFound        = &Error{Code: CapabilityNotFound}
	ErrManifestInvalid           = &Error{Code: ManifestInvalid}
	ErrRequiredCapabilityMissing = &Error{Code: RequiredCapabilityMissing}
	ErrResourceLimitExceeded     = &Error{Code: ResourceLimitExceeded}
	ErrInvalidPattern            = &Error{Code: InvalidPattern}
	ErrInvalidTransition         = &Error{Code: InvalidTransition}
	ErrNotRevocable              = &Error{Code: NotRevocable}
	ErrModuleUnavailable         = &Error{Code: ModuleUnavailable}
	ErrEnvelopeInvalid           = &Error{Code: EnvelopeInvalid}
	ErrAuthExpired               = &Error{Code: AuthExpired}
	ErrHandlerFailed             = &Error{Code: HandlerFailed}
	ErrRateLimited               = &Error{Code: RateLimited}
	ErrChecksumMismatch          = &Error{Code: ChecksumMismatch}
)
