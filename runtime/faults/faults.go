// Package faults defines the error taxonomy shared by every bridge
// component. A Fault carries a stable machine-readable code, a human
// message, an optional recovery hint the LLM can act on, and the
// underlying cause. Components never invent ad-hoc error strings for
// conditions the taxonomy covers; they wrap the cause in a Fault so
// the executor can classify retryability and the API layer can map
// codes to transport status.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies one failure kind. The set is closed; new codes are
// additions to this package, not strings minted elsewhere.
type Code string

const (
	// Input faults. Fatal for the plan, never retried.
	CodeParse         Code = "parse_error"
	CodeValidation    Code = "validation_error"
	CodeUnknownModule Code = "unknown_module"
	CodeUnknownAction Code = "unknown_action"

	// Security faults.
	CodePermissionDenied     Code = "permission_denied"
	CodePermissionNotGranted Code = "permission_not_granted"
	CodeRateLimitExceeded    Code = "rate_limit_exceeded"
	CodeScanBlocked          Code = "scan_blocked"
	CodeSuspiciousIntent     Code = "suspicious_intent"

	// Execution faults.
	CodeTemplate            Code = "template_error"
	CodeTimeout             Code = "timeout"
	CodeCancelled           Code = "cancelled"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeProviderError       Code = "provider_error"
	CodeUnsupportedPlatform Code = "unsupported_platform"
	CodeUserRejected        Code = "user_rejected"

	// Orchestration faults.
	CodeRollbackFailed        Code = "rollback_failed"
	CodeRollbackDepthExceeded Code = "rollback_depth_exceeded"
	CodeDependencyFailed      Code = "dependency_failed"

	// Trigger faults.
	CodeWatcherFailed    Code = "watcher_failed"
	CodeConflictRejected Code = "conflict_rejected"
	CodeTriggerDisabled  Code = "trigger_disabled"

	// Everything else.
	CodeInternal Code = "internal_error"
)

type (
	// Fault is the structured error every bridge component returns for
	// conditions the taxonomy covers. It implements error and supports
	// errors.Is (by code) and errors.As.
	Fault struct {
		// Code is the stable machine-readable failure kind.
		Code Code
		// Message is the human-readable description.
		Message string
		// Recovery, when set, tells the caller (typically the LLM) what
		// corrective call to make next.
		Recovery *Recovery
		// RetryAfter is a wait hint for rate-limit faults.
		RetryAfter time.Duration
		// Cause is the wrapped underlying error, if any.
		Cause error
	}

	// Recovery describes the exact follow-up action that would clear the
	// fault. For permission_not_granted this names the grant request the
	// LLM should issue before resubmitting.
	Recovery struct {
		Module string         `json:"module"`
		Action string         `json:"action"`
		Params map[string]any `json:"params,omitempty"`
		Hint   string         `json:"hint,omitempty"`
	}
)

// New constructs a Fault with the given code and formatted message.
func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a Fault that records cause as the underlying error.
func Wrap(code Code, cause error, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (f *Fault) Unwrap() error { return f.Cause }

// Is matches another Fault by code, so sentinel comparisons like
// errors.Is(err, &Fault{Code: CodeTimeout}) work across wrap chains.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if !errors.As(target, &other) {
		return false
	}
	return f.Code == other.Code
}

// WithRecovery attaches a recovery hint and returns the fault.
func (f *Fault) WithRecovery(r Recovery) *Fault {
	f.Recovery = &r
	return f
}

// CodeOf extracts the fault code from err, or CodeInternal when err is
// not a Fault. A nil err returns the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given fault code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether an action that failed with err may be
// retried under an on_error=retry policy. Input, permission, intent
// and cancellation faults are terminal; transport-ish faults are not.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeProviderUnavailable, CodeProviderError, CodeRateLimitExceeded, CodeInternal:
		return true
	default:
		return false
	}
}
