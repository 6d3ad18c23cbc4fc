// Package faults defines the failure taxonomy shared by the scheduler, the
// retry policy and the API layer. Every non-success outcome of a stage is
// wrapped in a Fault so the retry policy can classify it without string
// matching.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNetworkTransient  Code = "NETWORK_TRANSIENT"
	CodeRateLimit         Code = "RATE_LIMITED"
	CodeRemoteServer      Code = "REMOTE_SERVER_ERROR"
	CodeQuota             Code = "QUOTA_EXCEEDED"
	CodeDiskSpace         Code = "DISK_SPACE_EXHAUSTED"
	CodeUnsupportedFormat Code = "UNSUPPORTED_FORMAT"
	CodeCorruption        Code = "CORRUPTION"
	CodeProcessExit       Code = "PROCESS_EXIT"
	CodeTimeout           Code = "TIMEOUT"
	CodeCancelled         Code = "CANCELLED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_STATE_TRANSITION"
	CodeInternal          Code = "INTERNAL_ERROR"
)

type Fault struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string, cause error) *Fault {
	return &Fault{Code: code, Message: message, Cause: cause}
}

func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

// Is makes two faults equal when their codes match, so callers can compare
// against a bare Newf(code, "") sentinel.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if !errors.As(target, &other) {
		return false
	}
	return f.Code == other.Code
}

// CodeOf extracts the fault code from an arbitrary error chain. Errors that
// carry no Fault are reported as CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	var pe *ProcessExit
	if errors.As(err, &pe) {
		return CodeProcessExit
	}
	return CodeInternal
}

// IsFatal reports whether the code short-circuits retry regardless of the
// remaining budget.
func IsFatal(code Code) bool {
	switch code {
	case CodeDiskSpace, CodeUnsupportedFormat, CodeValidation:
		return true
	}
	return false
}

// ProcessExit is raised when a supervised command exits non-zero. StderrTail
// holds the last lines of stderr for diagnostics.
type ProcessExit struct {
	Command    string
	ExitCode   int
	StderrTail []string
}

func (e *ProcessExit) Error() string {
	return fmt.Sprintf("%s: %s exited with code %d", CodeProcessExit, e.Command, e.ExitCode)
}

func (e *ProcessExit) Is(target error) bool {
	var f *Fault
	if errors.As(target, &f) {
		return f.Code == CodeProcessExit
	}
	return false
}

func (f *Fault) MapToHTTPCode() int {
	switch f.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
