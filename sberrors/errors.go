// Package sberrors provides typed error handling for the sandbox runner.
//
// Errors are classified by ErrorKind rather than by Go type, so callers can
// branch on errors.Is against the sentinel values in sentinel.go without
// needing to know the concrete wrapping type.
package sberrors

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a SandboxError. The members are exactly the error
// taxonomy of the runner's error handling design: one kind per documented
// failure mode, fatal or not.
type ErrorKind int

const (
	// ErrManifestPayload indicates the FAM could not be opened or parsed.
	ErrManifestPayload ErrorKind = iota
	// ErrKernelLoad indicates the kernel programs failed to load or attach.
	ErrKernelLoad
	// ErrMapCreation indicates a per-pip map could not be created.
	ErrMapCreation
	// ErrRingBufferReservation indicates a transient ring-buffer reservation failure.
	ErrRingBufferReservation
	// ErrPathReconstruction indicates a reconstructed path was not rooted or exceeded bounds.
	ErrPathReconstruction
	// ErrPolicyLookup indicates a policy cursor could not be obtained.
	ErrPolicyLookup
	// ErrSemaphorePost indicates the report-counting semaphore could not be posted.
	ErrSemaphorePost
	// ErrFIFOWritePartial indicates a partial write to the report FIFO.
	ErrFIFOWritePartial
	// ErrBreakawayOverflow indicates the breakaway table exceeded its fixed capacity.
	ErrBreakawayOverflow
	// ErrRingBufferPoll indicates a ring-buffer poll error other than EINTR.
	ErrRingBufferPoll
)

func (k ErrorKind) String() string {
	switch k {
	case ErrManifestPayload:
		return "manifest payload error"
	case ErrKernelLoad:
		return "kernel load error"
	case ErrMapCreation:
		return "per-pip map creation error"
	case ErrRingBufferReservation:
		return "ring-buffer reservation failure"
	case ErrPathReconstruction:
		return "path reconstruction failure"
	case ErrPolicyLookup:
		return "policy lookup failure"
	case ErrSemaphorePost:
		return "semaphore post failure"
	case ErrFIFOWritePartial:
		return "fifo write partial"
	case ErrBreakawayOverflow:
		return "breakaway table overflow"
	case ErrRingBufferPoll:
		return "ring-buffer poll error"
	default:
		return "unknown error"
	}
}

// Fatal reports whether this kind of error always terminates the runner (or
// the pip it belongs to), per the error handling design.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrManifestPayload, ErrKernelLoad, ErrMapCreation, ErrPolicyLookup, ErrFIFOWritePartial:
		return true
	default:
		return false
	}
}

// SandboxError is a wrapped error carrying an ErrorKind and operation context.
type SandboxError struct {
	// Op is the operation that failed (e.g., "load", "reserve", "write-fifo").
	Op string
	// Pip identifies the pip (runner pid) the error pertains to, if any.
	Pip string
	// Err is the underlying error.
	Err error
	// Kind is the error classification.
	Kind ErrorKind
	// Detail provides additional context about the error.
	Detail string
}

func (e *SandboxError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var msg string
	if e.Pip != "" {
		msg = fmt.Sprintf("pip %s: ", e.Pip)
	}
	if e.Op != "" {
		msg += fmt.Sprintf("%s: ", e.Op)
	}
	if e.Detail != "" {
		msg += e.Detail
	} else {
		msg += e.Kind.String()
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *SandboxError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches target if it is a *SandboxError with the same Kind.
func (e *SandboxError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if t, ok := target.(*SandboxError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new SandboxError with the given kind.
func New(kind ErrorKind, op string, detail string) *SandboxError {
	return &SandboxError{Op: op, Kind: kind, Detail: detail}
}

// Wrap wraps an error with a kind and operation.
func Wrap(err error, kind ErrorKind, op string) *SandboxError {
	return &SandboxError{Op: op, Err: err, Kind: kind}
}

// WrapWithPip wraps an error with a kind, operation, and pip identifier.
func WrapWithPip(err error, kind ErrorKind, op string, pip string) *SandboxError {
	return &SandboxError{Op: op, Pip: pip, Err: err, Kind: kind}
}

// WrapWithDetail wraps an error with additional detail.
func WrapWithDetail(err error, kind ErrorKind, op string, detail string) *SandboxError {
	return &SandboxError{Op: op, Err: err, Kind: kind, Detail: detail}
}

// IsKind reports whether err is a SandboxError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var serr *SandboxError
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}

// GetKind returns the error kind if err is a SandboxError.
func GetKind(err error) (ErrorKind, bool) {
	var serr *SandboxError
	if errors.As(err, &serr) {
		return serr.Kind, true
	}
	return 0, false
}

// Re-exported for convenience, matching the corpus's idiom of not making
// callers import both "errors" and this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)
