// Package lockerr defines the error taxonomy shared by the lock engine, its
// backends and its callers.
package lockerr

import (
	"errors"
	"fmt"
	"strings"

	"pkt.systems/assetlock/record"
)

var (
	// ErrNotReady is returned while the backend identity is unresolved or
	// after the readiness gate failed permanently.
	ErrNotReady = errors.New("assetlock: backend not ready")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("assetlock: validation failed")
	// ErrProcess matches every *ProcessError.
	ErrProcess = errors.New("assetlock: process failed")
	// ErrConflict reports that the remote rejected a lock because it is held.
	ErrConflict = errors.New("assetlock: lock conflict")
	// ErrUnauthorized reports a 403 from the locking service.
	ErrUnauthorized = errors.New("assetlock: unauthorized")
	// ErrRemoteServer reports any other remote or transport failure.
	ErrRemoteServer = errors.New("assetlock: remote server error")
)

// Code classifies a validation failure.
type Code string

const (
	CodeNotTracked    Code = "not_tracked"
	CodeAlreadyLocked Code = "already_locked"
	CodeNotOwner      Code = "not_owner"
	CodeNotTrackable  Code = "not_trackable"
	CodeKeyCollision  Code = "key_collision"
	CodeInvalidPath   Code = "invalid_path"
)

// ValidationError is a synchronous precondition failure. It never changes
// engine state.
type ValidationError struct {
	Op     string
	Path   string
	Code   Code
	Detail string
}

// Validation builds a *ValidationError.
func Validation(op, path string, code Code, detail string) error {
	return &ValidationError{Op: op, Path: path, Code: code, Detail: detail}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("assetlock: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	if e.Path != "" {
		fmt.Fprintf(&b, "%q ", e.Path)
	}
	b.WriteString(string(e.Code))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// HasCode reports whether err is a *ValidationError with code.
func HasCode(err error, code Code) bool {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code == code
	}
	return false
}

// ProcessError describes a failed subprocess invocation.
type ProcessError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("assetlock: %s: %s", strings.Join(e.Args, " "), msg)
}

// Is matches ErrProcess.
func (e *ProcessError) Is(target error) bool {
	return target == ErrProcess
}

// Unwrap exposes the underlying exec or context error.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

// RemoteError describes a failed call against the locks API. Kind is one of
// ErrConflict, ErrUnauthorized or ErrRemoteServer.
type RemoteError struct {
	Kind             error
	Status           int
	Message          string
	DocumentationURL string
	RequestID        string
	// Lock is the existing lock reported with a conflict, when available.
	Lock record.Record
	Err  error
}

func (e *RemoteError) Error() string {
	kind := ErrRemoteServer
	if e.Kind != nil {
		kind = e.Kind
	}
	parts := []string{kind.Error()}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if e.RequestID != "" {
		parts = append(parts, "request_id="+e.RequestID)
	}
	return strings.Join(parts, ": ")
}

// Is matches the error's Kind.
func (e *RemoteError) Is(target error) bool {
	if e.Kind == nil {
		return target == ErrRemoteServer
	}
	return target == e.Kind
}

// Unwrap exposes the transport error, if any.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsRemoteServer reports whether err should trigger the HTTP-to-process
// downgrade.
func IsRemoteServer(err error) bool {
	return errors.Is(err, ErrRemoteServer)
}
