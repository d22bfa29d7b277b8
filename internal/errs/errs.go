// Package errs defines the closed set of error kinds surfaced by the core engine.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed tag identifying the category of failure. Numeric status
// codes live only at the persistence boundary; callers above the store
// always see a Kind.
type Kind string

const (
	KindInvalidNzb   Kind = "InvalidNzb"
	KindDuplicate    Kind = "Duplicate"
	KindDatabase     Kind = "Database"
	KindNntp         Kind = "Nntp"
	KindIo           Kind = "Io"
	KindExternalTool Kind = "ExternalTool"
	KindNotSupported Kind = "NotSupported"
	KindNotFound     Kind = "NotFound"
	KindConflict     Kind = "Conflict"
	KindShuttingDown Kind = "ShuttingDown"
)

// Error is the wrapper every core-surfaced error round-trips through. Stage
// is optional context (e.g. "Verify", "Move") used when a post-processing
// stage fails so the driver can record which one.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func WrapStage(kind Kind, stage string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
