// Package errs defines the typed outcomes returned by the path resolver,
// tree builder and document store.
//
// Precondition failures (bad path, missing entry, name clash) are reported as
// *Error values with a Kind so callers can tell them apart without string
// matching. Anything the filesystem reports that is not one of those cases is
// wrapped as Internal with the original message kept for diagnostics.
package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Kind is the category of a store error.
type Kind int

const (
	// Internal wraps unexpected filesystem failures (permission denied, I/O).
	Internal Kind = iota

	// InvalidPath is malformed or containment-violating input. It is always
	// produced before the filesystem is touched.
	InvalidPath

	// NotFound means the target does not exist.
	NotFound

	// NotADirectory means a directory was required but a file was found.
	NotADirectory

	// NotAFile means a file was required but a directory was found.
	NotAFile

	// Conflict means the target already exists. See Reason.
	Conflict

	// NotEmpty means a non-recursive delete hit a directory with entries.
	NotEmpty

	// Forbidden means the operation is never allowed (deleting the root).
	Forbidden
)

func (k Kind) String() string {
	switch k {
	case InvalidPath:
		return "invalid_path"
	case NotFound:
		return "not_found"
	case NotADirectory:
		return "not_a_directory"
	case NotAFile:
		return "not_a_file"
	case Conflict:
		return "conflict"
	case NotEmpty:
		return "not_empty"
	case Forbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// Reason distinguishes the Conflict sub-cases.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonDirectory Reason = "directory"
	ReasonFile      Reason = "file"
	ReasonName      Reason = "name"
)

// Error is a typed store outcome.
type Error struct {
	Kind   Kind
	Reason Reason
	Op     string
	Path   string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Path != "" {
		msg = msg + ": " + e.Path
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil && e.Kind == Internal {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, op, path, msg string) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, path, format string, args ...any) *Error {
	return New(kind, op, path, fmt.Sprintf(format, args...))
}

// Invalid reports malformed input.
func Invalid(op, path, msg string) *Error {
	return New(InvalidPath, op, path, msg)
}

// Missing reports an absent target.
func Missing(op, path string) *Error {
	return New(NotFound, op, path, "not found")
}

// Exists reports a conflict with an existing entry.
func Exists(op, path string, reason Reason) *Error {
	msg := "already exists"
	switch reason {
	case ReasonDirectory:
		msg = "a folder already exists at this path"
	case ReasonFile:
		msg = "a file already exists at this path"
	case ReasonName:
		msg = "name conflict"
	}
	return &Error{Kind: Conflict, Reason: reason, Op: op, Path: path, Msg: msg}
}

// Wrap turns an unexpected error into an Internal error.
func Wrap(op, path string, err error) *Error {
	return &Error{Kind: Internal, Op: op, Path: path, Msg: "filesystem error", Err: err}
}

// FromOS normalises a filesystem error into the taxonomy. Errors that carry
// no precondition meaning become Internal.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: NotFound, Op: op, Path: path, Msg: "not found", Err: err}
	case errors.Is(err, syscall.ENOTDIR):
		return &Error{Kind: NotADirectory, Op: op, Path: path, Msg: "a path component is not a folder", Err: err}
	case errors.Is(err, syscall.ENOTEMPTY):
		return &Error{Kind: NotEmpty, Op: op, Path: path, Msg: "folder is not empty", Err: err}
	case errors.Is(err, fs.ErrExist):
		return &Error{Kind: Conflict, Reason: ReasonName, Op: op, Path: path, Msg: "name conflict", Err: err}
	}
	return Wrap(op, path, err)
}

// KindOf returns the Kind of err, or Internal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// ReasonOf returns the conflict Reason carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
