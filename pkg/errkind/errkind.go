// Package errkind implements the tagged error taxonomy from §7 of the
// platform spec: every exported operation in the core returns errors that
// carry one of these kinds, so calling code never has to string-match.
package errkind

import (
	"fmt"

	"github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind is one of the abstract error kinds the core can return.
type Kind int

const (
	Unknown Kind = iota
	InvalidArgument
	Capacity
	NotFound
	CompileFailed
	InvalidBlob
	RootfsSetupFailed
	IOFailure
	Unavailable
	InternalError
	BuildFailed
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case Capacity:
		return "Capacity"
	case NotFound:
		return "NotFound"
	case CompileFailed:
		return "CompileFailed"
	case InvalidBlob:
		return "InvalidBlob"
	case RootfsSetupFailed:
		return "RootfsSetupFailed"
	case IOFailure:
		return "IOFailure"
	case Unavailable:
		return "Unavailable"
	case InternalError:
		return "InternalError"
	case BuildFailed:
		return "BuildFailed"
	default:
		return "Unknown"
	}
}

// taggedError adapted from the teacher's ComplexError: a code-carrying error
// that keeps an xerrors.Frame so a top-level handler can still print a
// stack trace, without every call site needing to import go-errors.
type taggedError struct {
	kind    Kind
	message string
	wrapped error
	frame   xerrors.Frame
}

func (e *taggedError) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.kind, e.message)
	e.frame.Format(p)
	return e.wrapped
}

func (e *taggedError) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e *taggedError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *taggedError) Unwrap() error {
	return e.wrapped
}

// New builds a tagged error of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &taggedError{
		kind:    kind,
		message: fmt.Sprintf(format, args...),
		frame:   xerrors.Caller(1),
	}
}

// Wrap tags an existing error (typically an os/syscall error) with a kind,
// preserving it for errors.Is/As and Unwrap chains.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &taggedError{
		kind:    kind,
		message: fmt.Sprintf(format, args...),
		wrapped: err,
		frame:   xerrors.Caller(1),
	}
}

// Of returns the Kind carried by err, or Unknown if err does not carry one.
func Of(err error) Kind {
	var te *taggedError
	if xerrors.As(err, &te) {
		return te.kind
	}
	return Unknown
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// WithStack wraps err for top-level reporting the way the teacher's
// WrapError does for go-errors: it never returns nil for a non-nil error
// and is safe to call on an already-tagged error.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, 1)
}
