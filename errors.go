package otaboot

import (
	"errors"
	"fmt"
)

// Kind classifies the failure mode of an Error so callers (and the CLI's
// exit-code mapping) can branch on what went wrong without string matching.
type Kind int

const (
	// Unknown is the zero value; Error values constructed through
	// NewError always set a real Kind.
	Unknown Kind = iota
	InvalidArgument
	NotFound
	UnsupportedFormat
	Corrupt
	IncompatibleImage
	KeyMismatch
	SigningFailure
	Io
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case UnsupportedFormat:
		return "unsupported format"
	case Corrupt:
		return "corrupt"
	case IncompatibleImage:
		return "incompatible image"
	case KeyMismatch:
		return "key mismatch"
	case SigningFailure:
		return "signing failure"
	case Io:
		return "i/o error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries.
// It carries a Kind plus the component that raised it, so a caller can
// pass a *otaboot.Error variable's address to errors.As (or call KindOf)
// and inspect Kind without parsing the message.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newErr constructs an *Error, op being the failing component/operation
// (e.g. "bootimg.ParseImage", "avb.EraseFooter").
func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewError is newErr exported for internal/ subpackages (planner,
// payload, magisk, signer) that need to raise the same typed errors
// without duplicating the Kind enum.
func NewError(kind Kind, op string, err error) *Error {
	return newErr(kind, op, err)
}

// KindOf reports the Kind of err if it is (or wraps) an *Error, otherwise
// Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
