package bartleby

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds reported by a session. Every error returned by this package
// matches exactly one of them with errors.Is.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrMalformedBinary   = errors.New("malformed object")
	ErrInvalidPrefix     = errors.New("invalid prefix")
	ErrRenameCollision   = errors.New("rename collision")
	ErrFormatMismatch    = errors.New("object format mismatch")
	ErrInternal          = errors.New("internal invariant violation")
	ErrSessionConsumed   = errors.New("session already built")
)

// MalformedError carries the location of a failed validation.
type MalformedError struct {
	Object string
	Offset uint64
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: %s: %s at offset %#x: %s",
		ErrMalformedBinary, e.Object, e.Field, e.Offset, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedBinary }

func malformed(object string, offset uint64, field, format string, args ...any) error {
	return &MalformedError{
		Object: object,
		Offset: offset,
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}

// CollisionError describes one symbol whose prefixed name clashes with
// another symbol.
type CollisionError struct {
	Object  string
	Symbol  string
	NewName string
	// With is the object holding the clashing symbol. It equals Object
	// when the clash is local to one object.
	With string
}

func (e *CollisionError) Error() string {
	if e.With != "" && e.With != e.Object {
		return fmt.Sprintf("%s: %s: %q renamed to %q clashes with a symbol of %s",
			ErrRenameCollision, e.Object, e.Symbol, e.NewName, e.With)
	}
	return fmt.Sprintf("%s: %s: %q renamed to %q clashes with an existing symbol",
		ErrRenameCollision, e.Object, e.Symbol, e.NewName)
}

func (e *CollisionError) Unwrap() error { return ErrRenameCollision }

func internalError(format string, args ...any) error {
	return errors.Wrapf(ErrInternal, format, args...)
}

// IsInputError reports whether err was caused by the caller's input or
// configuration, as opposed to a broken invariant inside the engine.
func IsInputError(err error) bool {
	if err == nil || errors.Is(err, ErrInternal) {
		return false
	}
	for _, kind := range []error{
		ErrUnsupportedFormat,
		ErrMalformedBinary,
		ErrInvalidPrefix,
		ErrRenameCollision,
		ErrFormatMismatch,
		ErrSessionConsumed,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
