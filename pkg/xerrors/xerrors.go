package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies xgimage errors.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindInvalidDimensions
	KindMalformedKey
	KindNotFound
	KindSourceNotFound
	KindTransformFailed
	KindStoreUnavailable
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Key != "" {
		base += " " + e.Key
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindInvalidDimensions:
		return "invalid dimensions"
	case KindMalformedKey:
		return "malformed key"
	case KindNotFound:
		return "not found"
	case KindSourceNotFound:
		return "source not found"
	case KindTransformFailed:
		return "transform failed"
	case KindStoreUnavailable:
		return "store unavailable"
	default:
		return "internal error"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, key string) error {
	return &Error{Kind: kind, Op: op, Key: key}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
// Filesystem not-exist errors report KindNotFound; anything else unknown is
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist), errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// NotFound reports whether err means the addressed object does not exist.
func NotFound(err error) bool {
	k := KindOf(err)
	return err != nil && (k == KindNotFound || k == KindSourceNotFound)
}
