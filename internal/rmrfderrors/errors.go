// Package rmrfderrors defines the per-entry error kinds enumerated in
// spec.md §7 and wraps underlying syscall/OS errors with the path that
// triggered them. Grounded on azcopy's common/azError.go: a small typed
// error value with a stable Kind plus a human message, rather than a
// growing pile of sentinel error variables.
package rmrfderrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error kinds named in spec.md §7.
type Kind int

const (
	// InvalidEntry: a readdir-returned entry itself was unusable. The
	// gatherer does not emit this kind; a failed per-entry fstatat is
	// reported as StatFailed.
	InvalidEntry Kind = iota
	// OpenFailed: opening a directory (absolute or relative) failed.
	OpenFailed
	// StatFailed: fetching metadata for a directory entry (directory or
	// not) failed.
	StatFailed
	// EnumerateFailed: a readdir call failed mid-stream.
	EnumerateFailed
	// ChannelClosed: the downstream consumer is gone; not a per-entry
	// failure, triggers worker shutdown per spec.md §7.
	ChannelClosed
)

func (k Kind) String() string {
	switch k {
	case InvalidEntry:
		return "invalid directory entry"
	case OpenFailed:
		return "open failed"
	case StatFailed:
		return "stat failed"
	case EnumerateFailed:
		return "enumeration failed"
	case ChannelClosed:
		return "channel closed"
	default:
		return "unknown error kind"
	}
}

// Error is the typed error value forwarded in Error records (spec.md §6)
// and logged by the gatherer and inventory assembler.
type Error struct {
	Kind  Kind
	Path  string
	cause error
}

// New wraps cause with a Kind and the path that triggered it. cause may be
// nil, e.g. for a malformed entry with no underlying OS error.
func New(kind Kind, path string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Path: path, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// IsFatal reports whether the error kind must terminate the worker loop
// that observed it, rather than simply being logged and skipped.
func (e *Error) IsFatal() bool {
	return e.Kind == ChannelClosed
}
