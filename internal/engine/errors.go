// Package engine implements the column family (C8): the component that
// coordinates a memtable, its sealed immutables, the tiered sstable set
// (via internal/version), and the commit log to serve the write and read
// paths described in spec.md §4.8.
package engine

import "fmt"

// Kind classifies an engine error the way spec.md §7 enumerates them, so
// callers (internal/store's Dispatch) can map failures to
// RESP error tokens without string-matching.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindCorruption
	KindIOError
	KindProtocolError
	KindInvalidArgument
	KindTimeout
	KindWriteDisabled
	KindShuttingDown
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindCorruption:
		return "CORRUPTION"
	case KindIOError:
		return "IO_ERROR"
	case KindProtocolError:
		return "PROTOCOL_ERROR"
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindTimeout:
		return "TIMEOUT"
	case KindWriteDisabled:
		return "WRITE_DISABLED"
	case KindShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "OK"
	}
}

// Error wraps an underlying error with the Kind taxonomy from spec.md §7.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr constructs an *Error, wrapping err (which may be nil).
func newErr(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to KindIOError for unrecognised errors, since the
// storage engine's failure mode of last resort is an I/O problem.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return KindIOError
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
