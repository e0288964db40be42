// Package gcov decodes GCC's .gcno/.gcda coverage binary formats, reconciles
// per-edge counters against the note file's control-flow graph via
// Kirchhoff propagation over the compiler's chosen spanning tree, and
// accumulates the result into a cross-run coverage model.
package gcov

import (
	"errors"

	"github.com/quikcov/quikcov/internal/reader"
)

// ErrKind is the taxonomy of decoding failures a caller may want to branch
// on (a malformed single .gcda blob is logged and dropped by the driver; a
// VersionMismatch or Checksum failure is fatal for that note/data pairing).
type ErrKind int

const (
	ErrChecksum ErrKind = iota
	ErrEndianness
	ErrLength
	ErrUtf8
	ErrIncompleteFile
	ErrInsufficientBytes
	ErrTrailingBytes
	ErrValue
	ErrVersion
	ErrVersionMismatch
)

// Error is returned by every fallible operation in this package.
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	switch e.Kind {
	case ErrChecksum:
		return "checksum mismatch"
	case ErrEndianness:
		return "opposite host endianness"
	case ErrLength:
		return "unexpected record length"
	case ErrUtf8:
		return "invalid UTF-8 in string field"
	case ErrIncompleteFile:
		return "file ended before expected terminator"
	case ErrInsufficientBytes:
		return "insufficient bytes remaining"
	case ErrTrailingBytes:
		return "trailing bytes after expected end of record"
	case ErrVersion:
		return "malformed version tag"
	case ErrVersionMismatch:
		return "data file version does not match note file version"
	default:
		return "value error"
	}
}

// Is supports errors.Is comparisons keyed on Kind only.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func valueErr(msg string) *Error { return &Error{Kind: ErrValue, Msg: msg} }

// wrapReaderErr translates the lower-level reader.Error taxonomy into this
// package's own, preserving the distinction the spec draws between them.
func wrapReaderErr(err error) error {
	if err == nil {
		return nil
	}
	var rerr *reader.Error
	if !errors.As(err, &rerr) {
		return err
	}
	switch rerr.Kind {
	case reader.ErrInsufficientBytes:
		return &Error{Kind: ErrInsufficientBytes, Msg: rerr.Msg}
	case reader.ErrTrailingBytes:
		return &Error{Kind: ErrTrailingBytes, Msg: rerr.Msg}
	case reader.ErrUTF8:
		return &Error{Kind: ErrUtf8, Msg: rerr.Msg}
	case reader.ErrValue:
		return &Error{Kind: ErrValue, Msg: rerr.Msg}
	case reader.ErrVersion:
		return &Error{Kind: ErrVersion, Msg: rerr.Msg}
	case reader.ErrEndianness:
		return &Error{Kind: ErrEndianness, Msg: rerr.Msg}
	default:
		return &Error{Kind: ErrValue, Msg: rerr.Error()}
	}
}
