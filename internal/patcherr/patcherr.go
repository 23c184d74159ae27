// Package patcherr defines the error taxonomy shared by the sync pipeline.
//
// Every failure the engine reports carries a Kind so that callers can decide
// whether a condition is retryable, fatal to the session, or only fatal to a
// single path.
package patcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the layer it originated in.
type Kind string

const (
	// KindIO indicates a local filesystem access failure.
	KindIO Kind = "IO_ERROR"

	// KindNetwork indicates a transport-level failure.
	KindNetwork Kind = "NETWORK_ERROR"

	// KindManifestFormat indicates a malformed or unsafe remote manifest.
	KindManifestFormat Kind = "MANIFEST_FORMAT_ERROR"

	// KindIntegrity indicates downloaded content did not match its fingerprint.
	KindIntegrity Kind = "INTEGRITY_ERROR"

	// KindCommit indicates a verified file could not be placed, or a stale one removed.
	KindCommit Kind = "COMMIT_ERROR"
)

// Sentinels for use with errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrIO             = &Error{Kind: KindIO}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrManifestFormat = &Error{Kind: KindManifestFormat}
	ErrIntegrity      = &Error{Kind: KindIntegrity}
	ErrCommit         = &Error{Kind: KindCommit}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "scan", "get", "rename".
	Op string
	// Path is the relative path or URL the operation was acting on, if any.
	Path string
	Err  error
	// Permanent marks a network error that retrying cannot fix (HTTP 404 and friends).
	Permanent bool
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Newf creates a classified error with a formatted cause.
func Newf(kind Kind, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// IO wraps err as an IO_ERROR.
func IO(op, path string, err error) *Error { return New(KindIO, op, path, err) }

// Network wraps err as a retryable NETWORK_ERROR.
func Network(op, path string, err error) *Error { return New(KindNetwork, op, path, err) }

// PermanentNetwork wraps err as a NETWORK_ERROR that must not be retried.
func PermanentNetwork(op, path string, err error) *Error {
	e := New(KindNetwork, op, path, err)
	e.Permanent = true
	return e
}

// ManifestFormat builds a MANIFEST_FORMAT_ERROR.
func ManifestFormat(path, format string, args ...any) *Error {
	return Newf(KindManifestFormat, "parse manifest", path, format, args...)
}

// Integrity builds an INTEGRITY_ERROR.
func Integrity(path, format string, args ...any) *Error {
	return Newf(KindIntegrity, "verify", path, format, args...)
}

// Commit wraps err as a COMMIT_ERROR.
func Commit(op, path string, err error) *Error { return New(KindCommit, op, path, err) }

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a per-file operation that failed with err may be
// attempted again. Network errors are retryable unless marked permanent;
// integrity errors always are, since the next download may be intact.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return !e.Permanent
	case KindIntegrity:
		return true
	default:
		return false
	}
}
