// Package cxdberr defines the store-wide error taxonomy used across every
// component: blobstore, turnstore, registry, tagmap, projection, cql,
// store, protocol, protocolserver, sseclient, and follow all report
// failures through this single error kind
// rather than ad-hoc sentinel values, so callers can dispatch on Kind
// without caring which package raised it.
package cxdberr

import "errors"

// Kind is the closed taxonomy from spec section 7. Kinds, not types: every
// failure in this module is one of these six.
type Kind int

const (
	// KindNotFound: the addressed entity (context, turn, blob, type
	// descriptor, bundle) is absent.
	KindNotFound Kind = iota
	// KindInvalidInput: malformed arguments, hash/length mismatch, unknown
	// codec/compression, registry merge conflict, malformed event-stream
	// field, bundle id mismatch.
	KindInvalidInput
	// KindCorrupt: on-disk invariant violation detected at read time.
	KindCorrupt
	// KindIo: host I/O failure.
	KindIo
	// KindCancelled: cooperative cancellation of a long-running operation.
	KindCancelled
	// KindTimeout: deadline expiry on a long-running operation.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindCorrupt:
		return "corrupt"
	case KindIo:
		return "io"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind, the way sentinel-free Rust
// error enums wrap a detail string. Supports errors.Is/As via Unwrap.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Detail != "" {
			return e.Detail + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// NotFound, InvalidInput, Corrupt, Io, Cancelled, Timeout are terse
// constructors mirroring the kind names, used throughout the other
// packages.
func NotFound(detail string) *Error     { return New(KindNotFound, detail) }
func InvalidInput(detail string) *Error { return New(KindInvalidInput, detail) }
func Corrupt(detail string) *Error      { return New(KindCorrupt, detail) }
func Io(err error) *Error               { return Wrap(KindIo, "io error", err) }
func Cancelled(detail string) *Error    { return New(KindCancelled, detail) }
func Timeout(detail string) *Error      { return New(KindTimeout, detail) }

// KindOf reports the Kind of err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func IsNotFound(err error) bool     { return Is(err, KindNotFound) }
func IsInvalidInput(err error) bool { return Is(err, KindInvalidInput) }
func IsCorrupt(err error) bool      { return Is(err, KindCorrupt) }
func IsCancelled(err error) bool    { return Is(err, KindCancelled) }
func IsTimeout(err error) bool      { return Is(err, KindTimeout) }
