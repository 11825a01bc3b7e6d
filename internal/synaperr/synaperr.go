// Package synaperr defines the error-kind taxonomy shared by every engine so
// that the transport boundary can map one consistent vocabulary to
// protocol-specific status codes instead of inspecting ad-hoc error strings.
package synaperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the language-independent error categories engines surface.
type Kind string

const (
	// NotFound indicates a key, queue, room, or event is missing.
	NotFound Kind = "not_found"
	// AlreadyExists indicates an NX/XX/RENAMENX conflict.
	AlreadyExists Kind = "already_exists"
	// WrongType indicates an operation applied to an incompatible value.
	WrongType Kind = "wrong_type"
	// QueueFull indicates a publish beyond max_depth.
	QueueFull Kind = "queue_full"
	// UnknownMessage indicates an ACK/NACK of an id not in inflight.
	UnknownMessage Kind = "unknown_message"
	// InvalidArgument indicates a malformed request, e.g. negative TTL.
	InvalidArgument Kind = "invalid_argument"
	// OffsetTruncated indicates a requested offset below the retained window.
	OffsetTruncated Kind = "offset_truncated"
	// ReplicationBehind indicates a replica cursor below master retention.
	ReplicationBehind Kind = "replication_behind"
	// ChecksumMismatch indicates WAL/snapshot/replication frame corruption.
	ChecksumMismatch Kind = "checksum_mismatch"
	// DurabilityFailed indicates a WAL write/fsync I/O error.
	DurabilityFailed Kind = "durability_failed"
	// Cancelled indicates the operation was cancelled by the caller.
	Cancelled Kind = "cancelled"
	// Overloaded indicates backpressure from a bounded channel.
	Overloaded Kind = "overloaded"
)

// Error wraps a Kind with a human-readable message and optional cause so the
// core never emits transport-specific errors (spec §6.5).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that carries cause as context.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err (or any error in its chain) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to InvalidArgument when err
// does not carry a synaperr.Error in its chain (callers at the boundary are
// expected to always construct typed errors; this fallback only protects
// against a future engine forgetting to do so).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InvalidArgument
}
