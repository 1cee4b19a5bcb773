// Package kernelerr defines the closed set of syscall failure kinds
// returned by the dispatcher and the packages beneath it.
package kernelerr

import "fmt"

// Kind is a closed enum of syscall-result error classes. Every syscall
// that fails returns one of these, never a bare error string, so callers
// can switch on it without string matching.
type Kind int

const (
	// KindNone is the zero value and never appears on a failed result.
	KindNone Kind = iota
	KindCapabilityDenied
	KindQuotaExceeded
	KindTokenExpired
	KindTokenRevoked
	KindNotFound
	KindAlreadyExists
	KindInvalidState
	KindMailboxFull
	KindMailboxEmpty
	KindPayloadTooLarge
	KindOutOfMemory
	KindHandleNotReady
	KindHandleCancelled
	KindDeadlineExceeded
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCapabilityDenied:
		return "capability_denied"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindTokenExpired:
		return "token_expired"
	case KindTokenRevoked:
		return "token_revoked"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalidState:
		return "invalid_state"
	case KindMailboxFull:
		return "mailbox_full"
	case KindMailboxEmpty:
		return "mailbox_empty"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindHandleNotReady:
		return "handle_not_ready"
	case KindHandleCancelled:
		return "handle_cancelled"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from an error, returning KindInternal for any
// error that did not originate from this package.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ke *Error
	if as(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}

func as(err error, target **Error) bool {
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
