// ABOUTME: Error taxonomy for remote workflow service failures.
// ABOUTME: Classifies transport and service errors and translates them to user-facing categories.

package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the delivery layer should react to it.
type Kind int

const (
	// KindUnknown is the zero value for errors that predate classification.
	KindUnknown Kind = iota
	// KindNetwork covers connection-level failures before any response arrived.
	KindNetwork
	// KindTimeout covers deadline expiry on an in-flight request.
	KindTimeout
	// KindConversationInvalid covers the service reporting the conversation id
	// as unknown. The caller clears the local id and retries as a fresh
	// conversation.
	KindConversationInvalid
	// KindRemoteTransient covers 5xx, 408 and 429 responses that are worth
	// retrying with backoff.
	KindRemoteTransient
	// KindRemoteRejected covers other 4xx responses that will not succeed on
	// retry.
	KindRemoteRejected
	// KindStreamDecode covers failures while decoding a streaming body. The
	// caller falls back to a single blocking request.
	KindStreamDecode
	// KindPersistence covers durable-store failures. These are logged and
	// swallowed, never surfaced to the user.
	KindPersistence
)

// String returns a short name for the kind, used in log attributes.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindConversationInvalid:
		return "conversation_invalid"
	case KindRemoteTransient:
		return "remote_transient"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindStreamDecode:
		return "stream_decode"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is a classified failure from the delivery layer.
type Error struct {
	Kind    Kind
	Status  int // HTTP status when one was received, 0 otherwise
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a static message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithStatus creates a classified error carrying the HTTP status it came from.
func WithStatus(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the error is worth retrying with backoff.
// Conversation-invalid errors are retried too, but through the
// clear-and-restart path rather than plain backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindRemoteTransient
}

// Category is the user-facing translation of a failure. The presentation
// layer maps each category to a message and the two corrective actions
// (retry last message, start a new conversation).
type Category string

const (
	CategoryConnectivity Category = "connectivity"
	CategoryTimeout      Category = "timeout"
	CategoryServer       Category = "server"
	CategoryAuth         Category = "auth"
	CategoryNotFound     Category = "not_found"
	CategoryGeneric      Category = "generic"
)

// Translate maps a classified error to its user-facing category.
func Translate(err error) Category {
	var e *Error
	if !errors.As(err, &e) {
		return CategoryGeneric
	}
	switch e.Kind {
	case KindNetwork:
		return CategoryConnectivity
	case KindTimeout:
		return CategoryTimeout
	case KindRemoteTransient:
		return CategoryServer
	case KindConversationInvalid:
		return CategoryNotFound
	case KindRemoteRejected:
		switch e.Status {
		case 401, 403:
			return CategoryAuth
		case 404:
			return CategoryNotFound
		default:
			return CategoryGeneric
		}
	default:
		return CategoryGeneric
	}
}
