// Package apperror defines the tagged error kinds shared across the
// server. Every boundary (HTTP handler, session message handler,
// component setup/shutdown) converts raw errors into one of these kinds
// before it crosses the boundary.
package apperror

import "fmt"

// Kind is a stable string tag identifying a class of failure. Kinds are
// part of the wire/log contract — never rename one in place.
type Kind string

const (
	KindRequest             Kind = "requestError"
	KindServerConfiguration Kind = "serverConfigurationError"
	KindServerAuthCommit    Kind = "serverAuthCommitFailed"
	KindMissingAuthRecord   Kind = "serverMissingAuthRecord"
	KindNoRecord            Kind = "noRecordError"
	KindInvalidRecord       Kind = "invalidRecordError"
	KindInvalidToken        Kind = "invalidTokenError"
	KindAuthenticationFail  Kind = "authenticationFailed"
	KindFailed              Kind = "failed"
	KindServerError         Kind = "serverError"
	KindNotFound            Kind = "notFound"
)

// Error is the concrete error type carrying a Kind and a human-readable
// reason. Callers that need the kind use errors.As / As.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a reason string.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an Error of the given kind carrying an underlying cause.
func Wrap(kind Kind, cause error) *Error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if err == nil {
		return nil, false
	}
	if ae, ok := err.(*Error); ok {
		return ae, true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return As(u.Unwrap())
	}
	_ = e
	return nil, false
}

// KindOf returns the kind of err, or KindServerError if err is not a
// classified *Error. Used at HTTP/session boundaries that must always
// emit a known tag.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindServerError
}

// String returns the kind's wire/log tag. The Kind-to-HTTP-status mapping
// lives in the httpapi package.
func (k Kind) String() string { return string(k) }
