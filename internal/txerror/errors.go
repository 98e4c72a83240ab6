// Package txerror defines the error kinds a proxied terminology call can
// fail with and how each is reported to the caller as a FHIR
// OperationOutcome.
//
// Errors follow the project convention: a structured *Error carrying a
// Kind, wrapped causes reachable through Unwrap, and errors.Is matching by
// kind against the exported sentinels.
package txerror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
)

// Kind classifies a proxy failure.
type Kind int

const (
	// KindInternal is an unexpected failure inside the proxy.
	KindInternal Kind = iota
	// KindUpstreamUnreachable means every candidate failed transiently.
	KindUpstreamUnreachable
	// KindNoRoute means no upstream claims the key and no default exists.
	KindNoRoute
	// KindSessionConflict means a closure session is bound to an upstream
	// that can no longer serve it.
	KindSessionConflict
	// KindSessionBusy means the closure session lock was not acquired in time.
	KindSessionBusy
	// KindBadRequest means the request could not be parsed.
	KindBadRequest
	// KindUnsupportedOperation means the operation is not proxied.
	KindUnsupportedOperation
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindUpstreamUnreachable:
		return "upstream_unreachable"
	case KindNoRoute:
		return "no_route"
	case KindSessionConflict:
		return "session_conflict"
	case KindSessionBusy:
		return "session_busy"
	case KindBadRequest:
		return "bad_request"
	case KindUnsupportedOperation:
		return "unsupported_operation"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is checks; they match any *Error of the same kind.
var (
	ErrUpstreamUnreachable  = &Error{Kind: KindUpstreamUnreachable}
	ErrNoRoute              = &Error{Kind: KindNoRoute}
	ErrSessionConflict      = &Error{Kind: KindSessionConflict}
	ErrSessionBusy          = &Error{Kind: KindSessionBusy}
	ErrBadRequest           = &Error{Kind: KindBadRequest}
	ErrUnsupportedOperation = &Error{Kind: KindUnsupportedOperation}
)

// Error is a classified proxy failure.
type Error struct {
	Kind     Kind
	Message  string
	Upstream string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Upstream != "" {
		msg = fmt.Sprintf("%s (upstream %s)", msg, e.Upstream)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// UpstreamUnreachable reports that every candidate failed.
func UpstreamUnreachable(tried []string, cause error) *Error {
	return &Error{
		Kind:    KindUpstreamUnreachable,
		Message: fmt.Sprintf("no upstream could serve the request (tried %v)", tried),
		Cause:   cause,
	}
}

// NoRoute reports that nothing serves key.
func NoRoute(operation, key string) *Error {
	if key == "" {
		return New(KindNoRoute, "no upstream configured for $%s requests without a system or url", operation)
	}
	return New(KindNoRoute, "no upstream serves %s for $%s", key, operation)
}

// SessionConflict reports that the bound upstream cannot serve the session.
func SessionConflict(session, upstream string) *Error {
	return &Error{
		Kind:     KindSessionConflict,
		Message:  fmt.Sprintf("closure session %q is bound to an upstream that is unreachable", session),
		Upstream: upstream,
	}
}

// KindOf returns the kind of err, or KindInternal if it is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Status returns the HTTP status reported for err.
func Status(err error) int {
	switch KindOf(err) {
	case KindUpstreamUnreachable:
		return http.StatusBadGateway
	case KindNoRoute:
		return http.StatusNotFound
	case KindSessionConflict:
		return http.StatusConflict
	case KindSessionBusy:
		return http.StatusServiceUnavailable
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnsupportedOperation:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Outcome renders err as an OperationOutcome.
func Outcome(err error) *r4.OperationOutcome {
	severity, code := fhir.SeverityError, fhir.IssueException
	switch KindOf(err) {
	case KindUpstreamUnreachable:
		severity, code = fhir.SeverityFatal, fhir.IssueTransient
	case KindNoRoute, KindUnsupportedOperation:
		code = fhir.IssueNotSupported
	case KindSessionConflict:
		code = fhir.IssueConflict
	case KindSessionBusy:
		code = fhir.IssueLockError
	case KindBadRequest:
		code = fhir.IssueInvalid
	default:
		severity = fhir.SeverityFatal
	}
	return fhir.NewOperationOutcome(severity, code, err.Error())
}
