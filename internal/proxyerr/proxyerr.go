package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindMalformedRequest  Kind = "malformed_request"
	KindValidation        Kind = "validation_error"
	KindCredential        Kind = "credential_error"
	KindBackendTransport  Kind = "backend_transport_error"
	KindStreamInterrupted Kind = "stream_interrupted"
	KindConfig            Kind = "config_error"
	KindRateLimited       Kind = "rate_limited"
)

// Error is the single error type surfaced by the pipeline. Stage names the
// processor, backend or component that produced it.
type Error struct {
	Kind      Kind
	Stage     string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the kind to the status returned when the error occurs
// before any response byte has been written.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMalformedRequest:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCredential, KindBackendTransport, KindStreamInterrupted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, stage, msg string) *Error {
	return &Error{Kind: kind, Stage: stage, Message: msg}
}

func Wrap(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func Malformed(format string, args ...any) *Error {
	return &Error{Kind: KindMalformedRequest, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
