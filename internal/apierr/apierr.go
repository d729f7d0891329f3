// Package apierr defines the gateway's error taxonomy. Every failure on the
// request path is classified into one of these kinds so that handlers can map
// it to an HTTP status and a stable error code without inspecting strings.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindInvalidAPIKey
	KindUnknownProvider
	KindUnknownModel
	KindUpstreamStatus
	KindUpstreamUnreachable
	KindUpstreamDecode
	KindClientDisconnected
)

// Error carries a kind, a stable wire code, and the HTTP status to report.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// InvalidRequest reports a malformed or incomplete client body (HTTP 400).
func InvalidRequest(format string, args ...any) *Error {
	return &Error{
		Kind:    KindInvalidRequest,
		Status:  http.StatusBadRequest,
		Code:    "invalid_request",
		Message: fmt.Sprintf(format, args...),
	}
}

// InvalidAPIKey reports a missing, unknown, or disabled key (HTTP 401).
func InvalidAPIKey(message string) *Error {
	return &Error{
		Kind:    KindInvalidAPIKey,
		Status:  http.StatusUnauthorized,
		Code:    "invalid_api_key",
		Message: message,
	}
}

// UnknownProvider reports a route target referencing an unconfigured provider.
func UnknownProvider(providerID string) *Error {
	return &Error{
		Kind:    KindUnknownProvider,
		Status:  http.StatusBadRequest,
		Code:    "unknown_provider",
		Message: fmt.Sprintf("provider %q is not configured", providerID),
	}
}

// UnknownModel reports a model with no route and no applicable default.
func UnknownModel(model string) *Error {
	return &Error{
		Kind:    KindUnknownModel,
		Status:  http.StatusBadRequest,
		Code:    "unknown_model",
		Message: fmt.Sprintf("no route for model %q", model),
	}
}

// UpstreamStatus mirrors an upstream HTTP error status back to the client.
func UpstreamStatus(status int, message string) *Error {
	return &Error{
		Kind:    KindUpstreamStatus,
		Status:  status,
		Code:    "upstream_error",
		Message: message,
	}
}

// UpstreamUnreachable reports a network failure before upstream headers (502).
func UpstreamUnreachable(err error) *Error {
	return &Error{
		Kind:    KindUpstreamUnreachable,
		Status:  http.StatusBadGateway,
		Code:    "upstream_unreachable",
		Message: "upstream request failed",
		cause:   err,
	}
}

// UpstreamDecode reports an unparseable upstream body after headers (502).
func UpstreamDecode(err error) *Error {
	return &Error{
		Kind:    KindUpstreamDecode,
		Status:  http.StatusBadGateway,
		Code:    "upstream_decode",
		Message: "upstream response could not be decoded",
		cause:   err,
	}
}

// ClientDisconnected marks a request whose client went away mid-flight. No
// response is written; the log record still gets finalized.
func ClientDisconnected() *Error {
	return &Error{
		Kind:    KindClientDisconnected,
		Status:  499,
		Code:    "client_closed",
		Message: "client closed",
	}
}

// Internal reports an unreachable state (HTTP 500).
func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Code:    "internal_error",
		Message: "internal gateway error",
		cause:   err,
	}
}

// FromError returns err as *Error, wrapping unknown errors as internal.
func FromError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}
