package server

import (
	"errors"
	"net/http"

	"github.com/dgellow/sso-relay/internal/idp"
)

var (
	// ErrInvalidInput means the request body is malformed or lacks a
	// required field. The client must retry with corrected input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized means the identity provider rejected the credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpstreamFailure means the identity provider could not be reached or
	// answered with an unexpected failure.
	ErrUpstreamFailure = errors.New("upstream failure")
)

// inputError is an ErrInvalidInput carrying the message shown to the client.
type inputError struct {
	message string
	cause   error
}

func invalidInput(message string, cause error) error {
	return &inputError{message: message, cause: cause}
}

func (e *inputError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *inputError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrInvalidInput, e.cause}
	}
	return []error{ErrInvalidInput}
}

// clientMessage returns the error text safe to send back to the caller.
func clientMessage(err error) string {
	var in *inputError
	switch {
	case errors.As(err, &in):
		return in.message
	case errors.Is(err, ErrUnauthorized):
		return msgInvalidSession
	default:
		return "Internal server error"
	}
}

// classify maps a provider error onto the relay's error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, idp.ErrRejected):
		return ErrUnauthorized
	default:
		return ErrUpstreamFailure
	}
}

// statusFor returns the HTTP status a classified error maps to on endpoints
// that surface errors.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
