package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	ErrorMethodNotAllowed    ErrorKind = "METHOD_NOT_ALLOWED"
	ErrorBadRequest          ErrorKind = "BAD_REQUEST"
	ErrorConfiguration       ErrorKind = "CONFIGURATION_ERROR"
	ErrorProvider            ErrorKind = "PROVIDER_ERROR"
	ErrorProviderTimeout     ErrorKind = "PROVIDER_TIMEOUT"
	ErrorProviderUnavailable ErrorKind = "PROVIDER_UNAVAILABLE"
	ErrorUnexpected          ErrorKind = "UNEXPECTED_ERROR"
)

const (
	msgMethodNotAllowed    = "Method not allowed"
	msgMessageRequired     = "Message is required"
	msgMessageOrImage      = "Message or image is required"
	msgMessageTooLong      = "Message is too long"
	msgUnsupportedImage    = "Image must be a data URI or an http(s) URL"
	msgAPIKeyMissing       = "API key not configured"
	msgProviderError       = "Mistral API error"
	msgProviderTimeout     = "Mistral API request timed out"
	msgProviderUnavailable = "Mistral API unreachable"
	msgUnexpected          = "Internal server error"
)

// Error is the single failure type of the gateway. Status is the HTTP status
// the caller receives, Message and Details fill the error envelope.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s %d (%s)", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("usecase: %s %d (%s): %v", e.Kind, e.Status, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind ErrorKind, status int, message, details string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Details: details, Err: err}
}

func NewMethodNotAllowed(method string) *Error {
	return newError(ErrorMethodNotAllowed, http.StatusMethodNotAllowed, msgMethodNotAllowed, "", fmt.Errorf("method %q", method))
}

func NewBadRequest(message, details string, err error) *Error {
	return newError(ErrorBadRequest, http.StatusBadRequest, message, details, err)
}

// NewUnexpected wraps an unclassified fault; its description becomes the message.
func NewUnexpected(err error) *Error {
	msg := msgUnexpected
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return newError(ErrorUnexpected, http.StatusInternalServerError, msg, "", err)
}

// AsError returns err as *Error, classifying anything else as unexpected.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e
	}
	return NewUnexpected(err)
}
