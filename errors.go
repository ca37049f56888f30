package realtime

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a failure in the realtime core. It carries the channel
// context (if applicable), an HTTP-like status code, and whether the error is
// temporary (retryable on the next scheduled cycle).
type Error struct {
	ChannelName string      `json:"channelName,omitempty"`
	Message     string      `json:"message"`
	Code        int         `json:"code"`
	Temporary   bool        `json:"temporary"`
	Details     interface{} `json:"details,omitempty"`
	cause       error
}

func (e *Error) Error() string {
	if e.ChannelName != "" {
		return fmt.Sprintf("Error in Channel %s: %s (code: %d)", e.ChannelName, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsNotFound reports whether err is a channel-not-found error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == StatusNotFound
}

// IsRateLimited reports whether err is a rate-limiting response.
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == StatusTooManyRequests
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			ChannelName: e.ChannelName,
			Message:     fmt.Sprintf("%s: %s", message, e.Message),
			Code:        e.Code,
			Temporary:   e.Temporary,
			Details:     e.Details,
			cause:       e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusBadRequest,
		ChannelName: channelName,
		Temporary:   false,
	}
}

func notFound(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusNotFound,
		ChannelName: channelName,
		Temporary:   false,
	}
}

func conflict(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusConflict,
		ChannelName: channelName,
		Temporary:   false,
	}
}

func rateLimited(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusTooManyRequests,
		ChannelName: channelName,
		Temporary:   true,
	}
}

func internal(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusInternalServerError,
		ChannelName: channelName,
		Temporary:   false,
	}
}

func unavailable(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusServiceUnavailable,
		ChannelName: channelName,
		Temporary:   true,
	}
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {

	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}
