package protocol

import "fmt"

// Error codes used in res frames and close reasons. The numeric space is
// shared by every peer kind.
const (
	CodeNotConnected        = 101
	CodeUnsupportedProtocol = 102
	CodeInvalidClient       = 103
	CodeBadParams           = 400
	CodeAuth                = 401
	CodeForbidden           = 403
	CodeNotFound            = 404
	CodeConflict            = 409
	CodeInternal            = 500
	CodeNotImplemented      = 501
	CodeUnavailable         = 503
	CodeTimeout             = 504
)

// Error is the structured error carried in a failed res frame. It
// implements error so handlers can return it directly.
type Error struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Errf builds a protocol error with a formatted message.
func Errf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any handler error into a protocol error, wrapping
// unexpected failures as internal errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
