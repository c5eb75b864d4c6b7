package protocol

import (
	"errors"
	"fmt"
)

var ErrEmptyPayload = errors.New("empty payload")

// Code classifies an error reported on the error event.
type Code string

const (
	CodeMalformedIdentifier Code = "malformed_identifier"
	CodeInvalidParticipant  Code = "invalid_participant"
	CodeNotJoined           Code = "not_joined"
	CodeDocumentMismatch    Code = "document_mismatch"
	CodeBadPayload          Code = "bad_payload"
	CodeUnknownEvent        Code = "unknown_event"
	CodePersistenceFailure  Code = "persistence_failure"
	CodeTransportTransient  Code = "transport_transient"
	CodeTransportTerminal   Code = "transport_terminal"
	CodeInternal            Code = "internal"
)

// Error is the payload of the error event. Fatal errors end the affected
// join attempt or connection; the rest are warnings.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Errorf builds a non-fatal Error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts an *Error from err, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
