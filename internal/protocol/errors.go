package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation matches every *ProtocolError via errors.Is.
	ErrProtocolViolation   = errors.New("protocol: violation")
	ErrMessageTypeMismatch = errors.New("protocol: message type mismatch")
	ErrInvalidField        = errors.New("protocol: invalid field")
)

// Error codes carried by the error event.
const (
	ErrorInvalidObject uint32 = 0
	ErrorRole          uint32 = 1
	ErrorInvalidMethod uint32 = 2
)

func ErrorCodeName(code uint32) string {
	switch code {
	case ErrorInvalidObject:
		return "invalid_object"
	case ErrorRole:
		return "role"
	case ErrorInvalidMethod:
		return "invalid_method"
	default:
		return fmt.Sprintf("code(%d)", code)
	}
}

// ProtocolError is a fatal, connection-scoped violation. The authority sends
// it as an error event and drops the connection; the peer receives it the same way.
type ProtocolError struct {
	ObjectID uint32
	Code     uint32
	Message  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf(
		"protocol: violation object=%d code=%s: %s",
		e.ObjectID,
		ErrorCodeName(e.Code),
		e.Message,
	)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Event converts e into the error event sent to the peer.
func (e *ProtocolError) Event() Error {
	return Error{ObjectID: e.ObjectID, Code: e.Code, Reason: e.Message}
}

// Violation builds a ProtocolError with a formatted message.
func Violation(objectID, code uint32, format string, args ...any) *ProtocolError {
	return &ProtocolError{ObjectID: objectID, Code: code, Message: fmt.Sprintf(format, args...)}
}
