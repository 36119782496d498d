package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNeedMoreData is returned by Decode when the buffer does not yet hold
	// a complete frame. Nothing has been consumed.
	ErrNeedMoreData = errors.New("incomplete frame, need more data")

	// ErrProtocol matches every *ProtocolError via errors.Is.
	ErrProtocol = errors.New("protocol error")

	ErrEmptyCommand = errors.New("command must have at least one argument")
)

// ProtocolError describes a malformed frame.
type ProtocolError struct {
	Reason string
}

func newProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// ServerError is an error reply sent by the server. It is not a connection
// fault, the connection that received it remains usable.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Prefix returns the error code, the first word of the message (e.g. ERR,
// WRONGTYPE, EXECABORT).
func (e *ServerError) Prefix() string {
	if i := strings.IndexByte(e.Message, ' '); i >= 0 {
		return e.Message[:i]
	}

	return e.Message
}
