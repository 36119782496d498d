package client

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for operations on a connection, pool or client
	// that has been closed.
	ErrClosed = errors.New("connection closed")

	// ErrTransport matches every *TransportError via errors.Is.
	ErrTransport = errors.New("transport error")

	// ErrSubscribed is returned, without contacting the server, when a
	// command other than (P)(UN)SUBSCRIBE, PING or QUIT is issued on a
	// connection in subscribed mode.
	ErrSubscribed = errors.New("only (P)(UN)SUBSCRIBE, PING and QUIT are allowed in subscribed mode")

	// ErrPoolExhausted is returned when no connection became available
	// before the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	ErrPoolClosed = errors.New("connection pool closed")

	// ErrTxState is returned when a transaction operation is not legal in
	// the transaction's current state.
	ErrTxState = errors.New("invalid transaction state")

	// ErrTxCommand is returned for MULTI, EXEC, DISCARD and WATCH sent as
	// ordinary commands through a Tx, use its methods instead.
	ErrTxCommand = errors.New("transaction control commands must go through the Tx methods")

	// ErrListenerClosed is returned by Listener.Next once the listener has
	// been closed by its owner.
	ErrListenerClosed = errors.New("listener closed")

	// ErrUnexpectedReply is returned when a reply does not have the shape
	// its command guarantees.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// TransportError wraps a failure of the underlying stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
