package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by channel and codec operations.
var (
	// ErrUnexpectedType is returned when a well-formed frame carries a type
	// the receiver did not expect at this point of the exchange.
	ErrUnexpectedType = errors.New("unexpected message type")
	// ErrInvalidType is returned when a header carries a type outside the
	// MessageType enumeration.
	ErrInvalidType = errors.New("invalid message type")
	// ErrPayloadTooLarge is returned when a header declares a payload larger
	// than the configured maximum.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidIdentity is returned when an identity payload does not match
	// the agreed IdentityEncoding.
	ErrInvalidIdentity = errors.New("invalid identity payload")
)

// ErrChannelClosed is returned when operating on a closed channel or peer.
var ErrChannelClosed = errors.New("channel closed")

// ConnectionError reports a failure to establish the socket connection.
type ConnectionError struct {
	Path string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Path, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReadError reports a short or failed read. ReceiveRequest treats it as the
// end of the stream.
type ReadError struct {
	Op  string // "header" or "payload"
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ProtocolError reports a frame that was read completely but cannot be
// accepted. It is fatal for the connection.
type ProtocolError struct {
	Type   MessageType
	Reason error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (type %s): %v", e.Type, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Reason }

// WriteError reports a short or failed write. A partial frame desynchronizes
// the stream, so it is fatal for the connection.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
