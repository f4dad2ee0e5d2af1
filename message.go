package relay

import (
	"encoding/binary"
	"io"
	"math"
	"net"

	"github.com/pkg/errors"
)

// MessageType identifies the kind of frame on the wire.
type MessageType uint8

const (
	// Identity is the handshake frame a worker sends right after connecting.
	Identity MessageType = iota
	// Request carries one unit of work from the supervisor to a worker.
	Request
	// Response carries the result of a Request back to the supervisor.
	Response
)

// Valid reports whether t is a member of the enumeration.
func (t MessageType) Valid() bool {
	return t <= Response
}

func (t MessageType) String() string {
	switch t {
	case Identity:
		return "identity"
	case Request:
		return "request"
	case Response:
		return "response"
	default:
		return "unknown"
	}
}

// Header field widths. Changing the length field width only touches these.
const (
	TypeLen   = 1
	LengthLen = 8
	HeaderLen = TypeLen + LengthLen
)

// Header is the fixed 9-byte frame header: type followed by the big-endian
// payload length.
type Header struct {
	Type   MessageType
	Length uint64
}

// Message is one decoded frame.
type Message struct {
	Type    MessageType
	Payload []byte
}

// EncodeHeader returns the wire form of h.
func EncodeHeader(h Header) [HeaderLen]byte {
	var b [HeaderLen]byte
	b[0] = byte(h.Type)
	binary.BigEndian.PutUint64(b[TypeLen:], h.Length)
	return b
}

// DecodeHeader parses a wire header. It fails with a *ProtocolError when the
// type is not part of the enumeration.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, errors.Errorf("invalid header length: %d", len(b))
	}

	h := Header{
		Type:   MessageType(b[0]),
		Length: binary.BigEndian.Uint64(b[TypeLen:]),
	}
	if !h.Type.Valid() {
		return Header{}, &ProtocolError{Type: h.Type, Reason: ErrInvalidType}
	}
	return h, nil
}

// ReadHeader reads exactly HeaderLen bytes from r and decodes them. A stream
// that ends or fails first yields a *ReadError.
func ReadHeader(r io.Reader) (Header, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Header{}, &ReadError{Op: "header", Err: err}
	}
	return DecodeHeader(hb[:])
}

// readPayload reads the body announced by h into a fresh buffer.
func readPayload(r io.Reader, h Header, maxPayload uint64) ([]byte, error) {
	if (maxPayload > 0 && h.Length > maxPayload) || h.Length > math.MaxInt {
		return nil, &ProtocolError{
			Type:   h.Type,
			Reason: errors.Wrapf(ErrPayloadTooLarge, "declared %d bytes", h.Length),
		}
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &ReadError{Op: "payload", Err: err}
	}
	return payload, nil
}

// ReadMessage reads exactly one frame from r. A maxPayload of zero disables
// the size check.
//
// A stream that ends or fails before the header or the payload is complete
// yields a *ReadError. A complete header that cannot be accepted yields a
// *ProtocolError. The returned payload is freshly allocated.
func ReadMessage(r io.Reader, maxPayload uint64) (Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Message{}, err
	}

	payload, err := readPayload(r, h, maxPayload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: h.Type, Payload: payload}, nil
}

// readExpected reads one frame that must be of type want. The type is checked
// before the payload is read.
func readExpected(r io.Reader, want MessageType, maxPayload uint64) ([]byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	if h.Type != want {
		return nil, &ProtocolError{
			Type:   h.Type,
			Reason: errors.Wrapf(ErrUnexpectedType, "expected %s", want),
		}
	}
	return readPayload(r, h, maxPayload)
}

// WriteMessage writes m as a single frame. When w is a socket the header and
// payload go out in one vectored write.
func WriteMessage(w io.Writer, m Message) error {
	if !m.Type.Valid() {
		return &ProtocolError{Type: m.Type, Reason: ErrInvalidType}
	}

	hb := EncodeHeader(Header{Type: m.Type, Length: uint64(len(m.Payload))})
	bufs := net.Buffers{hb[:], m.Payload}
	want := int64(HeaderLen + len(m.Payload))

	n, err := bufs.WriteTo(w)
	if err != nil {
		return &WriteError{Op: m.Type.String(), Err: err}
	}
	if n != want {
		return &WriteError{Op: m.Type.String(), Err: io.ErrShortWrite}
	}
	return nil
}
