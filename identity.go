package relay

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxIdentityLength bounds the Identity payload; a decimal uint32 needs 10 bytes.
const maxIdentityLength = 32

// Pid is the process identifier a worker announces in its Identity frame.
type Pid = uint32

// IdentityEncoding is the byte encoding of the Identity payload. Both ends
// of a connection must be configured with the same value.
type IdentityEncoding int

const (
	// IdentityUint32 encodes the pid as 4 bytes, big-endian.
	IdentityUint32 IdentityEncoding = iota
	// IdentityDecimal encodes the pid as an ASCII decimal string.
	IdentityDecimal
	// IdentityHeader carries the pid in the header's length field and sends
	// no payload.
	IdentityHeader
)

func (e IdentityEncoding) String() string {
	switch e {
	case IdentityUint32:
		return "uint32"
	case IdentityDecimal:
		return "decimal"
	case IdentityHeader:
		return "header"
	default:
		return "unknown"
	}
}

// ParseIdentityEncoding maps "uint32", "decimal" or "header" to an
// IdentityEncoding.
func ParseIdentityEncoding(s string) (IdentityEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint32", "":
		return IdentityUint32, nil
	case "decimal":
		return IdentityDecimal, nil
	case "header":
		return IdentityHeader, nil
	default:
		return 0, errors.Errorf("unknown identity encoding %q (expected uint32, decimal or header)", s)
	}
}

// Encode returns the identity payload for pid. IdentityHeader has no
// payload and yields an empty slice.
func (e IdentityEncoding) Encode(pid Pid) []byte {
	switch e {
	case IdentityDecimal:
		return []byte(strconv.FormatUint(uint64(pid), 10))
	case IdentityHeader:
		return []byte{}
	}

	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, pid)
	return b
}

// Decode parses an identity payload. Payloads that do not match the encoding
// fail with a *ProtocolError wrapping ErrInvalidIdentity.
func (e IdentityEncoding) Decode(p []byte) (Pid, error) {
	invalid := func(format string, args ...any) error {
		return &ProtocolError{Type: Identity, Reason: errors.Wrapf(ErrInvalidIdentity, format, args...)}
	}

	if e == IdentityHeader {
		return 0, invalid("header identity carries no payload")
	}

	if e == IdentityDecimal {
		if len(p) == 0 {
			return 0, invalid("empty decimal pid")
		}
		pid, err := strconv.ParseUint(string(p), 10, 32)
		if err != nil {
			return 0, invalid("decimal pid %q", p)
		}
		return Pid(pid), nil
	}

	if len(p) != 4 {
		return 0, invalid("uint32 pid has %d bytes", len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}

// WriteIdentity writes the Identity frame announcing pid.
func WriteIdentity(w io.Writer, e IdentityEncoding, pid Pid) error {
	if e != IdentityHeader {
		return WriteMessage(w, Message{Type: Identity, Payload: e.Encode(pid)})
	}

	hb := EncodeHeader(Header{Type: Identity, Length: uint64(pid)})
	n, err := w.Write(hb[:])
	if err != nil {
		return &WriteError{Op: Identity.String(), Err: err}
	}
	if n != HeaderLen {
		return &WriteError{Op: Identity.String(), Err: io.ErrShortWrite}
	}
	return nil
}

// ReadIdentity reads one Identity frame and returns the announced pid.
// Payloads longer than maxIdentityLength are rejected.
func ReadIdentity(r io.Reader, e IdentityEncoding) (Pid, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return 0, err
	}
	if h.Type != Identity {
		return 0, &ProtocolError{
			Type:   h.Type,
			Reason: errors.Wrapf(ErrUnexpectedType, "expected %s", Identity),
		}
	}

	if e == IdentityHeader {
		if h.Length > math.MaxUint32 {
			return 0, &ProtocolError{
				Type:   Identity,
				Reason: errors.Wrapf(ErrInvalidIdentity, "pid %d out of range", h.Length),
			}
		}
		return Pid(h.Length), nil
	}

	payload, err := readPayload(r, h, maxIdentityLength)
	if err != nil {
		return 0, err
	}
	return e.Decode(payload)
}

// currentPid returns the pid of this process.
func currentPid() Pid {
	return Pid(os.Getpid())
}
