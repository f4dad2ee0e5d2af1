// Package relay implements a small framing protocol between a supervising
// process and long-lived worker processes connected over Unix domain sockets.
//
// Every frame is a 1-byte message type, an 8-byte big-endian payload length
// and the payload. A worker connects, announces its pid in an Identity frame,
// then answers Request frames with Response frames until the supervisor
// closes the socket.
package relay

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// RequestHandler computes the response payload for one request payload.
type RequestHandler func(ctx context.Context, request []byte) ([]byte, error)

// Channel is the worker end of a relay connection.
// It owns the socket from construction until Close, and supports one
// outstanding read and one outstanding write at a time.
type Channel struct {
	rawConn *net.UnixConn
	path    string
	logger  Logger

	opts options

	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Connect dials the supervisor at socketPath and performs the identity
// handshake. connectTimeout bounds only the dial; reads and writes on the
// returned channel never time out. A zero timeout waits indefinitely.
//
// Dial and handshake failures are reported as *ConnectionError.
func Connect(socketPath string, connectTimeout time.Duration, opt ...Option) (*Channel, error) {
	ctx := context.Background()
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	return ConnectContext(ctx, socketPath, opt...)
}

// ConnectContext is like Connect but bounds the dial with ctx.
func ConnectContext(ctx context.Context, socketPath string, opt ...Option) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, &ConnectionError{Path: socketPath, Err: err}
	}

	c, err := NewChannel(conn.(*net.UnixConn), opt...)
	if err != nil {
		return nil, &ConnectionError{Path: socketPath, Err: err}
	}
	return c, nil
}

// NewChannel wraps an established connection and sends the Identity frame
// before returning. The connection is closed if the handshake fails.
func NewChannel(conn *net.UnixConn, opt ...Option) (*Channel, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	c := newChannelWithOptions(conn, opts)
	if err := c.sendIdentity(); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "send identity")
	}

	c.logger.Info("connection established", "addr", c.path,
		"pid", opts.pid, "identity", opts.identity)
	c.logger.Debug("connection options", "addr", c.path,
		"max_read_length", opts.maxReadLength)
	return c, nil
}

// newChannelWithOptions creates a new Channel with the given options.
func newChannelWithOptions(conn *net.UnixConn, opts options) *Channel {
	var path string
	if addr := conn.RemoteAddr(); addr != nil {
		path = addr.String()
	}

	return &Channel{
		rawConn: conn,
		path:    path,
		logger:  opts.logger,
		opts:    opts,
	}
}

func (c *Channel) sendIdentity() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return WriteIdentity(c.rawConn, c.opts.identity, c.opts.pid)
}

// ReceiveRequest blocks until the next Request frame arrives and returns its
// payload. An empty payload is returned as a non-nil empty slice.
//
// When the stream ends or a read comes up short, ReceiveRequest closes the
// channel and returns io.EOF. Any other frame type, or a payload above the
// configured maximum, yields a *ProtocolError and also closes the channel.
//
// A closed channel is at the end of its stream: later calls return io.EOF.
func (c *Channel) ReceiveRequest() ([]byte, error) {
	if c.closed.Load() {
		return nil, io.EOF
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	payload, err := readExpected(c.rawConn, Request, c.opts.maxReadLength)
	if err != nil {
		_ = c.Close()

		var readErr *ReadError
		if errors.As(err, &readErr) {
			c.logger.Debug("end of stream", "addr", c.path, "error", err)
			return nil, io.EOF
		}

		c.logger.Error("receive failed", "addr", c.path, "error", err)
		return nil, err
	}

	return payload, nil
}

// SendResponse writes one Response frame carrying payload. Header and payload
// are written under a single lock so concurrent callers never interleave.
// A failed or short write closes the channel and returns a *WriteError.
func (c *Channel) SendResponse(payload []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := WriteMessage(c.rawConn, Message{Type: Response, Payload: payload}); err != nil {
		c.logger.Debug("write error", "addr", c.path, "error", err)
		_ = c.Close()
		return err
	}
	return nil
}

// Serve runs the worker loop: receive a request, pass it to handler, send
// the result back. It returns nil when the supervisor closes the stream.
// Canceling ctx closes the socket, which unblocks a pending read, and Serve
// returns ctx.Err(). The channel is closed when Serve returns.
func (c *Channel) Serve(ctx context.Context, handler RequestHandler) error {
	defer c.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	for {
		request, err := c.ReceiveRequest()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		response, err := handler(ctx, request)
		if err != nil {
			return errors.Wrap(err, "handle request")
		}

		if err = c.SendResponse(response); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Close releases the socket. Safe to call multiple times and from any
// goroutine; a blocked ReceiveRequest returns io.EOF.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	err := c.rawConn.Close()
	c.logger.Info("connection closed", "addr", c.path)
	return err
}

// IsClosed returns true if the channel has been closed.
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the supervisor's socket address.
func (c *Channel) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// PID returns the identity announced in the handshake.
func (c *Channel) PID() Pid {
	return c.opts.pid
}
