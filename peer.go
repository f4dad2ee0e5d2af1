package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Peer is the supervisor end of one worker connection, available after the
// worker has identified itself.
type Peer struct {
	id      string
	pid     Pid
	rawConn *net.UnixConn
	logger  Logger

	maxReadLength uint64

	mu     sync.Mutex // one request in flight
	closed atomic.Bool
}

// handshake reads the Identity frame from a freshly accepted connection.
// The read deadline is cleared again on success.
func handshake(conn *net.UnixConn, timeout time.Duration, enc IdentityEncoding) (Pid, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, errors.Wrap(err, "set handshake deadline")
		}
	}

	pid, err := ReadIdentity(conn, enc)
	if err != nil {
		return 0, err
	}

	if err = conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, errors.Wrap(err, "clear handshake deadline")
	}
	return pid, nil
}

func newPeer(conn *net.UnixConn, pid Pid, logger Logger, maxReadLength uint64) *Peer {
	return &Peer{
		id:            uuid.NewString(),
		pid:           pid,
		rawConn:       conn,
		logger:        logger,
		maxReadLength: maxReadLength,
	}
}

// ID returns a unique identifier for this connection, for log correlation.
func (p *Peer) ID() string {
	return p.id
}

// PID returns the pid the worker announced.
func (p *Peer) PID() Pid {
	return p.pid
}

// RoundTrip sends request as a Request frame and waits for the matching
// Response. Calls are serialized. Canceling ctx closes the peer.
//
// Any failure leaves the stream in an unknown state, so the peer is closed
// before the error is returned.
func (p *Peer) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrChannelClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = p.Close()
	})
	defer stop()

	if err := WriteMessage(p.rawConn, Message{Type: Request, Payload: request}); err != nil {
		_ = p.Close()
		return nil, p.contextError(ctx, err)
	}

	response, err := readExpected(p.rawConn, Response, p.maxReadLength)
	if err != nil {
		_ = p.Close()
		return nil, p.contextError(ctx, err)
	}

	return response, nil
}

func (p *Peer) contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "round trip to pid %d", p.pid)
	}
	return err
}

// Close closes the connection. Safe to call multiple times.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Debug("peer closed", "peer", p.id, "pid", p.pid)
	return p.rawConn.Close()
}

// IsClosed returns true if the peer has been closed.
func (p *Peer) IsClosed() bool {
	return p.closed.Load()
}
