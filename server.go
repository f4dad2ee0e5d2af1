package relay

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

// Handler receives workers that completed the identity handshake.
// Handle runs on the server's handshake pool and should return quickly;
// the handler owns the peer from then on.
type Handler interface {
	Handle(peer *Peer)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(peer *Peer)

// Handle calls f(peer).
func (f HandlerFunc) Handle(peer *Peer) {
	f(peer)
}

// Server accepts worker connections on a Unix domain socket.
type Server struct {
	listener *net.UnixListener
	path     string
	logger   Logger

	shutdownTimeout  time.Duration
	handshakeTimeout time.Duration
	handshakeWorkers int
	identity         IdentityEncoding
	maxReadLength    uint64

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and the peers it creates.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// HandshakeTimeoutOption sets how long a new connection may take to send its
// Identity frame. Zero disables the limit.
func HandshakeTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.handshakeTimeout = timeout
	}
}

// HandshakeWorkersOption bounds the number of handshakes running at once.
func HandshakeWorkersOption(n int) ServerOption {
	return func(s *Server) {
		s.handshakeWorkers = n
	}
}

// ServerIdentityEncodingOption sets the expected Identity payload encoding.
func ServerIdentityEncodingOption(e IdentityEncoding) ServerOption {
	return func(s *Server) {
		s.identity = e
	}
}

// ServerMessageMaxSize sets the maximum Response payload accepted from peers.
func ServerMessageMaxSize(size uint64) ServerOption {
	return func(s *Server) {
		s.maxReadLength = size
	}
}

// Listen creates a server bound to socketPath. A stale socket file left by a
// previous run is removed first.
func Listen(socketPath string, opts ...ServerOption) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale socket %s", socketPath)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", socketPath)
	}

	s := &Server{
		listener:         listener,
		path:             socketPath,
		logger:           defaultLogger(),
		handshakeTimeout: defaultHandshakeTimeout,
		handshakeWorkers: defaultHandshakeWorkers,
		maxReadLength:    defaultMaxPackageLength,
		shutdownNow:      make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.handshakeWorkers <= 0 {
		s.handshakeWorkers = defaultHandshakeWorkers
	}

	return s, nil
}

// Serve accepts connections, performs the identity handshake on each and
// passes the resulting peers to handler. Connections that fail the handshake
// are closed.
//
// It blocks until the context is canceled, Close is called, or accepting
// fails. If ServerShutdownTimeoutOption is set, cancellation waits up to that
// duration before the listener stops; Close bypasses the wait.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	pool, err := ants.NewPool(s.handshakeWorkers)
	if err != nil {
		return errors.Wrap(err, "create handshake pool")
	}
	defer pool.Release()

	s.logger.Info("server started", "addr", s.path,
		"handshake_timeout", s.handshakeTimeout,
		"identity", s.identity)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			case <-done:
				return
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if s.isShutdown() {
				s.logger.Info("server stopped", "addr", s.path)
				return ctx.Err()
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "addr", s.path)
		if err = pool.Submit(func() { s.handshake(conn, handler) }); err != nil {
			s.logger.Error("handshake dispatch failed", "error", err)
			_ = conn.Close()
		}
	}
}

func (s *Server) handshake(conn *net.UnixConn, handler Handler) {
	pid, err := handshake(conn, s.handshakeTimeout, s.identity)
	if err != nil {
		s.logger.Warn("handshake failed", "addr", s.path, "error", err)
		_ = conn.Close()
		return
	}

	peer := newPeer(conn, pid, s.logger, s.maxReadLength)
	s.logger.Debug("peer identified", "peer", peer.ID(), "pid", pid)
	handler.Handle(peer)
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Close stops the server by closing the underlying listener, which also
// removes the socket file. Peers already handed out stay open.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
		// Channel already has a signal or no one is listening
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
