package relay

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHandler implements Handler interface for testing
type mockHandler struct {
	mu       sync.Mutex
	peers    []*Peer
	handleCh chan *Peer
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		handleCh: make(chan *Peer, 10),
	}
}

func (h *mockHandler) Handle(peer *Peer) {
	h.mu.Lock()
	h.peers = append(h.peers, peer)
	h.mu.Unlock()

	select {
	case h.handleCh <- peer:
	default:
	}
}

func (h *mockHandler) getPeers() []*Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers
}

func (h *mockHandler) wait(t *testing.T) *Peer {
	t.Helper()

	select {
	case peer := <-h.handleCh:
		t.Cleanup(func() { _ = peer.Close() })
		return peer
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for peer")
		return nil
	}
}

// startTestServer runs a server until the test ends.
func startTestServer(t *testing.T, handler Handler, opts ...ServerOption) *Server {
	t.Helper()

	server, err := Listen(testSocketPath(t), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, handler)
	}()

	t.Cleanup(func() {
		cancel()
		_ = server.Close()
		<-done
	})
	return server
}

func echoHandler(_ context.Context, req []byte) ([]byte, error) {
	return req, nil
}

func TestListen(t *testing.T) {
	path := testSocketPath(t)
	server, err := Listen(path)
	require.NoError(t, err)
	defer server.Close()

	require.NotNil(t, server.listener)
	assert.Equal(t, path, server.Addr().String())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode().Type())
}

func TestListen_RemovesStaleSocket(t *testing.T) {
	path := testSocketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	server, err := Listen(path)
	require.NoError(t, err)
	defer server.Close()
}

func TestListen_InvalidPath(t *testing.T) {
	path := filepath.Join(testSocketPath(t), "missing", "s.sock")

	_, err := Listen(path)
	assert.Error(t, err)
}

func TestServer_Close(t *testing.T) {
	path := testSocketPath(t)
	server, err := Listen(path)
	require.NoError(t, err)

	require.NoError(t, server.Close())

	_, err = net.Dial("unix", path)
	assert.Error(t, err)
}

func TestServer_Serve(t *testing.T) {
	handler := newMockHandler()
	server := startTestServer(t, handler)

	ch, err := Connect(server.Addr().String(), time.Second, PidOption(4242))
	require.NoError(t, err)
	defer ch.Close()
	go func() { _ = ch.Serve(context.Background(), echoHandler) }()

	peer := handler.wait(t)
	assert.Equal(t, Pid(4242), peer.PID())
	assert.NotEmpty(t, peer.ID())

	resp, err := peer.RoundTrip(context.Background(), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(resp))
}

func TestServer_Serve_DecimalIdentity(t *testing.T) {
	handler := newMockHandler()
	server := startTestServer(t, handler, ServerIdentityEncodingOption(IdentityDecimal))

	ch, err := Connect(server.Addr().String(), time.Second,
		PidOption(99), IdentityEncodingOption(IdentityDecimal))
	require.NoError(t, err)
	defer ch.Close()

	peer := handler.wait(t)
	assert.Equal(t, Pid(99), peer.PID())
}

func TestServer_Serve_HeaderIdentity(t *testing.T) {
	handler := newMockHandler()
	server := startTestServer(t, handler, ServerIdentityEncodingOption(IdentityHeader))

	ch, err := Connect(server.Addr().String(), time.Second,
		PidOption(42), IdentityEncodingOption(IdentityHeader))
	require.NoError(t, err)
	defer ch.Close()
	go func() { _ = ch.Serve(context.Background(), echoHandler) }()

	peer := handler.wait(t)
	assert.Equal(t, Pid(42), peer.PID())

	// The stream stays aligned after a payload-less identity frame.
	resp, err := peer.RoundTrip(context.Background(), []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, "after", string(resp))
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	handler := newMockHandler()
	server := startTestServer(t, handler)

	const n = 5
	for i := 1; i <= n; i++ {
		ch, err := Connect(server.Addr().String(), time.Second, PidOption(Pid(i)))
		require.NoError(t, err)
		defer ch.Close()
	}

	seen := make(map[Pid]bool)
	for i := 0; i < n; i++ {
		seen[handler.wait(t).PID()] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, handler.getPeers(), n)
}

func TestServer_Serve_RejectsNonIdentity(t *testing.T) {
	handler := newMockHandler()
	server := startTestServer(t, handler)

	conn, err := net.Dial("unix", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteMessage(conn, Message{Type: Request, Payload: []byte("hi")}))

	// The server drops the connection without handing it over. The unread
	// payload may surface as a reset rather than a clean EOF.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	assert.Zero(t, n)
	require.Error(t, err)
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection was not dropped")
	assert.Empty(t, handler.getPeers())
}

func TestServer_Serve_RejectsMalformedIdentity(t *testing.T) {
	handler := newMockHandler()
	server := startTestServer(t, handler)

	conn, err := net.Dial("unix", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteMessage(conn, Message{Type: Identity, Payload: []byte{1, 2}}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
	assert.Empty(t, handler.getPeers())
}

func TestServer_Serve_HandshakeTimeout(t *testing.T) {
	handler := newMockHandler()
	server := startTestServer(t, handler, HandshakeTimeoutOption(50*time.Millisecond))

	conn, err := net.Dial("unix", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
	assert.Empty(t, handler.getPeers())
}

func TestServer_Serve_ContextCanceled(t *testing.T) {
	server, err := Listen(testSocketPath(t))
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, newMockHandler())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_CloseBypassesShutdownTimeout(t *testing.T) {
	server, err := Listen(testSocketPath(t), ServerShutdownTimeoutOption(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, newMockHandler())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not bypass the shutdown timeout")
	}
}
