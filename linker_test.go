package relay

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinker_GetParked(t *testing.T) {
	l := NewLinker(nil)
	peer, _ := newTestPeer(t, 10)

	l.Handle(peer)
	assert.Equal(t, 1, l.Len())

	got, err := l.Get(context.Background(), 10)
	require.NoError(t, err)
	assert.Same(t, peer, got)
	assert.Zero(t, l.Len())
}

func TestLinker_GetWaits(t *testing.T) {
	l := NewLinker(&mockLogger{})
	peer, _ := newTestPeer(t, 11)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Handle(peer)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := l.Get(ctx, 11)
	require.NoError(t, err)
	assert.Same(t, peer, got)
	assert.Zero(t, l.Len())
}

func TestLinker_GetTimeout(t *testing.T) {
	l := NewLinker(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.Get(ctx, 12)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, l.Len())

	// A late peer is parked, not lost.
	peer, _ := newTestPeer(t, 12)
	l.Handle(peer)
	assert.Equal(t, 1, l.Len())
}

func TestLinker_GetAlreadyAwaited(t *testing.T) {
	l := NewLinker(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := l.Get(ctx, 13)
		done <- err
	}()
	<-started

	require.Eventually(t, func() bool { return l.Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err := l.Get(context.Background(), 13)
	assert.Error(t, err)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Get to return")
	}
}

func TestLinker_HandleReplacesParked(t *testing.T) {
	l := NewLinker(&mockLogger{})
	first, _ := newTestPeer(t, 14)
	second, _ := newTestPeer(t, 14)

	l.Handle(first)
	l.Handle(second)

	assert.True(t, first.IsClosed())
	assert.Equal(t, 1, l.Len())

	got, err := l.Get(context.Background(), 14)
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestLinker_Close(t *testing.T) {
	l := NewLinker(nil)
	a, _ := newTestPeer(t, 15)
	b, _ := newTestPeer(t, 16)
	l.Handle(a)
	l.Handle(b)

	l.Close()

	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())
	assert.Zero(t, l.Len())
}

func TestLinker_WithServer(t *testing.T) {
	l := NewLinker(nil)
	server := startTestServer(t, l)

	ch, err := Connect(server.Addr().String(), time.Second, PidOption(17))
	require.NoError(t, err)
	defer ch.Close()
	go func() { _ = ch.Serve(context.Background(), echoHandler) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := l.Get(ctx, 17)
	require.NoError(t, err)
	defer peer.Close()

	resp, err := peer.RoundTrip(ctx, []byte(`{"name":"Ada"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Ada"}`, string(resp))
}
