package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/relay/internal/hello"
)

// executorFunc adapts a function to Executor.
type executorFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f executorFunc) Exec(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

func newTestGateway(exec Executor) (*Gateway, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return New(exec, reg, nil), reg
}

func TestGateway_Hello(t *testing.T) {
	var got []byte
	g, _ := newTestGateway(executorFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		got = req
		return hello.Handle(ctx, req)
	}))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello/Ada", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"hello":"Ada"}`, rec.Body.String())
	assert.Equal(t, `{"name":"Ada"}`, string(got))
}

func TestGateway_HelloExecError(t *testing.T) {
	g, _ := newTestGateway(executorFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("no live workers")
	}))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello/Ada", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGateway_NotFound(t *testing.T) {
	g, _ := newTestGateway(executorFunc(func(context.Context, []byte) ([]byte, error) {
		t.Fatal("executor must not be called")
		return nil, nil
	}))

	for _, path := range []string{"/", "/hello", "/hello/a/b", "/other"} {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestGateway_Metrics(t *testing.T) {
	g, reg := newTestGateway(executorFunc(hello.Handle))

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_test_total 1")
}

func TestGateway_Serve(t *testing.T) {
	g, _ := newTestGateway(executorFunc(hello.Handle))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/hello/Grace")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"Grace"}`, string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}
