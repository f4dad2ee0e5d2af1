// Package gateway exposes the worker pool over HTTP.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zereker/relay"
	"github.com/Zereker/relay/internal/hello"
)

const shutdownTimeout = 5 * time.Second

// Executor runs one request on a worker.
type Executor interface {
	Exec(ctx context.Context, request []byte) ([]byte, error)
}

// Gateway is the HTTP front end of the pool.
type Gateway struct {
	router *httprouter.Router
	exec   Executor
	logger relay.Logger
}

// New creates a gateway that runs requests on exec and serves metrics from
// gatherer. A nil logger selects slog.Default().
func New(exec Executor, gatherer prometheus.Gatherer, logger relay.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		router: httprouter.New(),
		exec:   exec,
		logger: logger,
	}

	g.router.GET("/hello/:name", g.handleHello)
	g.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) handleHello(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	request, err := hello.EncodeRequest(ps.ByName("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response, err := g.exec.Exec(r.Context(), request)
	if err != nil {
		g.logger.Error("exec failed", "path", r.URL.Path, "error", err)
		http.Error(w, "worker unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

// ListenAndServe serves the gateway on addr until ctx is canceled, then
// shuts down gracefully.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return g.Serve(ctx, ln)
}

// Serve is like ListenAndServe on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("http shutdown", "error", err)
		}
	})
	defer stop()

	g.logger.Info("http listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve http")
	}
	return nil
}
