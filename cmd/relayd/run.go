package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/relay"
	"github.com/Zereker/relay/gateway"
	"github.com/Zereker/relay/internal/logging"
	"github.com/Zereker/relay/pool"
)

func run(ctx context.Context, cfg config) error {
	zl, err := logging.New(logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir, File: "relayd.log"})
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := relay.NewZapLogger(zl)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := relay.Listen(cfg.Socket,
		relay.ServerLoggerOption(logger),
		relay.HandshakeTimeoutOption(cfg.HandshakeTimeout),
		relay.ServerIdentityEncodingOption(cfg.Identity),
		relay.ServerMessageMaxSize(cfg.MaxPayload),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	linker := relay.NewLinker(logger)
	defer linker.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(gctx, linker); err != nil && gctx.Err() == nil {
			return errors.Wrap(err, "relay server")
		}
		return nil
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	workers, err := pool.New(gctx, pool.Config{
		Socket:      cfg.Socket,
		Command:     cfg.Worker,
		Size:        cfg.Workers,
		LinkTimeout: cfg.LinkTimeout,
		StopGrace:   cfg.StopGrace,
	}, linker,
		pool.LoggerOption(logger),
		pool.MetricsOption(pool.NewMetrics(reg)),
	)
	if err != nil {
		_ = server.Close()
		_ = g.Wait()
		return err
	}

	gw := gateway.New(workers, reg, logger)
	g.Go(func() error {
		return gw.ListenAndServe(gctx, cfg.HTTPListen)
	})
	g.Go(func() error {
		<-gctx.Done()
		return workers.Close()
	})

	zl.Info("relayd started",
		zap.String("socket", cfg.Socket),
		zap.String("http", cfg.HTTPListen),
		zap.Int("workers", cfg.Workers),
		zap.Stringer("identity", cfg.Identity),
	)

	if err = g.Wait(); err != nil {
		zl.Error("relayd stopped", zap.String("error", err.Error()))
		return err
	}
	zl.Info("relayd stopped")
	return nil
}
