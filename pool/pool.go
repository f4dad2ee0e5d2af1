// Package pool runs a fixed set of worker processes behind a relay server
// and dispatches requests to whichever worker is idle.
package pool

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/relay"
)

const (
	defaultSize        = 4
	defaultLinkTimeout = 2 * time.Second
	defaultStopGrace   = time.Second
)

var (
	// ErrClosed is returned by Exec after Close.
	ErrClosed = errors.New("pool closed")
	// ErrNoWorkers is returned by Exec once every worker has been retired.
	ErrNoWorkers = errors.New("no live workers")
)

// Config describes the workers to start.
type Config struct {
	Socket      string        // socket path passed to every worker
	Command     []string      // worker command line, socket path appended
	Size        int           // number of workers, default 4
	LinkTimeout time.Duration // how long a worker may take to connect, default 2s
	StopGrace   time.Duration // wait for a worker to exit on its own before killing it, default 1s
}

func (c *Config) setDefaults() {
	if c.Size <= 0 {
		c.Size = defaultSize
	}
	if c.LinkTimeout <= 0 {
		c.LinkTimeout = defaultLinkTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
}

// Option configures a Static pool.
type Option func(*Static)

// LoggerOption sets the pool logger. Defaults to slog.Default().
func LoggerOption(logger relay.Logger) Option {
	return func(p *Static) {
		p.logger = logger
	}
}

// MetricsOption enables metrics.
func MetricsOption(m *Metrics) Option {
	return func(p *Static) {
		p.metrics = m
	}
}

// SpawnerOption replaces the command spawner built from Config.Command.
func SpawnerOption(s Spawner) Option {
	return func(p *Static) {
		p.spawner = s
	}
}

type worker struct {
	proc Process
	peer *relay.Peer
}

// stop closes the connection, which asks the worker to exit, and kills it
// if it is still running after grace.
func (w *worker) stop(grace time.Duration) error {
	if w.peer != nil {
		_ = w.peer.Close()
	}

	exited := make(chan struct{})
	go func() {
		_ = w.proc.Wait()
		close(exited)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
	}

	if err := w.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "kill worker pid %d", w.proc.Pid())
	}
	<-exited
	return nil
}

// Static is a fixed-size worker pool. Workers that fail are retired, not
// replaced.
type Static struct {
	cfg     Config
	spawner Spawner
	linker  *relay.Linker
	logger  relay.Logger
	metrics *Metrics

	idle    chan *worker
	closing chan struct{}
	closed  atomic.Bool
	live    atomic.Int32

	drained     chan struct{} // closed when the last worker is retired
	drainedOnce sync.Once

	mu      sync.Mutex
	workers map[relay.Pid]*worker
}

// New starts cfg.Size workers concurrently and waits for every one of them
// to link through linker, which must be serving cfg.Socket. If any worker
// fails to start or link, the others are stopped and New fails.
func New(ctx context.Context, cfg Config, linker *relay.Linker, opts ...Option) (*Static, error) {
	cfg.setDefaults()

	p := &Static{
		cfg:     cfg,
		linker:  linker,
		workers: make(map[relay.Pid]*worker, cfg.Size),
		idle:    make(chan *worker, cfg.Size),
		closing: make(chan struct{}),
		drained: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.spawner == nil {
		if len(cfg.Command) == 0 {
			return nil, errors.New("pool: no worker command configured")
		}
		p.spawner = &CommandSpawner{Command: cfg.Command, Stdout: os.Stdout, Stderr: os.Stderr}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Size; i++ {
		g.Go(func() error {
			w, err := p.start(gctx)
			if err != nil {
				return err
			}
			p.add(w)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = p.Close()
		return nil, errors.Wrap(err, "start workers")
	}

	p.logger.Info("pool started", "workers", cfg.Size, "socket", cfg.Socket)
	return p, nil
}

func (p *Static) start(ctx context.Context) (*worker, error) {
	proc, err := p.spawner.Spawn(ctx, p.cfg.Socket)
	if err != nil {
		return nil, errors.Wrap(err, "spawn worker")
	}

	linkCtx, cancel := context.WithTimeout(ctx, p.cfg.LinkTimeout)
	defer cancel()

	peer, err := p.linker.Get(linkCtx, proc.Pid())
	if err != nil {
		w := &worker{proc: proc}
		_ = w.stop(0)
		return nil, errors.Wrapf(err, "link worker pid %d", proc.Pid())
	}

	p.logger.Debug("worker linked", "pid", proc.Pid(), "peer", peer.ID())
	return &worker{proc: proc, peer: peer}, nil
}

func (p *Static) add(w *worker) {
	p.mu.Lock()
	p.workers[w.proc.Pid()] = w
	p.mu.Unlock()

	p.live.Add(1)
	p.release(w)
}

// Exec sends request to an idle worker and returns its response. It blocks
// until a worker is idle or ctx ends, and fails with ErrNoWorkers once every
// worker has been retired. A worker whose round trip fails is retired.
//
// Canceling ctx abandons the response but not the round trip: the worker
// goes back to the idle set when it answers.
func (p *Static) Exec(ctx context.Context, request []byte) ([]byte, error) {
	start := time.Now()

	if p.closed.Load() {
		return nil, ErrClosed
	}
	if p.live.Load() == 0 {
		return nil, ErrNoWorkers
	}

	var w *worker
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		p.metrics.observe(outcomeCanceled, start)
		return nil, errors.Wrap(ctx.Err(), "wait for idle worker")
	case <-p.closing:
		return nil, ErrClosed
	case <-p.drained:
		return nil, ErrNoWorkers
	}
	p.metrics.setIdle(len(p.idle))

	type result struct {
		response []byte
		err      error
	}
	done := make(chan result, 1)

	go func() {
		response, err := w.peer.RoundTrip(context.WithoutCancel(ctx), request)
		if err != nil {
			p.retire(w, err)
		} else {
			p.release(w)
		}
		done <- result{response: response, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			p.metrics.observe(outcomeError, start)
			return nil, errors.Wrapf(r.err, "exec on worker pid %d", w.proc.Pid())
		}
		p.metrics.observe(outcomeOK, start)
		return r.response, nil
	case <-ctx.Done():
		p.metrics.observe(outcomeCanceled, start)
		return nil, errors.Wrapf(ctx.Err(), "wait for worker pid %d", w.proc.Pid())
	}
}

func (p *Static) release(w *worker) {
	p.idle <- w
	p.metrics.setIdle(len(p.idle))
}

func (p *Static) retire(w *worker, cause error) {
	p.mu.Lock()
	_, ok := p.workers[w.proc.Pid()]
	delete(p.workers, w.proc.Pid())
	p.mu.Unlock()
	if !ok {
		return
	}

	left := p.live.Add(-1)
	p.logger.Warn("retiring worker", "pid", w.proc.Pid(), "error", cause, "live", left)
	if left == 0 {
		p.drainedOnce.Do(func() { close(p.drained) })
	}

	go func() {
		if err := w.stop(0); err != nil {
			p.logger.Error("stop worker", "pid", w.proc.Pid(), "error", err)
		}
	}()
}

// Len returns the number of live workers.
func (p *Static) Len() int {
	return int(p.live.Load())
}

// Close stops every worker and waits for them to exit. Safe to call more
// than once.
func (p *Static) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.closing)

	p.mu.Lock()
	workers := p.workers
	p.workers = make(map[relay.Pid]*worker)
	p.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			return w.stop(p.cfg.StopGrace)
		})
	}
	err := g.Wait()

	p.live.Store(0)
	p.metrics.setIdle(0)
	p.logger.Info("pool stopped", "workers", len(workers))
	return err
}
