package sfu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicecore/internal/clock"
	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

const DefaultDeathDelay = 2 * time.Second

var ErrPoolClosed = errors.New("worker pool closed")

type PoolOption func(*Pool)

func WithClock(c clock.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// WithDeathDelay sets how long the pool waits after a worker death before
// terminating the process.
func WithDeathDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.deathDelay = d }
}

// WithFatalHandler replaces the process exit on worker death.
func WithFatalHandler(f func(error)) PoolOption {
	return func(p *Pool) { p.fatal = f }
}

// Pool owns a fixed set of workers and spreads routers across them
// round-robin. A dead worker takes the whole process down.
type Pool struct {
	size       int
	factory    WorkerFactory
	clock      clock.Clock
	deathDelay time.Duration
	fatal      func(error)
	logger     zerolog.Logger

	mu      sync.Mutex
	workers []core.Worker
	next    int
	closed  bool
	dying   bool
	timer   *clock.Timer
	done    chan struct{}
}

// NewPool creates a pool of size workers; size <= 0 means one per CPU.
// Workers start on first use or on Start.
func NewPool(size int, factory WorkerFactory, opts ...PoolOption) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:       size,
		factory:    factory,
		clock:      clock.Real(),
		deathDelay: DefaultDeathDelay,
		logger:     log.With().Str("module", "sfu.pool").Logger(),
		done:       make(chan struct{}),
	}
	p.fatal = func(err error) {
		p.logger.Fatal().Err(err).Msg("media worker died, exiting")
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) Size() int { return p.size }

// Start launches every worker. It is a no-op once started.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked(ctx)
}

func (p *Pool) startLocked(ctx context.Context) error {
	if p.closed {
		return ErrPoolClosed
	}
	if len(p.workers) > 0 {
		return nil
	}
	workers := make([]core.Worker, 0, p.size)
	for i := 0; i < p.size; i++ {
		w, err := p.factory(ctx, i)
		if err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}
	p.workers = workers
	for _, w := range workers {
		go p.watch(w)
	}
	p.logger.Info().Int("workers", len(workers)).Msg("worker pool started")
	return nil
}

// CreateRouter creates a router on the next worker in round-robin order.
func (p *Pool) CreateRouter(ctx context.Context, opts core.RouterOptions) (core.Router, error) {
	p.mu.Lock()
	if err := p.startLocked(ctx); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	p.mu.Unlock()

	r, err := w.CreateRouter(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create router on worker %d: %w", w.ID(), err)
	}
	p.logger.Debug().Int("worker", w.ID()).Str("room", string(opts.Room)).Str("router", r.ID()).Msg("router assigned")
	return r, nil
}

// Workers returns the started workers.
func (p *Pool) Workers() []core.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Worker(nil), p.workers...)
}

func (p *Pool) watch(w core.Worker) {
	select {
	case err := <-w.Died():
		p.workerDied(w, err)
	case <-p.done:
	}
}

func (p *Pool) workerDied(w core.Worker, err error) {
	if err == nil {
		err = domain.ErrWorkerDied
	}
	p.mu.Lock()
	if p.closed || p.dying {
		p.mu.Unlock()
		return
	}
	p.dying = true
	p.mu.Unlock()

	p.logger.Error().Err(err).Int("worker", w.ID()).Dur("delay", p.deathDelay).Msg("media worker died, terminating process")
	timer := p.clock.AfterFunc(p.deathDelay, func() {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		p.fatal(err)
	})

	p.mu.Lock()
	p.timer = timer
	p.mu.Unlock()
}

// Close closes every worker in parallel; their routers go with them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	if p.timer != nil {
		p.timer.Stop()
	}
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(w.Close)
	}
	err := g.Wait()
	p.logger.Info().Err(err).Msg("worker pool closed")
	return err
}
