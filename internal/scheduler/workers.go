package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// WorkerPool runs CPU-bound decode work on a fixed set of goroutines.
// Network fetches never run here.
type WorkerPool struct {
	size int
	jobs chan job
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	busy atomic.Int32
	log  zerolog.Logger

	duration prometheus.Histogram
}

type job struct {
	ctx    context.Context
	fn     func() error
	result chan error
}

// WorkerStats holds worker pool statistics
type WorkerStats struct {
	Size int `json:"size"`
	Busy int `json:"busy"`
}

// NewWorkerPool starts size workers. A size below one is treated as one.
func NewWorkerPool(size int, logger zerolog.Logger, reg prometheus.Registerer) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{
		size: size,
		jobs: make(chan job),
		done: make(chan struct{}),
		log:  logger.With().Str("component", "workers").Logger(),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "viewer",
			Subsystem: "workers",
			Name:      "decode_duration_seconds",
			Help:      "Time spent decoding retrieved payloads.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- err
				continue
			}
			p.busy.Add(1)
			start := time.Now()
			err := p.safeRun(j.fn)
			p.duration.Observe(time.Since(start).Seconds())
			p.busy.Add(-1)
			j.result <- err
		case <-p.done:
			return
		}
	}
}

func (p *WorkerPool) safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("Decode panicked")
			err = fmt.Errorf("decode panicked: %v", r)
		}
	}()
	return fn()
}

// Do runs fn on a worker and waits for it. If ctx ends first Do returns
// ctx.Err() and fn, if already started, runs to completion unobserved.
func (p *WorkerPool) Do(ctx context.Context, fn func() error) error {
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// Decode runs a decode function on the pool and returns its value
func Decode[T any](ctx context.Context, p *WorkerPool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerStats {
	return WorkerStats{Size: p.size, Busy: int(p.busy.Load())}
}

// Close stops the workers after their current job
func (p *WorkerPool) Close() error {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
	return nil
}
