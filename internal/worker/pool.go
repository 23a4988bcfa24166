// Package worker runs queued work items on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dalnet/rulebot/internal/metric"
)

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)

// Pool processes values of type T with a bounded queue.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	drop      func(T)

	ctx     context.Context
	work    chan T
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	metrics *poolMetrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	processed  *prometheus.CounterVec
	rejected   prometheus.Counter
	duration   prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers pool metrics under the given service name.
func WithMetrics[T any](reg *metric.Registry, service string) Option[T] {
	return func(p *Pool[T]) {
		if reg == nil {
			return
		}
		p.metrics = &poolMetrics{
			queueDepth: reg.Gauge(service, "queue_depth", "Work items waiting for a worker."),
			processed:  reg.CounterVec(service, "processed_total", "Work items processed.", "status"),
			rejected:   reg.Counter(service, "rejected_total", "Work items rejected because the queue was full."),
			duration: reg.Histogram(service, "processing_duration_seconds", "Time spent processing one item.",
				[]float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}),
		}
	}
}

// WithDropHook is called for every queued item abandoned because the pool's
// context ended before a worker took it.
func WithDropHook[T any](fn func(T)) Option[T] {
	return func(p *Pool[T]) { p.drop = fn }
}

// NewPool creates a pool. Zero workers or queue size fall back to defaults.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Cancelling ctx makes workers exit after their
// current item; whatever is still queued goes to the drop hook.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	ctx = p.ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Submit queues work without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped || p.ctx.Err() != nil {
		return ErrPoolStopped
	}
	select {
	case p.work <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(len(p.work)))
		}
		return nil
	default:
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.rejected.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for queued and running work
// to finish. On timeout the workers' context is cancelled and ErrStopTimeout
// is returned; items still queued go to the drop hook.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		p.cancel()
		return ErrStopTimeout
	}
}

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Workers    int
	QueueSize  int
	QueueDepth int
	Submitted  int64
	Processed  int64
	Failed     int64
	Rejected   int64
	Dropped    int64
}

func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.work),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			p.abandon()
			return
		}
		select {
		case <-ctx.Done():
			p.abandon()
			return
		case work, ok := <-p.work:
			if !ok {
				return
			}
			start := time.Now()
			err := p.processor(ctx, work)

			p.processed.Add(1)
			status := "success"
			if err != nil {
				p.failed.Add(1)
				status = "error"
			}
			if p.metrics != nil {
				p.metrics.processed.WithLabelValues(status).Inc()
				p.metrics.duration.Observe(time.Since(start).Seconds())
				p.metrics.queueDepth.Set(float64(len(p.work)))
			}
		}
	}
}

// abandon empties the queue without processing it.
func (p *Pool[T]) abandon() {
	for {
		select {
		case work, ok := <-p.work:
			if !ok {
				return
			}
			p.dropped.Add(1)
			if p.drop != nil {
				p.drop(work)
			}
		default:
			return
		}
	}
}
