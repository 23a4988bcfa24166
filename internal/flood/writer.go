package flood

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/dalnet/rulebot/internal/errs"
	"github.com/dalnet/rulebot/internal/metric"
)

// ErrWriterClosed is returned for lines submitted after Close or abandoned
// when the drain deadline passes.
var ErrWriterClosed = errors.New("flood writer closed")

// Writer is the single path for outbound lines. Lines leave in submission
// order; a caller waiting for a token never blocks other callers from
// queueing behind it.
type Writer struct {
	out    io.Writer
	bucket *Bucket
	queue  chan *request
	log    *slog.Logger
	now    func() time.Time

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	cancelMu  sync.Mutex
	cancel    context.CancelFunc

	waitLog rate.Sometimes
	metrics *writerMetrics
}

type request struct {
	line   []byte
	result chan error
}

type writerMetrics struct {
	sent   prometheus.Counter
	waits  prometheus.Histogram
	failed prometheus.Counter
}

// Option configures a Writer.
type Option func(*Writer)

func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

// WithClock replaces time.Now for bucket accounting.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithQueueSize sets how many lines may wait before Send blocks.
func WithQueueSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan *request, n)
		}
	}
}

func WithMetrics(reg *metric.Registry) Option {
	return func(w *Writer) {
		if reg == nil {
			return
		}
		w.metrics = &writerMetrics{
			sent:   reg.Counter("writer", "lines_sent_total", "Lines written to the connection."),
			failed: reg.Counter("writer", "write_errors_total", "Lines that failed to write."),
			waits: reg.Histogram("writer", "flood_wait_seconds", "Delay imposed by flood control.",
				[]float64{0.1, 0.5, 0.7, 1, 1.5, 2, 5}),
		}
	}
}

func NewWriter(out io.Writer, p Params, opts ...Option) *Writer {
	w := &Writer{
		out:     out,
		bucket:  NewBucket(p),
		queue:   make(chan *request, 64),
		log:     slog.Default(),
		now:     time.Now,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		waitLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "flood")
	return w
}

// Run writes queued lines until ctx is cancelled or Close has drained the
// queue.
func (w *Writer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()
	defer cancel()
	defer close(w.done)

	for {
		select {
		case req := <-w.queue:
			w.write(ctx, req)
		case <-w.closing:
			for {
				if ctx.Err() != nil {
					w.abandon()
					return ctx.Err()
				}
				select {
				case req := <-w.queue:
					w.write(ctx, req)
				default:
					return nil
				}
			}
		case <-ctx.Done():
			w.abandon()
			return ctx.Err()
		}
	}
}

// Send queues a serialized line and waits until it has been written.
func (w *Writer) Send(ctx context.Context, line []byte) error {
	req := &request{line: line, result: make(chan error, 1)}

	select {
	case <-w.closing:
		return ErrWriterClosed
	default:
	}

	select {
	case w.queue <- req:
	case <-w.closing:
		return ErrWriterClosed
	case <-w.done:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-w.done:
		select {
		case err := <-req.result:
			return err
		default:
			return ErrWriterClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting lines and waits for the queue to drain. When ctx
// expires first, remaining lines are abandoned; a line already past the
// flood gate still completes its write.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.closing) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.cancelMu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		w.cancelMu.Unlock()
		<-w.done
		return ctx.Err()
	}
}

// Done is closed when Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) write(ctx context.Context, req *request) {
	length := len(bytes.TrimRight(req.line, "\r\n"))
	if wait := w.bucket.Take(w.now(), length); wait > 0 {
		if w.metrics != nil {
			w.metrics.waits.Observe(wait.Seconds())
		}
		w.waitLog.Do(func() {
			w.log.Debug("flood control delaying output", "wait", wait, "queued", len(w.queue))
		})
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			req.result <- ErrWriterClosed
			return
		}
	}

	if _, err := w.out.Write(req.line); err != nil {
		if w.metrics != nil {
			w.metrics.failed.Inc()
		}
		req.result <- errs.WrapTransport(err, "Writer", "write", "write line")
		return
	}
	if w.metrics != nil {
		w.metrics.sent.Inc()
	}
	req.result <- nil
}

func (w *Writer) abandon() {
	for {
		select {
		case req := <-w.queue:
			req.result <- ErrWriterClosed
		default:
			return
		}
	}
}
