// Package worker provides a generic worker pool. A pool with one worker
// processes items strictly in submission order.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/metric"
)

// Pool processes work items of type T on a fixed set of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry metric.MetricsRegistrar
	metricsPrefix   string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	processed      *prometheus.CounterVec
	dropped        prometheus.Counter
	processingTime prometheus.Histogram
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix
func WithMetricsRegistry[T any](registry metric.MetricsRegistrar, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool creates a worker pool. Non-positive workers or queueSize take
// defaults of 1 and 1000.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, errors.WrapInvalid(ErrNilProcessor, "Pool", "NewPool", "processor check")
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1000
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		m, err := newPoolMetrics(p.metricsRegistry, p.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "Pool", "NewPool", "metrics registration")
		}
		p.metrics = m
	}
	return p, nil
}

func newPoolMetrics(reg metric.MetricsRegistrar, prefix string) (*poolMetrics, error) {
	labels := prometheus.Labels{"pool": prefix}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorlink", Subsystem: "worker", Name: "queue_depth",
			ConstLabels: labels, Help: "Current worker pool queue depth",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink", Subsystem: "worker", Name: "processed_total",
			ConstLabels: labels, Help: "Work items processed by status",
		}, []string{"status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink", Subsystem: "worker", Name: "dropped_total",
			ConstLabels: labels, Help: "Work items rejected because the queue was full",
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sensorlink", Subsystem: "worker", Name: "processing_duration_seconds",
			ConstLabels: labels, Help: "Time spent processing work items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
	}

	if err := reg.RegisterGauge(prefix, "worker_queue_depth", m.queueDepth); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec(prefix, "worker_processed_total", m.processed); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounter(prefix, "worker_dropped_total", m.dropped); err != nil {
		return nil, err
	}
	if err := reg.RegisterHistogram(prefix, "worker_processing_duration_seconds", m.processingTime); err != nil {
		return nil, err
	}
	return m, nil
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Submit enqueues work without blocking. Returns ErrQueueFull if the queue
// is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkRunning(); err != nil {
		return err
	}
	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait enqueues work, waiting for queue space until ctx is done
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkRunning(); err != nil {
		return err
	}
	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) checkRunning() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) accepted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Stop closes the queue and waits up to timeout for queued work to finish
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
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
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
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
				p.metrics.processingTime.Observe(time.Since(start).Seconds())
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
			}
		}
	}
}
