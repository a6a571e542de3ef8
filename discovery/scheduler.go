package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/metric"
	"github.com/c360/sensorlink/pkg/async"
	"github.com/c360/sensorlink/pkg/observable"
)

const eventBuffer = 64

// Scheduler multiplexes "find this address" requests onto one physical scan.
// It is the only component that touches the Scanner. One Run loop owns the
// cycle state; callers interact through the pending job map.
type Scheduler struct {
	cfg     Config
	scanner Scanner
	logger  *slog.Logger
	metrics *schedulerMetrics

	pending *observable.Map[string, *Job]
	state   *observable.Value[ScanState]
	nextID  atomic.Uint64
	running atomic.Bool

	metricsErr error
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers scheduler metrics with registry
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(s *Scheduler) {
		if registry == nil {
			return
		}
		s.metrics, s.metricsErr = newSchedulerMetrics(registry)
	}
}

// New creates a scheduler over scanner. Zero config fields take defaults.
func New(scanner Scanner, cfg Config, opts ...Option) (*Scheduler, error) {
	if scanner == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil scanner"), "Scheduler", "New", "scanner check")
	}
	def := DefaultConfig()
	if cfg.Backoff.InitialDelay <= 0 || cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = def.ScanTimeout
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = def.RetryCeiling
	}

	s := &Scheduler{
		cfg:     cfg,
		scanner: scanner,
		logger:  slog.Default(),
		pending: observable.NewMap[string, *Job](eventBuffer),
		state:   observable.NewValue(NotScanning),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metricsErr != nil {
		return nil, errors.Wrap(s.metricsErr, "Scheduler", "New", "metrics registration")
	}
	s.logger = s.logger.With("component", "discovery")
	return s, nil
}

// Request registers a job for addr. An existing job for the same address is
// replaced and fails with errors.ErrJobReplaced.
func (s *Scheduler) Request(addr string, retryAllowed bool) *Job {
	job := &Job{
		Address:      NormalizeAddress(addr),
		RetryAllowed: retryAllowed,
		Created:      time.Now(),
		id:           s.nextID.Add(1),
		result:       async.NewCompletion[Advertisement](),
	}

	if prev, replaced := s.pending.Set(job.Address, job); replaced {
		if prev.fail(errors.ErrJobReplaced) {
			s.metrics.jobFailed("replaced")
		}
	}
	s.metrics.setPending(s.pending.Len())
	s.logger.Debug("discovery requested", "address", job.Address, "retry_allowed", retryAllowed)
	return job
}

// Discover requests addr and waits for the result. Cancelling ctx withdraws
// only this job.
func (s *Scheduler) Discover(ctx context.Context, addr string, retryAllowed bool) (Advertisement, error) {
	job := s.Request(addr, retryAllowed)
	adv, err := job.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.withdraw(job, ctx.Err())
	}
	return adv, err
}

// Cancel withdraws the pending job for addr. Sibling jobs are unaffected.
func (s *Scheduler) Cancel(addr string) bool {
	job, ok := s.pending.Get(NormalizeAddress(addr))
	if !ok {
		return false
	}
	return s.withdraw(job, errors.ErrJobCancelled)
}

func (s *Scheduler) withdraw(job *Job, cause error) bool {
	if _, ok := s.pending.DeleteIf(job.Address, func(j *Job) bool { return j == job }); !ok {
		return false
	}
	job.fail(cause)
	s.metrics.jobFailed("cancelled")
	s.metrics.setPending(s.pending.Len())
	return true
}

// State returns the current scan state
func (s *Scheduler) State() ScanState {
	return s.state.Load()
}

// StateChanges subscribes to scan state transitions
func (s *Scheduler) StateChanges(buffer int) (<-chan ScanState, func()) {
	return s.state.Subscribe(buffer)
}

// Pending returns the addresses with outstanding jobs
func (s *Scheduler) Pending() []string {
	return s.pending.Keys()
}

func (s *Scheduler) setState(st ScanState) {
	if s.state.Store(st) {
		s.metrics.setState(st)
		s.logger.Debug("scan state changed", "state", st.String())
	}
}

// cycle is one physical scan. Fields other than done are written by the
// matcher or the run loop and read by the run loop after done fires.
type cycle struct {
	cancel    context.CancelFunc
	triggerID uint64
	matched   atomic.Bool
	emptied   atomic.Bool
	started   time.Time
	done      chan error
}

func (c *cycle) doneChan() <-chan error {
	if c == nil {
		return nil
	}
	return c.done
}

// Run owns the scan cycle until ctx is done. Jobs still pending on return
// fail with errors.ErrShuttingDown.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	defer s.running.Store(false)

	var (
		cur        *cycle
		timer      *time.Timer
		timerC     <-chan time.Time
		retryCount int
		diagC      <-chan time.Time
	)

	if s.cfg.DiagnosticInterval > 0 {
		ticker := time.NewTicker(s.cfg.DiagnosticInterval)
		defer ticker.Stop()
		diagC = ticker.C
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	arm := func() {
		stopTimer()
		timer = time.NewTimer(s.cfg.Backoff.Delay(retryCount))
		timerC = timer.C
		s.setState(Pending)
	}
	reconcile := func() {
		s.metrics.setPending(s.pending.Len())
		if s.pending.Len() == 0 {
			stopTimer()
			retryCount = 0
			if cur != nil {
				cur.emptied.Store(true)
				cur.cancel()
				return
			}
			s.setState(NotScanning)
			return
		}
		if cur == nil && timer == nil {
			arm()
		}
	}

	s.logger.Info("discovery scheduler started",
		"scan_timeout", s.cfg.ScanTimeout, "retry_ceiling", s.cfg.RetryCeiling)
	reconcile()

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			if cur != nil {
				cur.cancel()
				<-cur.done
			}
			for _, job := range s.pending.Clear() {
				job.fail(errors.ErrShuttingDown)
			}
			s.metrics.setPending(0)
			s.setState(NotScanning)
			s.logger.Info("discovery scheduler stopped")
			return ctx.Err()

		case <-s.pending.Events():
			reconcile()

		case <-timerC:
			timer, timerC = nil, nil
			if s.pending.Len() == 0 {
				s.setState(NotScanning)
				continue
			}
			cur = s.startCycle(ctx)

		case err := <-cur.doneChan():
			c := cur
			cur = nil
			if ctx.Err() != nil {
				continue
			}
			retryCount = s.endCycle(c, err, retryCount)
			if s.pending.Len() == 0 {
				retryCount = 0
				s.setState(NotScanning)
			} else {
				arm()
			}

		case <-diagC:
			s.logger.Debug("discovery status",
				"state", s.State().String(),
				"pending", s.pending.Len(),
				"retry", retryCount,
				"scanning", cur != nil,
				"dropped_events", s.pending.Dropped())
		}
	}
}

func (s *Scheduler) startCycle(ctx context.Context) *cycle {
	var trigger *Job
	for _, job := range s.pending.Snapshot() {
		if trigger == nil || job.id < trigger.id {
			trigger = job
		}
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	c := &cycle{
		cancel:    cancel,
		triggerID: trigger.id,
		started:   time.Now(),
		done:      make(chan error, 1),
	}

	s.setState(Scanning)
	s.logger.Debug("scan cycle started", "trigger", trigger.Address, "pending", s.pending.Len())

	go func() {
		defer cancel()
		c.done <- s.scanner.Scan(cctx, s.matcher(c))
	}()
	return c
}

// matcher resolves jobs as advertisements arrive. Only the first match for a
// job wins; later advertisements for the same address find no job.
func (s *Scheduler) matcher(c *cycle) func(Advertisement) {
	return func(adv Advertisement) {
		addr := NormalizeAddress(adv.Address)
		job, ok := s.pending.Get(addr)
		if !ok {
			return
		}
		if _, ok := s.pending.DeleteIf(addr, func(j *Job) bool { return j == job }); !ok {
			return
		}
		adv.Address = addr
		if adv.Seen.IsZero() {
			adv.Seen = time.Now()
		}
		if job.resolve(adv) {
			s.metrics.jobResolved()
			s.logger.Debug("device found", "address", addr, "rssi", adv.RSSI,
				"after", time.Since(job.Created))
		}
		if job.id == c.triggerID {
			c.matched.Store(true)
			c.cancel()
		}
	}
}

// endCycle applies the end-of-cycle rules and returns the new retry count
func (s *Scheduler) endCycle(c *cycle, scanErr error, retryCount int) int {
	elapsed := time.Since(c.started)

	switch {
	case c.matched.Load():
		s.metrics.cycle("matched")
		s.logger.Debug("scan cycle ended early", "reason", "trigger matched", "elapsed", elapsed)
		return retryCount
	case c.emptied.Load():
		s.metrics.cycle("emptied")
		s.logger.Debug("scan cycle ended early", "reason", "no pending jobs", "elapsed", elapsed)
		return retryCount
	}

	if scanErr != nil && !errors.Is(scanErr, context.DeadlineExceeded) && !errors.Is(scanErr, context.Canceled) {
		s.metrics.cycle("error")
		s.logger.Warn("scan cycle failed", "error", scanErr, "elapsed", elapsed)
	} else {
		s.metrics.cycle("timeout")
	}

	retryCount++
	notFound := fmt.Errorf("%w: %w after %d scan cycles", errors.ErrNotFound, errors.ErrDiscoveryTimeout, retryCount)

	for addr, job := range s.pending.Snapshot() {
		if job.RetryAllowed {
			continue
		}
		if _, ok := s.pending.DeleteIf(addr, func(j *Job) bool { return j == job }); ok {
			job.fail(notFound)
			s.metrics.jobFailed("not_found")
		}
	}

	if retryCount >= s.cfg.RetryCeiling {
		for _, job := range s.pending.Clear() {
			job.fail(notFound)
			s.metrics.jobFailed("retry_ceiling")
		}
		s.logger.Warn("discovery retry ceiling reached", "retries", retryCount)
		return 0
	}

	s.logger.Debug("scan cycle timed out", "retry", retryCount, "remaining", s.pending.Len(),
		"next_delay", s.cfg.Backoff.Delay(retryCount))
	return retryCount
}
