// Package scheduler runs report requests on a fixed-size worker pool fed by a
// bounded FIFO queue, and enqueues monitoring topics on a cron interval.
//
// Shutdown is drain-then-cancel: queued and in-flight runs are given the drain
// timeout to finish, after which the run context is cancelled and anything
// still queued is aborted through the runner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

var (
	// ErrSchedulerOverload is returned by Submit when the queue is full.
	ErrSchedulerOverload = errors.New("scheduler: queue full")
	// ErrSchedulerClosed is returned by Submit after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler: closed")
	// ErrDrainTimeout is returned by Shutdown when runs had to be cancelled.
	ErrDrainTimeout = errors.New("scheduler: drain timeout exceeded")
)

// Defaults for Options.
const (
	DefaultWorkers      = 3
	DefaultQueueDepth   = 32
	DefaultDrainTimeout = 30 * time.Second
)

// Runner executes one request to a terminal state.
type Runner interface {
	Run(ctx context.Context, req *models.ReportRequest) error
	// Abort fails a request that will never run.
	Abort(ctx context.Context, req *models.ReportRequest, cause error) error
}

// TopicSource supplies the topics enqueued on each tick.
type TopicSource interface {
	Topics(ctx context.Context) ([]string, error)
}

// StaticTopics is a fixed topic list.
type StaticTopics []string

func (s StaticTopics) Topics(context.Context) ([]string, error) { return s, nil }

// BudgetGauge reports ledger headroom. Ticks are skipped while remaining is
// at or below half the warn threshold.
type BudgetGauge interface {
	Remaining() float64
	WarnThreshold() float64
}

// Alerter receives scheduler events.
type Alerter interface {
	Notify(ctx context.Context, ev models.AlertEvent) []models.DeliveryRecord
}

// Options configures a Scheduler.
type Options struct {
	Workers      int
	QueueDepth   int
	Interval     time.Duration // zero disables the periodic tick
	DrainTimeout time.Duration
	Topics       TopicSource
	Tier         models.PlanTier // tier of scheduled requests
	Budget       BudgetGauge
	Alerter      Alerter
	Clock        func() time.Time
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Interval      string    `json:"interval"`
	LastFired     time.Time `json:"last_fired,omitempty"`
	Workers       int       `json:"workers"`
	ActiveWorkers int       `json:"active_workers"`
	QueueDepth    int       `json:"queue_depth"`
	QueueCapacity int       `json:"queue_capacity"`
	Submitted     int64     `json:"submitted"`
	Rejected      int64     `json:"rejected"`
	Closed        bool      `json:"closed"`
}

// Scheduler owns the worker pool and the periodic trigger.
type Scheduler struct {
	runner Runner
	opts   Options
	queue  chan *models.ReportRequest
	cron   *cron.Cron

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	rejected  atomic.Int64
	lastFired atomic.Int64
	skipping  atomic.Bool
}

// New creates a Scheduler. Call Start to launch workers.
func New(runner Runner, opts Options) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueDepth < 0 {
		return nil, fmt.Errorf("scheduler: negative queue depth %d", opts.QueueDepth)
	}
	if opts.QueueDepth == 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Tier == "" {
		opts.Tier = models.TierStandard
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:    runner,
		opts:      opts,
		queue:     make(chan *models.ReportRequest, opts.QueueDepth),
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{}))),
		runCtx:    ctx,
		cancelRun: cancel,
	}, nil
}

// Start launches the workers and, when an interval and topic source are
// configured, the periodic tick.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if s.started {
		return nil
	}

	if s.opts.Interval > 0 && s.opts.Topics != nil {
		if err := s.Every(s.opts.Interval, func() { s.Tick(s.runCtx) }); err != nil {
			return err
		}
	}
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.cron.Start()
	s.started = true

	log.Info().Int("workers", s.opts.Workers).Int("queue_depth", s.opts.QueueDepth).
		Dur("interval", s.opts.Interval).Msg("scheduler: started")
	return nil
}

// Every registers fn on the scheduler's cron at a fixed interval.
func (s *Scheduler) Every(interval time.Duration, fn func()) error {
	if interval < time.Second {
		return fmt.Errorf("scheduler: interval %s below one second", interval)
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), fn); err != nil {
		return fmt.Errorf("scheduler: add job: %w", err)
	}
	return nil
}

// Submit enqueues req without blocking.
func (s *Scheduler) Submit(req *models.ReportRequest) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	select {
	case s.queue <- req:
		s.submitted.Add(1)
		metrics.QueueDepth.Set(float64(len(s.queue)))
		return nil
	default:
		s.rejected.Add(1)
		metrics.SchedulerRejected.Inc()
		return fmt.Errorf("%w (depth %d)", ErrSchedulerOverload, s.opts.QueueDepth)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for req := range s.queue {
		metrics.QueueDepth.Set(float64(len(s.queue)))

		if s.runCtx.Err() != nil {
			_ = s.runner.Abort(context.Background(), req, ErrDrainTimeout)
			continue
		}

		metrics.ActiveWorkers.Set(float64(s.active.Add(1)))
		err := s.runner.Run(s.runCtx, req)
		metrics.ActiveWorkers.Set(float64(s.active.Add(-1)))
		if err != nil {
			log.Debug().Err(err).Int("worker", id).Str("request_id", req.ID).Msg("scheduler: run failed")
		}
	}
}

// Tick enqueues one request per monitoring topic. It never blocks on a full
// queue.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.opts.Clock()
	s.lastFired.Store(now.UnixNano())

	if b := s.opts.Budget; b != nil {
		remaining, floor := b.Remaining(), b.WarnThreshold()/2
		if remaining <= floor {
			metrics.SchedulerTicks.WithLabelValues("skipped_budget").Inc()
			log.Warn().Float64("remaining", remaining).Float64("floor", floor).Msg("scheduler: budget critically low, skipping cycle")
			if s.skipping.CompareAndSwap(false, true) && s.opts.Alerter != nil {
				s.opts.Alerter.Notify(context.WithoutCancel(ctx), models.AlertEvent{
					Kind:     models.AlertSchedulerEvent,
					Severity: models.SeverityWarning,
					Title:    "Scheduled monitoring paused",
					Message:  fmt.Sprintf("Remaining budget $%.2f is at or below $%.2f.", remaining, floor),
				})
			}
			return
		}
		s.skipping.Store(false)
	}

	if s.opts.Topics == nil {
		return
	}
	topics, err := s.opts.Topics.Topics(ctx)
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("scheduler: failed to load monitoring topics")
		return
	}

	queued := 0
	for _, topic := range topics {
		req := &models.ReportRequest{
			Topic:       topic,
			Tier:        s.opts.Tier,
			Source:      models.SourceSchedule,
			RequestedAt: now.UTC(),
			State:       models.StatePending,
		}
		if err := s.Submit(req); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("scheduler: monitoring request rejected")
			continue
		}
		queued++
	}
	metrics.SchedulerTicks.WithLabelValues("fired").Inc()
	log.Info().Int("topics", len(topics)).Int("queued", queued).Msg("scheduler: tick")
}

// Shutdown stops the tick, closes the queue and waits for workers. Runs still
// going after the drain timeout are cancelled. It returns ErrDrainTimeout if
// cancellation was needed, or ctx.Err() if ctx ended first.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	started := s.started
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	if !started {
		// no workers; abort whatever was queued
		for req := range s.queue {
			_ = s.runner.Abort(context.WithoutCancel(ctx), req, ErrSchedulerClosed)
		}
		s.cancelRun()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()

	log.Info().Int("queued", len(s.queue)).Int32("active", s.active.Load()).Msg("scheduler: draining")
	select {
	case <-done:
		s.cancelRun()
		log.Info().Msg("scheduler: drained")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn().Int("queued", len(s.queue)).Int32("active", s.active.Load()).Msg("scheduler: drain timeout, cancelling runs")
	s.cancelRun()
	select {
	case <-done:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrDrainTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the scheduler.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	st := Stats{
		Workers:       s.opts.Workers,
		ActiveWorkers: int(s.active.Load()),
		QueueDepth:    len(s.queue),
		QueueCapacity: s.opts.QueueDepth,
		Submitted:     s.submitted.Load(),
		Rejected:      s.rejected.Load(),
		Closed:        closed,
	}
	if s.opts.Interval > 0 {
		st.Interval = s.opts.Interval.String()
	}
	if ns := s.lastFired.Load(); ns != 0 {
		st.LastFired = time.Unix(0, ns).UTC()
	}
	return st
}

// cronLogger routes cron's logs through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("scheduler: cron " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("scheduler: cron " + msg)
}
