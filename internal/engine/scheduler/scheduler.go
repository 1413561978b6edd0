// Package scheduler runs service tasks on the kernel's shared worker pool.
//
// Every handler, whether one-shot, delayed, periodic or cron driven, executes
// on a fixed-size ants pool. Timers only decide when a run is submitted; they
// never execute handler code themselves. The same pool also carries event
// deliveries and command invocations through Submit.
//
// Submit never blocks: jobs go to an unbounded FIFO that a dispatcher
// goroutine feeds into the pool, so a handler that triggers an event or
// schedules a task cannot wait on a worker held by itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// Config holds scheduler configuration.
type Config struct {
	// PoolSize is the number of pool workers. Defaults to 8 per CPU.
	PoolSize int

	Logger  kos.Logger
	Metrics metrics.Recorder
	Journal events.Journal
	Tracer  trace.Tracer
}

// Scheduler owns the worker pool and the live task table.
type Scheduler struct {
	pool    *ants.Pool
	tasks   cmap.ConcurrentMap[string, *task]
	log     kos.Logger
	metrics metrics.Recorder
	journal events.Journal
	tracer  trace.Tracer

	ownersMu sync.Mutex
	stopping map[string]bool

	qmu          sync.Mutex
	queue        []func()
	queueClosed  bool
	wake         chan struct{}
	quit         chan struct{}
	dispatchDone chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a scheduler with a started worker pool.
func New(cfg Config) (*Scheduler, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU() * 8
	}
	if cfg.Logger == nil {
		cfg.Logger = kos.NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if cfg.Journal == nil {
		cfg.Journal = events.Discard{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("scheduler")
	}

	s := &Scheduler{
		tasks:        cmap.New[*task](),
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		journal:      cfg.Journal,
		tracer:       cfg.Tracer,
		stopping:     make(map[string]bool),
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(p any) {
			// Task runs recover their own panics; this catches bus and
			// command jobs submitted without a guard.
			s.log.Error("worker panic", "panic", fmt.Sprint(p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool
	go s.dispatch()
	return s, nil
}

// ScheduleOneShot runs h once, as soon as a worker is free.
func (s *Scheduler) ScheduleOneShot(owner string, h kos.Handler) (kos.Task, error) {
	return s.schedule(owner, kos.TaskOneShot, h, 0, false, nil)
}

// ScheduleTimeout runs h once after delay.
func (s *Scheduler) ScheduleTimeout(owner string, h kos.Handler, delay time.Duration) (kos.Task, error) {
	if delay < 0 {
		return nil, fmt.Errorf("negative timeout %v", delay)
	}
	return s.schedule(owner, kos.TaskTimeout, h, delay, false, nil)
}

// SchedulePeriodic runs h every period until the task is stopped. The next run
// is armed only after the previous one returns.
func (s *Scheduler) SchedulePeriodic(owner string, h kos.Handler, period time.Duration, startImmediately bool) (kos.Task, error) {
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %v", period)
	}
	return s.schedule(owner, kos.TaskPeriodic, h, period, startImmediately, nil)
}

// ScheduleCron runs h on a standard five-field cron schedule.
func (s *Scheduler) ScheduleCron(owner string, h kos.Handler, expr string) (kos.Task, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s.schedule(owner, kos.TaskCron, h, 0, false, sched)
}

// Schedule dispatches spec to the matching Schedule* method.
func (s *Scheduler) Schedule(owner string, spec kos.TaskSpec) (kos.Task, error) {
	switch spec.Type {
	case kos.TaskOneShot:
		return s.ScheduleOneShot(owner, spec.Handler)
	case kos.TaskTimeout:
		return s.ScheduleTimeout(owner, spec.Handler, spec.Delay)
	case kos.TaskPeriodic:
		return s.SchedulePeriodic(owner, spec.Handler, spec.Delay, spec.StartImmediately)
	case kos.TaskCron:
		return s.ScheduleCron(owner, spec.Handler, spec.CronExpr)
	default:
		return nil, fmt.Errorf("unknown task type %d", spec.Type)
	}
}

func (s *Scheduler) schedule(owner string, typ kos.TaskType, h kos.Handler, delay time.Duration, now bool, sched cron.Schedule) (kos.Task, error) {
	if s.closed.Load() {
		return nil, kos.ErrSchedulerClosed
	}
	if h == nil {
		return nil, errors.New("nil task handler")
	}

	t := newTask(s, uuid.NewString(), owner, typ, h, delay, sched)
	s.ownersMu.Lock()
	if s.stopping[owner] {
		s.ownersMu.Unlock()
		return nil, fmt.Errorf("schedule for %s: %w", owner, kos.ErrServiceStopping)
	}
	s.tasks.Set(t.id, t)
	s.ownersMu.Unlock()
	s.metrics.RecordTaskScheduled(typ.String())

	first := delay
	switch typ {
	case kos.TaskOneShot:
		first = 0
	case kos.TaskPeriodic:
		if now {
			first = 0
		}
	case kos.TaskCron:
		first = t.nextCron(time.Now())
	}

	t.mu.Lock()
	t.arm(first)
	t.mu.Unlock()

	s.log.Debug("task scheduled", "task", t.id, "owner", owner, "type", typ.String(), "delay", first)
	return t, nil
}

// Tasks returns the live tasks of owner.
func (s *Scheduler) Tasks(owner string) []kos.Task {
	var out []kos.Task
	for item := range s.tasks.IterBuffered() {
		if item.Val.owner == owner {
			out = append(out, item.Val)
		}
	}
	return out
}

// Count returns the number of live tasks.
func (s *Scheduler) Count() int {
	return s.tasks.Count()
}

// OpenOwner lets owner schedule tasks again after StopOwner.
func (s *Scheduler) OpenOwner(owner string) {
	s.ownersMu.Lock()
	delete(s.stopping, owner)
	s.ownersMu.Unlock()
}

// StopOwner stops every task of owner and waits until all of them have ended.
// From then on scheduling for owner fails with ErrServiceStopping until
// OpenOwner is called. It may be called again after a timeout to keep waiting.
func (s *Scheduler) StopOwner(ctx context.Context, owner string) error {
	s.ownersMu.Lock()
	s.stopping[owner] = true
	s.ownersMu.Unlock()

	var errs []error
	for _, t := range s.Tasks(owner) {
		if err := t.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop task %s: %w", t.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Submit queues fn for the shared pool and returns at once. Jobs start in
// submission order as workers become free.
func (s *Scheduler) Submit(fn func()) error {
	if fn == nil {
		return errors.New("nil job")
	}
	s.qmu.Lock()
	if s.queueClosed {
		s.qmu.Unlock()
		return kos.ErrSchedulerClosed
	}
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// dispatch feeds queued jobs into the pool. It is the only caller that waits
// on pool capacity.
func (s *Scheduler) dispatch() {
	defer close(s.dispatchDone)
	for {
		select {
		case <-s.wake:
			s.feed()
		case <-s.quit:
			s.feed()
			return
		}
	}
}

func (s *Scheduler) feed() {
	for {
		s.qmu.Lock()
		jobs := s.queue
		s.queue = nil
		s.qmu.Unlock()
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			if err := s.pool.Submit(job); err != nil {
				// Pool already released; queued jobs still carry bookkeeping
				// that must run.
				go s.guard(job)
			}
		}
	}
}

func (s *Scheduler) guard(job func()) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("worker panic", "panic", fmt.Sprint(p))
		}
	}()
	job()
}

// Queued returns the number of jobs waiting for a worker.
func (s *Scheduler) Queued() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// PoolStats reports the pool occupancy.
func (s *Scheduler) PoolStats() (running, free, capacity int) {
	return s.pool.Running(), s.pool.Free(), s.pool.Cap()
}

// Close stops all tasks, waits for them to end, hands the queued jobs to the
// pool and releases it. Further scheduling and submits fail with
// ErrSchedulerClosed.
func (s *Scheduler) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		var errs []error
		for item := range s.tasks.IterBuffered() {
			if stopErr := item.Val.Stop(ctx); stopErr != nil {
				errs = append(errs, stopErr)
			}
		}

		s.qmu.Lock()
		s.queueClosed = true
		s.qmu.Unlock()
		close(s.quit)
		select {
		case <-s.dispatchDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("flush job queue: %w", ctx.Err()))
		}
		err = errors.Join(errs...)
		s.pool.Release()
	})
	return err
}

func (s *Scheduler) recordPool() {
	s.metrics.RecordPool(s.pool.Running(), s.pool.Free())
}
