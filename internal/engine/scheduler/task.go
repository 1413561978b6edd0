package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	kos "github.com/R3E-Network/service_kernel/platform/os"
)

type runningTaskKey struct{}

// task is the scheduler's implementation of kos.Task.
//
// status, stopped, pending and timer are guarded by mu. changed is closed and
// replaced on every status change so waiters can select on it.
type task struct {
	id      string
	owner   string
	typ     kos.TaskType
	delay   time.Duration
	sched   cron.Schedule
	handler kos.Handler
	s       *Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	status  kos.TaskStatus
	changed chan struct{}
	stopped bool
	pending bool
	timer   *time.Timer

	runs atomic.Int64
}

func newTask(s *Scheduler, id, owner string, typ kos.TaskType, h kos.Handler, delay time.Duration, sched cron.Schedule) *task {
	t := &task{
		id:      id,
		owner:   owner,
		typ:     typ,
		delay:   delay,
		sched:   sched,
		handler: h,
		s:       s,
		status:  kos.TaskWaiting,
		changed: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.ctx = context.WithValue(ctx, runningTaskKey{}, t)
	t.cancel = cancel
	return t
}

func (t *task) ID() string           { return t.id }
func (t *task) Owner() string        { return t.owner }
func (t *task) Type() kos.TaskType   { return t.typ }
func (t *task) Delay() time.Duration { return t.delay }
func (t *task) Runs() int64          { return t.runs.Load() }

func (t *task) Restart() bool {
	return t.typ == kos.TaskPeriodic || t.typ == kos.TaskCron
}

func (t *task) Status() kos.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// WaitForStatus blocks until the task reaches target or Ended.
func (t *task) WaitForStatus(ctx context.Context, target kos.TaskStatus) (kos.TaskStatus, error) {
	for {
		t.mu.Lock()
		st, ch := t.status, t.changed
		t.mu.Unlock()

		if st == target || st == kos.TaskEnded {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return t.Status(), ctx.Err()
		}
	}
}

// Stop prevents further runs and waits for the task to end. Called with the
// task's own handler context it returns without waiting; the task ends when
// that handler returns.
func (t *task) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		t.cancel()
		if t.timer != nil && t.timer.Stop() {
			t.pending = false
		}
		if t.status == kos.TaskWaiting && !t.pending {
			t.endLocked()
		}
	}
	t.mu.Unlock()

	if self, _ := ctx.Value(runningTaskKey{}).(*task); self == t {
		return nil
	}
	_, err := t.WaitForStatus(ctx, kos.TaskEnded)
	return err
}

// arm schedules the next submission after d. Caller holds mu.
func (t *task) arm(d time.Duration) {
	if t.stopped {
		return
	}
	if d < 0 {
		d = 0
	}
	t.pending = true
	t.timer = time.AfterFunc(d, t.fire)
}

func (t *task) fire() {
	if err := t.s.Submit(t.run); err != nil {
		t.mu.Lock()
		t.pending = false
		t.endLocked()
		t.mu.Unlock()
		t.s.log.Warn("task dropped", "task", t.id, "owner", t.owner, "error", err)
	}
}

func (t *task) run() {
	t.mu.Lock()
	t.pending = false
	if t.stopped {
		t.endLocked()
		t.mu.Unlock()
		return
	}
	t.setStatusLocked(kos.TaskRunning)
	t.mu.Unlock()

	started := time.Now()
	err := t.invoke()
	elapsed := time.Since(started)

	t.runs.Add(1)
	t.s.metrics.RecordTaskRun(t.typ.String(), elapsed, err)
	t.s.recordPool()
	if err != nil {
		t.s.log.Warn("task handler failed", "task", t.id, "owner", t.owner, "type", t.typ.String(), "error", err)
		events.NewEvent(events.EventTaskFailed).
			Service(t.owner).
			Component("scheduler").
			ErrorFrom(err).
			Duration(elapsed).
			Metadata("task", t.id).
			Metadata("type", t.typ.String()).
			LogTo(t.s.journal)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Restart() || t.stopped {
		t.endLocked()
		return
	}
	t.setStatusLocked(kos.TaskWaiting)
	switch t.typ {
	case kos.TaskPeriodic:
		t.arm(t.delay - elapsed)
	case kos.TaskCron:
		t.arm(t.nextCron(time.Now()))
	}
}

func (t *task) invoke() (err error) {
	ctx, span := t.s.tracer.Start(t.ctx, "task.run",
		trace.WithAttributes(
			attribute.String("task.id", t.id),
			attribute.String("task.owner", t.owner),
			attribute.String("task.type", t.typ.String()),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			t.s.metrics.RecordTaskPanic(t.typ.String())
			err = fmt.Errorf("task panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return t.handler(ctx)
}

func (t *task) nextCron(now time.Time) time.Duration {
	return t.sched.Next(now).Sub(now)
}

func (t *task) setStatusLocked(st kos.TaskStatus) {
	if t.status == st {
		return
	}
	t.status = st
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *task) endLocked() {
	if t.status == kos.TaskEnded {
		return
	}
	t.stopped = true
	t.cancel()
	t.setStatusLocked(kos.TaskEnded)
	t.s.tasks.Remove(t.id)
}
