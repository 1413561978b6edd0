package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	kos "github.com/R3E-Network/service_kernel/platform/os"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 8
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScheduleOneShot_RunsOnceOnAnotherGoroutine(t *testing.T) {
	s := newTestScheduler(t, Config{})

	callerDone := make(chan struct{})
	sawCallerDone := make(chan bool, 1)

	task, err := s.ScheduleOneShot("ping", func(ctx context.Context) error {
		select {
		case <-callerDone:
			sawCallerDone <- true
		case <-time.After(2 * time.Second):
			sawCallerDone <- false
		}
		return nil
	})
	require.NoError(t, err)
	close(callerDone)

	st, err := task.WaitForStatus(waitCtx(t), kos.TaskEnded)
	require.NoError(t, err)
	assert.Equal(t, kos.TaskEnded, st)
	assert.True(t, <-sawCallerDone, "handler ran before the scheduling call returned")
	assert.Equal(t, int64(1), task.Runs())
	assert.False(t, task.Restart())
	assert.Equal(t, "ping", task.Owner())
	assert.NotEmpty(t, task.ID())
}

func TestScheduleTimeout_HonorsDelay(t *testing.T) {
	s := newTestScheduler(t, Config{})

	start := time.Now()
	ran := make(chan time.Time, 1)
	task, err := s.ScheduleTimeout("ping", func(ctx context.Context) error {
		ran <- time.Now()
		return nil
	}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, kos.TaskWaiting, task.Status())

	_, err = task.WaitForStatus(waitCtx(t), kos.TaskEnded)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, (<-ran).Sub(start), 50*time.Millisecond)
}

func TestScheduleTimeout_Negative(t *testing.T) {
	s := newTestScheduler(t, Config{})
	_, err := s.ScheduleTimeout("ping", func(context.Context) error { return nil }, -time.Second)
	assert.Error(t, err)
}

func TestSchedulePeriodic_NoOverlapAndSpacing(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var active, overlaps atomic.Int32
	var mu sync.Mutex
	var starts []time.Time

	task, err := s.SchedulePeriodic("ping", func(ctx context.Context) error {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer active.Add(-1)
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil
	}, 20*time.Millisecond, true)
	require.NoError(t, err)
	assert.True(t, task.Restart())

	require.Eventually(t, func() bool { return task.Runs() >= 4 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, task.Stop(waitCtx(t)))

	assert.Equal(t, kos.TaskEnded, task.Status())
	assert.Zero(t, overlaps.Load())

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		// Allow a little timer slack below the period.
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 15*time.Millisecond)
	}
}

func TestSchedulePeriodic_Invalid(t *testing.T) {
	s := newTestScheduler(t, Config{})
	_, err := s.SchedulePeriodic("ping", func(context.Context) error { return nil }, 0, false)
	assert.Error(t, err)
}

func TestSchedulePeriodic_StopsAfterRuns(t *testing.T) {
	s := newTestScheduler(t, Config{})

	task, err := s.SchedulePeriodic("ping", func(ctx context.Context) error { return nil }, 5*time.Millisecond, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return task.Runs() >= 2 }, 3*time.Second, time.Millisecond)

	require.NoError(t, task.Stop(waitCtx(t)))
	runs := task.Runs()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, task.Runs(), "task ran after Stop returned")
}

func TestTaskStop_BeforeFirstRun(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var ran atomic.Bool
	task, err := s.ScheduleTimeout("ping", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, task.Stop(waitCtx(t)))
	assert.Equal(t, kos.TaskEnded, task.Status())
	assert.False(t, ran.Load())
	assert.Zero(t, s.Count())
}

func TestTaskStop_Idempotent(t *testing.T) {
	s := newTestScheduler(t, Config{})

	task, err := s.ScheduleTimeout("ping", func(ctx context.Context) error { return nil }, time.Hour)
	require.NoError(t, err)

	ctx := waitCtx(t)
	require.NoError(t, task.Stop(ctx))
	require.NoError(t, task.Stop(ctx))
	assert.Equal(t, kos.TaskEnded, task.Status())
}

func TestTaskStop_WaitsForRunningHandler(t *testing.T) {
	s := newTestScheduler(t, Config{})

	entered := make(chan struct{})
	var finished atomic.Bool
	task, err := s.ScheduleOneShot("ping", func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	})
	require.NoError(t, err)
	<-entered

	st, err := task.WaitForStatus(waitCtx(t), kos.TaskRunning)
	require.NoError(t, err)
	assert.Equal(t, kos.TaskRunning, st)

	require.NoError(t, task.Stop(waitCtx(t)))
	assert.True(t, finished.Load(), "Stop returned before the handler finished")
	assert.Equal(t, kos.TaskEnded, task.Status())
}

func TestTaskStop_FromOwnHandler(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var self atomic.Pointer[kos.Task]
	stopErr := make(chan error, 1)
	ready := make(chan struct{})

	task, err := s.SchedulePeriodic("ping", func(ctx context.Context) error {
		<-ready
		stopErr <- (*self.Load()).Stop(ctx)
		return nil
	}, 10*time.Millisecond, true)
	require.NoError(t, err)
	self.Store(&task)
	close(ready)

	select {
	case err := <-stopErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop from inside the handler deadlocked")
	}

	st, err := task.WaitForStatus(waitCtx(t), kos.TaskEnded)
	require.NoError(t, err)
	assert.Equal(t, kos.TaskEnded, st)
	assert.Equal(t, int64(1), task.Runs())
}

func TestWaitForStatus_ContextCancel(t *testing.T) {
	s := newTestScheduler(t, Config{})

	task, err := s.ScheduleTimeout("ping", func(ctx context.Context) error { return nil }, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := task.WaitForStatus(ctx, kos.TaskRunning)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, kos.TaskWaiting, st)
}

func TestWaitForStatus_AlreadyThere(t *testing.T) {
	s := newTestScheduler(t, Config{})

	task, err := s.ScheduleTimeout("ping", func(ctx context.Context) error { return nil }, time.Hour)
	require.NoError(t, err)

	st, err := task.WaitForStatus(context.Background(), kos.TaskWaiting)
	require.NoError(t, err)
	assert.Equal(t, kos.TaskWaiting, st)
}

func TestHandlerFailures_AreIsolated(t *testing.T) {
	journal := events.NewRingBuffer(16)
	s := newTestScheduler(t, Config{PoolSize: 1, Journal: journal})

	failing, err := s.ScheduleOneShot("ping", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	panicking, err := s.ScheduleOneShot("ping", func(ctx context.Context) error {
		panic("kaboom")
	})
	require.NoError(t, err)

	ok := make(chan struct{})
	healthy, err := s.ScheduleOneShot("pong", func(ctx context.Context) error {
		close(ok)
		return nil
	})
	require.NoError(t, err)

	ctx := waitCtx(t)
	for _, task := range []kos.Task{failing, panicking, healthy} {
		_, err := task.WaitForStatus(ctx, kos.TaskEnded)
		require.NoError(t, err)
	}
	<-ok

	failures := journal.RecentByType(events.EventTaskFailed, 10)
	assert.Len(t, failures, 2)
}

func TestScheduleCron(t *testing.T) {
	s := newTestScheduler(t, Config{})

	task, err := s.ScheduleCron("ping", func(ctx context.Context) error { return nil }, "*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, kos.TaskCron, task.Type())
	assert.True(t, task.Restart())
	assert.Equal(t, kos.TaskWaiting, task.Status())
	require.NoError(t, task.Stop(waitCtx(t)))

	_, err = s.ScheduleCron("ping", func(ctx context.Context) error { return nil }, "not a cron")
	assert.Error(t, err)
}

func TestSchedule_Dispatch(t *testing.T) {
	s := newTestScheduler(t, Config{})
	h := func(ctx context.Context) error { return nil }

	task, err := s.Schedule("ping", kos.TaskSpec{Type: kos.TaskTimeout, Delay: time.Hour, Handler: h})
	require.NoError(t, err)
	assert.Equal(t, kos.TaskTimeout, task.Type())
	assert.Equal(t, time.Hour, task.Delay())

	_, err = s.Schedule("ping", kos.TaskSpec{Handler: h})
	assert.Error(t, err)

	_, err = s.Schedule("ping", kos.TaskSpec{Type: kos.TaskOneShot})
	assert.Error(t, err)
}

func TestStopOwner(t *testing.T) {
	s := newTestScheduler(t, Config{})
	h := func(ctx context.Context) error { return nil }

	for i := 0; i < 3; i++ {
		_, err := s.SchedulePeriodic("ping", h, time.Millisecond, true)
		require.NoError(t, err)
	}
	other, err := s.ScheduleTimeout("pong", h, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.StopOwner(waitCtx(t), "ping"))
	assert.Empty(t, s.Tasks("ping"))
	assert.Len(t, s.Tasks("pong"), 1)
	assert.Equal(t, kos.TaskWaiting, other.Status())
}

func TestClose(t *testing.T) {
	s, err := New(Config{PoolSize: 2})
	require.NoError(t, err)

	task, err := s.SchedulePeriodic("ping", func(ctx context.Context) error { return nil }, time.Millisecond, true)
	require.NoError(t, err)

	ctx := waitCtx(t)
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, kos.TaskEnded, task.Status())

	_, err = s.ScheduleOneShot("ping", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, kos.ErrSchedulerClosed)
	assert.ErrorIs(t, s.Submit(func() {}), kos.ErrSchedulerClosed)
}

func TestSubmit(t *testing.T) {
	s := newTestScheduler(t, Config{})

	done := make(chan struct{})
	require.NoError(t, s.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("submitted job never ran")
	}

	_, _, capacity := s.PoolStats()
	assert.Equal(t, 8, capacity)
}

func TestSubmit_NeverBlocksOnBusyPool(t *testing.T) {
	s := newTestScheduler(t, Config{PoolSize: 1})

	inner := make(chan struct{})
	outerDone := make(chan error, 1)
	require.NoError(t, s.Submit(func() {
		// The only worker is busy running this job.
		outerDone <- s.Submit(func() { close(inner) })
	}))

	select {
	case err := <-outerDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Submit from a worker blocked on pool capacity")
	}
	select {
	case <-inner:
	case <-time.After(3 * time.Second):
		t.Fatal("queued job never ran")
	}
}

func TestSubmit_FIFO(t *testing.T) {
	s := newTestScheduler(t, Config{PoolSize: 1})

	release := make(chan struct{})
	require.NoError(t, s.Submit(func() { <-release }))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, s.Submit(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	close(release)
	wg.Wait()

	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestStopOwner_RejectsNewTasks(t *testing.T) {
	s := newTestScheduler(t, Config{})

	entered := make(chan struct{})
	scheduled := make(chan error, 1)
	_, err := s.ScheduleOneShot("ping", func(ctx context.Context) error {
		close(entered)
		time.Sleep(30 * time.Millisecond)
		_, err := s.ScheduleTimeout("ping", func(context.Context) error { return nil }, 10*time.Millisecond)
		scheduled <- err
		return nil
	})
	require.NoError(t, err)
	<-entered

	require.NoError(t, s.StopOwner(waitCtx(t), "ping"))
	assert.ErrorIs(t, <-scheduled, kos.ErrServiceStopping)
	assert.Empty(t, s.Tasks("ping"))

	_, err = s.ScheduleOneShot("pong", func(context.Context) error { return nil })
	assert.NoError(t, err, "other owners are unaffected")

	s.OpenOwner("ping")
	task, err := s.ScheduleOneShot("ping", func(context.Context) error { return nil })
	require.NoError(t, err)
	st, err := task.WaitForStatus(waitCtx(t), kos.TaskEnded)
	require.NoError(t, err)
	assert.Equal(t, kos.TaskEnded, st)
}

func TestTaskStop_PeriodicMidRun(t *testing.T) {
	s := newTestScheduler(t, Config{})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var finished atomic.Bool
	task, err := s.SchedulePeriodic("ping", func(ctx context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		finished.Store(true)
		return nil
	}, 5*time.Millisecond, true)
	require.NoError(t, err)
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- task.Stop(waitCtx(t)) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the periodic run was in flight")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)
	assert.True(t, finished.Load())
	assert.Equal(t, kos.TaskEnded, task.Status())

	runs := task.Runs()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, task.Runs(), "periodic task ran again after Stop")
	assert.Equal(t, int64(1), runs)
}

func TestWaitForStatus_CompletedOneShot(t *testing.T) {
	s := newTestScheduler(t, Config{})

	task, err := s.ScheduleOneShot("ping", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	_, err = task.WaitForStatus(waitCtx(t), kos.TaskEnded)
	require.NoError(t, err)

	// Already Ended: an expired context must not matter.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := task.WaitForStatus(ctx, kos.TaskEnded)
	require.NoError(t, err)
	assert.Equal(t, kos.TaskEnded, st)
}
