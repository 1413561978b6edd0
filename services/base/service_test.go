package base

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/service_kernel/pkg/testutil"
	"github.com/R3E-Network/service_kernel/platform/os"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestKernel(t *testing.T) *testutil.MockKernel {
	return testutil.NewMockKernel(t)
}

func setupTestServiceOS(t *testing.T, k *testutil.MockKernel, name string) os.ServiceOS {
	return k.ServiceOS(t, name, nil)
}

func waitCtx(t *testing.T) context.Context {
	return testutil.WaitContext(t)
}

// =============================================================================
// BaseService Tests
// =============================================================================

func TestNewBaseService(t *testing.T) {
	k := newTestKernel(t)
	svc := NewInternalService(setupTestServiceOS(t, k, "ping"), "ping", 2)

	if svc.Name() != "ping" {
		t.Errorf("Name() = %s, want ping", svc.Name())
	}
	if svc.RunLevel() != 2 {
		t.Errorf("RunLevel() = %d, want 2", svc.RunLevel())
	}
	if svc.Kind() != os.InProcess {
		t.Errorf("Kind() = %s, want %s", svc.Kind(), os.InProcess)
	}
	if svc.Status() != os.ServiceLoading {
		t.Errorf("Status() = %s, want %s", svc.Status(), os.ServiceLoading)
	}
}

func TestBaseService_Lifecycle(t *testing.T) {
	k := newTestKernel(t)
	svc := NewInternalService(setupTestServiceOS(t, k, "ping"), "ping", 0)

	var order []string
	var sawShuttingDown bool
	svc.SetHooks(LifecycleHooks{
		OnStart: func(ctx context.Context) error {
			order = append(order, "start")
			return nil
		},
		OnPrepareShutdown: func(ctx context.Context) error {
			order = append(order, "prepare")
			if svc.Status() != os.ServiceRunning {
				t.Errorf("prepare hook saw %s, want running", svc.Status())
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			order = append(order, "stop")
			return nil
		},
	})

	if err := svc.StartMe(waitCtx(t)); err != nil {
		t.Fatalf("StartMe() error: %v", err)
	}
	if svc.Status() != os.ServiceRunning {
		t.Errorf("Status() = %s, want running", svc.Status())
	}

	drain := func(ctx context.Context) error {
		order = append(order, "drain")
		sawShuttingDown = svc.Status() == os.ServiceShuttingDown
		return nil
	}
	if err := svc.StopMe(waitCtx(t), drain); err != nil {
		t.Fatalf("StopMe() error: %v", err)
	}
	if svc.Status() != os.ServiceDied {
		t.Errorf("Status() = %s, want died", svc.Status())
	}
	if !sawShuttingDown {
		t.Error("drain ran outside ShuttingDown")
	}

	want := []string{"start", "prepare", "drain", "stop"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestBaseService_StartOnlyOnce(t *testing.T) {
	k := newTestKernel(t)
	svc := NewInternalService(setupTestServiceOS(t, k, "ping"), "ping", 0)

	if err := svc.StartMe(waitCtx(t)); err != nil {
		t.Fatalf("StartMe() error: %v", err)
	}
	err := svc.StartMe(waitCtx(t))
	if !errors.Is(err, os.ErrInvalidTransition) {
		t.Errorf("second StartMe() = %v, want ErrInvalidTransition", err)
	}
}

func TestBaseService_StartFailure(t *testing.T) {
	k := newTestKernel(t)
	svc := NewInternalService(setupTestServiceOS(t, k, "ping"), "ping", 0)
	svc.SetHooks(LifecycleHooks{
		OnStart: func(ctx context.Context) error { return errors.New("no config") },
	})

	if err := svc.StartMe(waitCtx(t)); err == nil {
		t.Fatal("StartMe() expected error")
	}
	if svc.Status() != os.ServiceDied {
		t.Errorf("Status() = %s, want died", svc.Status())
	}
}

func TestBaseService_StopRequiresRunning(t *testing.T) {
	k := newTestKernel(t)
	svc := NewInternalService(setupTestServiceOS(t, k, "ping"), "ping", 0)

	err := svc.StopMe(waitCtx(t), nil)
	if !errors.Is(err, os.ErrInvalidTransition) {
		t.Errorf("StopMe() on loading service = %v, want ErrInvalidTransition", err)
	}
}

func TestBaseService_DrainErrorStillDies(t *testing.T) {
	k := newTestKernel(t)
	svc := NewInternalService(setupTestServiceOS(t, k, "ping"), "ping", 0)
	if err := svc.StartMe(waitCtx(t)); err != nil {
		t.Fatalf("StartMe() error: %v", err)
	}

	drainErr := errors.New("stuck task")
	err := svc.StopMe(waitCtx(t), func(context.Context) error { return drainErr })
	if !errors.Is(err, drainErr) {
		t.Errorf("StopMe() = %v, want drain error", err)
	}
	if svc.Status() != os.ServiceDied {
		t.Errorf("Status() = %s, want died", svc.Status())
	}
}

func TestBaseService_TasksStopOnDrain(t *testing.T) {
	k := newTestKernel(t)
	svc := NewInternalService(setupTestServiceOS(t, k, "ping"), "ping", 0)
	if err := svc.StartMe(waitCtx(t)); err != nil {
		t.Fatalf("StartMe() error: %v", err)
	}

	task, err := svc.PeriodicallyNow(5*time.Millisecond, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("PeriodicallyNow() error: %v", err)
	}
	if _, err := svc.SetTimeout(time.Hour, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("SetTimeout() error: %v", err)
	}

	if err := svc.StopMe(waitCtx(t), k.Drain("ping")); err != nil {
		t.Fatalf("StopMe() error: %v", err)
	}
	if task.Status() != os.TaskEnded {
		t.Errorf("task status = %s, want ended", task.Status())
	}
	if n := len(k.Tasks("ping")); n != 0 {
		t.Errorf("live tasks after stop = %d, want 0", n)
	}
}

func TestOnEventAs(t *testing.T) {
	k := newTestKernel(t)
	ping := NewInternalService(setupTestServiceOS(t, k, "ping"), "ping", 0)
	pong := NewInternalService(setupTestServiceOS(t, k, "pong"), "pong", 1)

	type status struct {
		Status string `json:"status"`
	}
	got := make(chan status, 1)
	if err := pong.RegisterEvent("pong.ready"); err != nil {
		t.Fatalf("RegisterEvent() error: %v", err)
	}
	if err := OnEventAs(ping.BaseService, "pong", "pong.ready", func(ctx context.Context, ev os.Event, s status) error {
		got <- s
		return nil
	}); err != nil {
		t.Fatalf("OnEventAs() error: %v", err)
	}

	if err := pong.TriggerEvent(context.Background(), "pong.ready", status{Status: "ok"}); err != nil {
		t.Fatalf("TriggerEvent() error: %v", err)
	}
	select {
	case s := <-got:
		if s.Status != "ok" {
			t.Errorf("Status = %q, want ok", s.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("typed handler never called")
	}
}

func TestCommandsAndDestroy(t *testing.T) {
	k := newTestKernel(t)
	svc := NewInternalService(setupTestServiceOS(t, k, "ping"), "ping", 0)

	if err := svc.AddCommand("echo", func(ctx context.Context, req os.Payload) (os.Payload, error) {
		return req, nil
	}); err != nil {
		t.Fatalf("AddCommand() error: %v", err)
	}
	resp, err := svc.Invoke(context.Background(), "ping", "echo", map[string]int{"n": 7})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if resp.Get("n").Int() != 7 {
		t.Errorf("Invoke() = %s, want n=7", resp)
	}

	svc.RequestDestroy("done")
	select {
	case name := <-k.Destroyed():
		if name != "ping" {
			t.Errorf("destroyed %s, want ping", name)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestDestroy did not reach the kernel")
	}
}
