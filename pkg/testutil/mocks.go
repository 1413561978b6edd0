// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/service_kernel/internal/engine/bus"
	"github.com/R3E-Network/service_kernel/internal/engine/scheduler"
	"github.com/R3E-Network/service_kernel/platform/os"
)

// MockKernel is a test implementation of os.Kernel backed by a real scheduler
// and event bus. Commands and destroy requests are recorded in memory.
type MockKernel struct {
	Scheduler *scheduler.Scheduler
	Bus       *bus.Bus

	mu        sync.Mutex
	commands  map[string]os.CommandHandler
	destroyed chan string
}

// NewMockKernel creates a kernel whose pool is closed when the test ends.
func NewMockKernel(t testing.TB) *MockKernel {
	t.Helper()
	sched, err := scheduler.New(scheduler.Config{PoolSize: 8})
	if err != nil {
		t.Fatalf("scheduler.New() error: %v", err)
	}
	b, err := bus.New(bus.Config{Submit: sched.Submit})
	if err != nil {
		t.Fatalf("bus.New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})
	return &MockKernel{
		Scheduler: sched,
		Bus:       b,
		commands:  make(map[string]os.CommandHandler),
		destroyed: make(chan string, 16),
	}
}

// ServiceOS joins name to the bus and returns its facade.
func (k *MockKernel) ServiceOS(t testing.TB, name string, config map[string]any) *os.ServiceContext {
	t.Helper()
	k.Scheduler.OpenOwner(name)
	if err := k.Bus.Join(name); err != nil {
		t.Fatalf("Join(%s) error: %v", name, err)
	}
	svcCtx, err := os.NewServiceContext(&os.Manifest{Name: name, Module: "builtin:" + name, Config: config}, k, os.NopLogger{})
	if err != nil {
		t.Fatalf("NewServiceContext(%s) error: %v", name, err)
	}
	t.Cleanup(func() { _ = svcCtx.Close() })
	return svcCtx
}

// Drain returns the drain function the registry would hand to StopMe.
func (k *MockKernel) Drain(service string) os.DrainFunc {
	return func(ctx context.Context) error {
		if err := k.Scheduler.StopOwner(ctx, service); err != nil {
			return err
		}
		return k.Bus.Leave(ctx, service)
	}
}

// Destroyed delivers the names passed to RequestDestroy.
func (k *MockKernel) Destroyed() <-chan string {
	return k.destroyed
}

func (k *MockKernel) RegisterEvent(service, event string) error {
	return k.Bus.RegisterEvent(service, event)
}

func (k *MockKernel) OnEvent(subscriber, publisher, event string, h os.EventHandler) error {
	return k.Bus.Subscribe(subscriber, publisher, event, h)
}

func (k *MockKernel) TriggerEvent(ctx context.Context, publisher, event string, p os.Payload) error {
	return k.Bus.Trigger(ctx, publisher, event, p)
}

func (k *MockKernel) Schedule(owner string, spec os.TaskSpec) (os.Task, error) {
	return k.Scheduler.Schedule(owner, spec)
}

func (k *MockKernel) Tasks(owner string) []os.Task {
	return k.Scheduler.Tasks(owner)
}

func (k *MockKernel) RegisterCommand(service, command string, h os.CommandHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.commands[service+"/"+command] = h
	return nil
}

func (k *MockKernel) InvokeCommand(ctx context.Context, service, command string, p os.Payload) (os.Payload, error) {
	k.mu.Lock()
	h, ok := k.commands[service+"/"+command]
	k.mu.Unlock()
	if !ok {
		return nil, &os.CommandNotFoundError{Service: service, Command: command}
	}
	return h(ctx, p)
}

func (k *MockKernel) RequestDestroy(service, reason string) {
	select {
	case k.destroyed <- service:
	default:
	}
}

var _ os.Kernel = (*MockKernel)(nil)

// WaitContext returns a context bounded to a few seconds for the test.
func WaitContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
