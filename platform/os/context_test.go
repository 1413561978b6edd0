package os

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeKernel records the calls forwarded by ServiceContext.
type fakeKernel struct {
	mu        sync.Mutex
	events    []string
	subs      []string
	triggered []Payload
	specs     []TaskSpec
	commands  []string
	destroyed []string
}

func (k *fakeKernel) RegisterEvent(service, event string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.events = append(k.events, service+"/"+event)
	return nil
}

func (k *fakeKernel) OnEvent(subscriber, publisher, event string, handler EventHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.subs = append(k.subs, subscriber+"->"+publisher+"/"+event)
	return nil
}

func (k *fakeKernel) TriggerEvent(ctx context.Context, publisher, event string, payload Payload) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.triggered = append(k.triggered, payload)
	return nil
}

func (k *fakeKernel) Schedule(owner string, spec TaskSpec) (Task, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.specs = append(k.specs, spec)
	return nil, nil
}

func (k *fakeKernel) Tasks(owner string) []Task { return nil }

func (k *fakeKernel) RegisterCommand(service, command string, handler CommandHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.commands = append(k.commands, service+"/"+command)
	return nil
}

func (k *fakeKernel) InvokeCommand(ctx context.Context, service, command string, payload Payload) (Payload, error) {
	if command == "missing" {
		return nil, &CommandNotFoundError{Service: service, Command: command}
	}
	return payload, nil
}

func (k *fakeKernel) RequestDestroy(service, reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.destroyed = append(k.destroyed, service+":"+reason)
}

func newTestContext(t *testing.T, caps ...Capability) (*ServiceContext, *fakeKernel) {
	t.Helper()
	kernel := &fakeKernel{}
	svcCtx, err := NewServiceContext(&Manifest{
		Name:         "test-service",
		RunLevel:     3,
		Capabilities: caps,
		Config:       map[string]any{"greeting": "hello", "retries": 3, "interval": "250ms", "verbose": true},
	}, kernel, NopLogger{})
	if err != nil {
		t.Fatalf("NewServiceContext() error: %v", err)
	}
	t.Cleanup(func() { svcCtx.Close() })
	return svcCtx, kernel
}

func TestNewServiceContext(t *testing.T) {
	tests := []struct {
		name        string
		manifest    *Manifest
		kernel      Kernel
		expectError bool
	}{
		{name: "nil manifest", manifest: nil, kernel: &fakeKernel{}, expectError: true},
		{name: "empty name", manifest: &Manifest{Name: "  "}, kernel: &fakeKernel{}, expectError: true},
		{name: "nil kernel", manifest: &Manifest{Name: "svc"}, kernel: nil, expectError: true},
		{name: "valid context", manifest: &Manifest{Name: "svc", RunLevel: 1}, kernel: &fakeKernel{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svcCtx, err := NewServiceContext(tt.manifest, tt.kernel, nil)
			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer svcCtx.Close()
			if svcCtx.ServiceName() != tt.manifest.Name {
				t.Errorf("ServiceName() = %s, want %s", svcCtx.ServiceName(), tt.manifest.Name)
			}
			if svcCtx.RunLevel() != tt.manifest.RunLevel {
				t.Errorf("RunLevel() = %d, want %d", svcCtx.RunLevel(), tt.manifest.RunLevel)
			}
			if svcCtx.Logger() == nil {
				t.Error("default logger should be set")
			}
		})
	}
}

func TestServiceContext_DefaultCapabilities(t *testing.T) {
	svcCtx, _ := newTestContext(t)
	for _, cap := range AllCapabilities() {
		if !svcCtx.HasCapability(cap) {
			t.Errorf("HasCapability(%s) = false, want true", cap)
		}
	}
}

func TestServiceContext_CapabilityDenied(t *testing.T) {
	svcCtx, kernel := newTestContext(t, CapConfig)
	ctx := context.Background()

	err := svcCtx.Events().Register(ctx, "tick")
	if !IsCapabilityDenied(err) {
		t.Fatalf("Register() error = %v, want capability denied", err)
	}
	if _, err := svcCtx.Scheduler().Asynchronously(ctx, func(context.Context) error { return nil }); !IsCapabilityDenied(err) {
		t.Errorf("Asynchronously() error = %v, want capability denied", err)
	}
	if err := svcCtx.Commands().Register(ctx, "echo", func(ctx context.Context, p Payload) (Payload, error) { return p, nil }); !IsCapabilityDenied(err) {
		t.Errorf("Commands().Register() error = %v, want capability denied", err)
	}
	if len(kernel.events) != 0 || len(kernel.specs) != 0 || len(kernel.commands) != 0 {
		t.Error("denied calls must not reach the kernel")
	}

	if _, err := svcCtx.Config().Get(ctx, "greeting"); err != nil {
		t.Errorf("Config().Get() error = %v", err)
	}
}

func TestServiceContext_EventsForwarding(t *testing.T) {
	svcCtx, kernel := newTestContext(t)
	ctx := context.Background()

	if err := svcCtx.Events().Register(ctx, "ready"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := svcCtx.Events().Subscribe(ctx, "other", "tick", func(context.Context, Event) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := svcCtx.Events().Trigger(ctx, "ready", map[string]string{"status": "ok"}); err != nil {
		t.Fatalf("Trigger() error: %v", err)
	}

	if len(kernel.events) != 1 || kernel.events[0] != "test-service/ready" {
		t.Errorf("events = %v, want [test-service/ready]", kernel.events)
	}
	if len(kernel.subs) != 1 || kernel.subs[0] != "test-service->other/tick" {
		t.Errorf("subs = %v", kernel.subs)
	}
	if got := kernel.triggered[0].Get("status").String(); got != "ok" {
		t.Errorf("triggered status = %q, want ok", got)
	}

	if err := svcCtx.Events().Register(ctx, ""); err == nil {
		t.Error("Register(\"\") should fail")
	}
	if err := svcCtx.Events().Subscribe(ctx, "other", "tick", nil); err == nil {
		t.Error("Subscribe(nil handler) should fail")
	}
}

func TestServiceContext_SchedulerValidation(t *testing.T) {
	svcCtx, kernel := newTestContext(t)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	if _, err := svcCtx.Scheduler().SetTimeout(ctx, -time.Second, noop); err == nil {
		t.Error("negative timeout should fail")
	}
	if _, err := svcCtx.Scheduler().Periodically(ctx, 0, false, noop); err == nil {
		t.Error("zero period should fail")
	}
	if _, err := svcCtx.Scheduler().Cron(ctx, " ", noop); err == nil {
		t.Error("empty cron expression should fail")
	}
	if _, err := svcCtx.Scheduler().Asynchronously(ctx, nil); err == nil {
		t.Error("nil handler should fail")
	}

	if _, err := svcCtx.Scheduler().Periodically(ctx, time.Second, true, noop); err != nil {
		t.Fatalf("Periodically() error: %v", err)
	}
	spec := kernel.specs[len(kernel.specs)-1]
	if spec.Type != TaskPeriodic || spec.Delay != time.Second || !spec.StartImmediately {
		t.Errorf("spec = %+v, want periodic 1s start immediately", spec)
	}
}

func TestServiceContext_Commands(t *testing.T) {
	svcCtx, _ := newTestContext(t)
	ctx := context.Background()

	resp, err := svcCtx.Commands().Invoke(ctx, "other", "echo", map[string]int{"n": 7})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if resp.Get("n").Int() != 7 {
		t.Errorf("response = %s, want n=7", resp)
	}

	_, err = svcCtx.Commands().Invoke(ctx, "other", "missing", nil)
	if !IsCommandNotFound(err) {
		t.Errorf("Invoke(missing) error = %v, want CommandNotFoundError", err)
	}
}

func TestServiceContext_RequestDestroyAndClose(t *testing.T) {
	svcCtx, kernel := newTestContext(t)

	svcCtx.RequestDestroy("done")
	if len(kernel.destroyed) != 1 || kernel.destroyed[0] != "test-service:done" {
		t.Errorf("destroyed = %v", kernel.destroyed)
	}

	svcCtx.Close()
	select {
	case <-svcCtx.Context().Done():
	default:
		t.Error("Context() should be cancelled after Close()")
	}
	if !errors.Is(svcCtx.Context().Err(), context.Canceled) {
		t.Errorf("Context().Err() = %v, want Canceled", svcCtx.Context().Err())
	}
}
