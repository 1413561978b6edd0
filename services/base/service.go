// Package base provides base components for all services.
// Services embed BaseService (usually through InternalService or
// ExternalService) and get the lifecycle state machine plus thin helpers over
// the ServiceOS facade.
package base

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/service_kernel/internal/engine/state"
	"github.com/R3E-Network/service_kernel/platform/os"
)

// =============================================================================
// Lifecycle Hooks - for customizing service behavior
// =============================================================================

// LifecycleHooks allows services to customize lifecycle behavior.
type LifecycleHooks struct {
	// OnStart runs while the service is Loading. An error aborts the load.
	OnStart func(ctx context.Context) error
	// OnPrepareShutdown runs before the service enters ShuttingDown. Tasks
	// and subscriptions are still live.
	OnPrepareShutdown func(ctx context.Context) error
	// OnStop runs after the kernel drained the service's tasks and
	// subscriptions, right before Died.
	OnStop func(ctx context.Context) error
}

// =============================================================================
// BaseService
// =============================================================================

// BaseService provides common functionality for all services.
type BaseService struct {
	mu sync.RWMutex

	name     string
	runLevel int
	kind     os.ServiceKind
	status   os.ServiceStatus
	hooks    LifecycleHooks

	os     os.ServiceOS
	logger os.Logger
}

// NewBaseService creates a new BaseService in the Loading status.
func NewBaseService(serviceOS os.ServiceOS, name string, runLevel int, kind os.ServiceKind) *BaseService {
	return &BaseService{
		name:     name,
		runLevel: runLevel,
		kind:     kind,
		status:   os.ServiceLoading,
		os:       serviceOS,
		logger:   serviceOS.Logger(),
	}
}

// SetHooks sets lifecycle hooks.
func (s *BaseService) SetHooks(hooks LifecycleHooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = hooks
}

// Name returns the service name.
func (s *BaseService) Name() string {
	return s.name
}

// RunLevel returns the service run level.
func (s *BaseService) RunLevel() int {
	return s.runLevel
}

// Kind returns how the service executes its work.
func (s *BaseService) Kind() os.ServiceKind {
	return s.kind
}

// Status returns the current service status.
func (s *BaseService) Status() os.ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// OS returns the ServiceOS.
func (s *BaseService) OS() os.ServiceOS {
	return s.os
}

// Logger returns the logger.
func (s *BaseService) Logger() os.Logger {
	return s.logger
}

func (s *BaseService) transition(to os.ServiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !state.CanTransitionService(s.status, to) {
		return state.NewTransitionError(s.status, to)
	}
	s.status = to
	return nil
}

func (s *BaseService) currentHooks() LifecycleHooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks
}

// StartMe moves the service from Loading to Running. If OnStart fails the
// service goes to Died and the error is returned.
func (s *BaseService) StartMe(ctx context.Context) error {
	if st := s.Status(); st != os.ServiceLoading {
		return state.NewTransitionError(st, os.ServiceRunning)
	}

	if hook := s.currentHooks().OnStart; hook != nil {
		if err := hook(ctx); err != nil {
			_ = s.transition(os.ServiceDied)
			s.logger.Error("service start failed", "error", err)
			return fmt.Errorf("start %s: %w", s.name, err)
		}
	}

	if err := s.transition(os.ServiceRunning); err != nil {
		return err
	}
	s.logger.Info("service running", "run_level", s.runLevel, "kind", string(s.kind))
	return nil
}

// StopMe performs the ordered shutdown: prepare hook, ShuttingDown, drain,
// OnStop, Died. Hook failures are logged; a drain failure is returned after
// the service reaches Died.
func (s *BaseService) StopMe(ctx context.Context, drain os.DrainFunc) error {
	if st := s.Status(); st != os.ServiceRunning {
		return state.NewTransitionError(st, os.ServiceShuttingDown)
	}
	hooks := s.currentHooks()

	if hooks.OnPrepareShutdown != nil {
		if err := hooks.OnPrepareShutdown(ctx); err != nil {
			s.logger.Warn("prepare shutdown hook failed", "error", err)
		}
	}

	if err := s.transition(os.ServiceShuttingDown); err != nil {
		return err
	}
	s.logger.Info("service shutting down")

	var drainErr error
	if drain != nil {
		drainErr = drain(ctx)
		if drainErr != nil {
			s.logger.Error("drain failed", "error", drainErr)
		}
	}

	if hooks.OnStop != nil {
		if err := hooks.OnStop(ctx); err != nil {
			s.logger.Warn("stop hook failed", "error", err)
		}
	}

	if err := s.transition(os.ServiceDied); err != nil {
		return errors.Join(drainErr, err)
	}
	s.logger.Info("service died")
	return drainErr
}

// =============================================================================
// Scheduling helpers
// =============================================================================

// Asynchronously runs h once on the worker pool.
func (s *BaseService) Asynchronously(h os.Handler) (os.Task, error) {
	return s.os.Scheduler().Asynchronously(s.os.Context(), h)
}

// SetTimeout runs h once after delay.
func (s *BaseService) SetTimeout(delay time.Duration, h os.Handler) (os.Task, error) {
	return s.os.Scheduler().SetTimeout(s.os.Context(), delay, h)
}

// Periodically runs h every period, first after one period.
func (s *BaseService) Periodically(period time.Duration, h os.Handler) (os.Task, error) {
	return s.os.Scheduler().Periodically(s.os.Context(), period, false, h)
}

// PeriodicallyNow runs h right away and then every period.
func (s *BaseService) PeriodicallyNow(period time.Duration, h os.Handler) (os.Task, error) {
	return s.os.Scheduler().Periodically(s.os.Context(), period, true, h)
}

// Cron runs h on a standard cron schedule.
func (s *BaseService) Cron(expr string, h os.Handler) (os.Task, error) {
	return s.os.Scheduler().Cron(s.os.Context(), expr, h)
}

// =============================================================================
// Event helpers
// =============================================================================

// RegisterEvent declares an event this service triggers.
func (s *BaseService) RegisterEvent(event string) error {
	return s.os.Events().Register(s.os.Context(), event)
}

// OnEvent subscribes h to publisher's event.
func (s *BaseService) OnEvent(publisher, event string, h os.EventHandler) error {
	return s.os.Events().Subscribe(s.os.Context(), publisher, event, h)
}

// TriggerEvent publishes data as one of this service's events.
func (s *BaseService) TriggerEvent(ctx context.Context, event string, data any) error {
	return s.os.Events().Trigger(ctx, event, data)
}

// OnEventAs subscribes h to publisher's event and decodes each payload into T
// before calling it. A payload that does not decode fails the delivery.
func OnEventAs[T any](s *BaseService, publisher, event string, h func(ctx context.Context, ev os.Event, data T) error) error {
	return s.OnEvent(publisher, event, func(ctx context.Context, ev os.Event) error {
		var data T
		if err := json.Unmarshal(ev.Payload, &data); err != nil {
			return fmt.Errorf("decode %s/%s payload: %w", publisher, event, err)
		}
		return h(ctx, ev, data)
	})
}

// =============================================================================
// Commands and destroy
// =============================================================================

// AddCommand exposes h as a named command of this service.
func (s *BaseService) AddCommand(command string, h os.CommandHandler) error {
	return s.os.Commands().Register(s.os.Context(), command, h)
}

// Invoke runs command on service and returns its answer.
func (s *BaseService) Invoke(ctx context.Context, service, command string, data any) (os.Payload, error) {
	return s.os.Commands().Invoke(ctx, service, command, data)
}

// RequestDestroy asks the kernel to unload this service.
func (s *BaseService) RequestDestroy(reason string) {
	s.logger.Info("destroy requested", "reason", reason)
	s.os.RequestDestroy(reason)
}

// =============================================================================
// Helper Functions - commonly used across services
// =============================================================================

// IsCapabilityDenied checks if an error is a capability denied error.
func IsCapabilityDenied(err error) bool {
	return os.IsCapabilityDenied(err)
}
