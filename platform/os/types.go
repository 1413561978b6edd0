// Package os provides the ServiceOS abstraction layer.
// ServiceOS is the only view of the kernel a service gets: it scopes eventing,
// scheduling, commands and configuration to one service and gates each API
// behind a capability granted by the service descriptor.
package os

import (
	"context"
	"time"

	"github.com/R3E-Network/service_kernel/internal/engine/state"
)

// =============================================================================
// Capabilities
// =============================================================================

// Capability represents a permission that a service can request.
type Capability string

const (
	CapEvents    Capability = "events"    // Register, subscribe and trigger events
	CapScheduler Capability = "scheduler" // Schedule tasks on the worker pool
	CapCommands  Capability = "commands"  // Register and invoke commands
	CapConfig    Capability = "config"    // Read the service configuration blob
)

// AllCapabilities returns every capability the kernel knows about.
func AllCapabilities() []Capability {
	return []Capability{CapEvents, CapScheduler, CapCommands, CapConfig}
}

// =============================================================================
// Service Manifest
// =============================================================================

// Manifest describes one loaded service instance to its ServiceContext.
type Manifest struct {
	Name         string         `json:"name"`
	Module       string         `json:"module"`
	RunLevel     int            `json:"run_level"`
	Capabilities []Capability   `json:"capabilities,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// =============================================================================
// ServiceOS Interface
// =============================================================================

// ServiceOS is the facade handed to a module factory. Services never see the
// registry; everything they can do goes through here.
type ServiceOS interface {
	// Identity
	ServiceName() string
	RunLevel() int
	Manifest() *Manifest

	// Capability checking
	HasCapability(cap Capability) bool
	RequireCapability(cap Capability) error

	// Kernel APIs
	Events() EventsAPI
	Scheduler() SchedulerAPI
	Commands() CommandsAPI
	Config() ConfigAPI

	// RequestDestroy asks the registry to unload this service. It never
	// blocks and never stops the service directly.
	RequestDestroy(reason string)

	// Lifecycle
	Context() context.Context
	Logger() Logger
}

// Kernel is implemented by the engine. ServiceContext scopes every call to the
// owning service before forwarding it here.
type Kernel interface {
	RegisterEvent(service, event string) error
	OnEvent(subscriber, publisher, event string, handler EventHandler) error
	TriggerEvent(ctx context.Context, publisher, event string, payload Payload) error

	Schedule(owner string, spec TaskSpec) (Task, error)
	Tasks(owner string) []Task

	RegisterCommand(service, command string, handler CommandHandler) error
	InvokeCommand(ctx context.Context, service, command string, payload Payload) (Payload, error)

	RequestDestroy(service, reason string)
}

// =============================================================================
// Service Instances
// =============================================================================

// ServiceKind tags how a service executes its business logic.
type ServiceKind string

const (
	InProcess    ServiceKind = "in-process"
	OutOfProcess ServiceKind = "out-of-process"
)

// ServiceStatus is the lifecycle status of a service.
type ServiceStatus = state.ServiceStatus

const (
	ServiceLoading      = state.ServiceLoading
	ServiceRunning      = state.ServiceRunning
	ServiceShuttingDown = state.ServiceShuttingDown
	ServiceDied         = state.ServiceDied
)

// DrainFunc is supplied by the registry to StopMe. It stops the service's
// tasks, waits for them to end and removes the service from the event bus.
type DrainFunc func(ctx context.Context) error

// ServiceInstance is what a module factory returns. Only the registry calls
// StartMe and StopMe, each exactly once.
type ServiceInstance interface {
	Name() string
	RunLevel() int
	Kind() ServiceKind
	Status() ServiceStatus

	// StartMe performs Loading -> Running.
	StartMe(ctx context.Context) error

	// StopMe performs Running -> ShuttingDown -> Died, calling drain in
	// between.
	StopMe(ctx context.Context, drain DrainFunc) error
}

// =============================================================================
// EventsAPI
// =============================================================================

// EventsAPI provides event bus access scoped to the calling service.
type EventsAPI interface {
	// Register declares that the calling service may trigger event.
	Register(ctx context.Context, event string) error

	// Subscribe attaches handler to (publisher, event).
	Subscribe(ctx context.Context, publisher, event string, handler EventHandler) error

	// Trigger delivers data to every current subscriber of (self, event).
	Trigger(ctx context.Context, event string, data any) error
}

// EventHandler handles events.
type EventHandler func(ctx context.Context, event Event) error

// Event represents a delivered event.
type Event struct {
	ID        string    `json:"id"`
	Publisher string    `json:"publisher"`
	Name      string    `json:"name"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// SchedulerAPI
// =============================================================================

// Handler is the unit of work run by a task.
type Handler func(ctx context.Context) error

// TaskType tags the scheduling variant of a task.
type TaskType int

const (
	TaskOneShot TaskType = iota + 1
	TaskTimeout
	TaskPeriodic
	TaskCron
)

func (t TaskType) String() string {
	switch t {
	case TaskOneShot:
		return "one-shot"
	case TaskTimeout:
		return "timeout"
	case TaskPeriodic:
		return "periodic"
	case TaskCron:
		return "cron"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t TaskType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// TaskStatus represents the status of a task.
type TaskStatus int

const (
	TaskWaiting TaskStatus = iota
	TaskRunning
	TaskEnded
)

func (s TaskStatus) String() string {
	switch s {
	case TaskWaiting:
		return "waiting"
	case TaskRunning:
		return "running"
	case TaskEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TaskSpec describes a task to schedule. Type selects the variant; Delay is
// the timeout for TaskTimeout and the period for TaskPeriodic.
type TaskSpec struct {
	Type             TaskType
	Delay            time.Duration
	StartImmediately bool
	CronExpr         string
	Handler          Handler
}

// Task is a handle to scheduled work.
type Task interface {
	ID() string
	Owner() string
	Type() TaskType
	Status() TaskStatus
	Delay() time.Duration

	// Restart reports whether the task is re-armed after each run.
	Restart() bool

	// Runs returns how many times the handler has been invoked.
	Runs() int64

	// WaitForStatus blocks until the task reaches target or Ended.
	WaitForStatus(ctx context.Context, target TaskStatus) (TaskStatus, error)

	// Stop prevents further runs and waits for the current one. It is
	// idempotent and may be called from inside the task's own handler.
	Stop(ctx context.Context) error
}

// SchedulerAPI provides task scheduling for services.
type SchedulerAPI interface {
	// Asynchronously runs h once, as soon as a worker is free.
	Asynchronously(ctx context.Context, h Handler) (Task, error)

	// SetTimeout runs h once after delay.
	SetTimeout(ctx context.Context, delay time.Duration, h Handler) (Task, error)

	// Periodically runs h every period until stopped.
	Periodically(ctx context.Context, period time.Duration, startImmediately bool, h Handler) (Task, error)

	// Cron runs h on a cron schedule until stopped.
	Cron(ctx context.Context, expr string, h Handler) (Task, error)

	// List lists the calling service's live tasks.
	List(ctx context.Context) ([]Task, error)
}

// =============================================================================
// CommandsAPI
// =============================================================================

// CommandHandler answers a named request addressed to a service.
type CommandHandler func(ctx context.Context, request Payload) (Payload, error)

// CommandsAPI provides request/response commands between services.
type CommandsAPI interface {
	// Register exposes handler as command on the calling service.
	Register(ctx context.Context, command string, handler CommandHandler) error

	// Invoke runs command on service and waits for the answer.
	Invoke(ctx context.Context, service, command string, data any) (Payload, error)
}

// =============================================================================
// ConfigAPI
// =============================================================================

// ConfigAPI exposes the opaque configuration blob of the service descriptor.
type ConfigAPI interface {
	Get(ctx context.Context, key string) (any, error)
	GetString(ctx context.Context, key string) (string, error)
	GetInt(ctx context.Context, key string) (int, error)
	GetBool(ctx context.Context, key string) (bool, error)
	GetDuration(ctx context.Context, key string) (time.Duration, error)
	All(ctx context.Context) (map[string]any, error)

	// Decode decodes the whole blob into v through JSON.
	Decode(ctx context.Context, v any) error
}

// =============================================================================
// Logger Interface
// =============================================================================

// Logger provides logging for services. args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
