// Package engine provides the kernel engine. The Engine owns the worker pool,
// the event bus and the service registry, and is the only kos.Kernel the
// services talk to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/R3E-Network/service_kernel/internal/config"
	"github.com/R3E-Network/service_kernel/internal/engine/bus"
	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/engine/scheduler"
	"github.com/R3E-Network/service_kernel/internal/engine/state"
	"github.com/R3E-Network/service_kernel/internal/plugin"
	"github.com/R3E-Network/service_kernel/pkg/logger"
	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// Status is the engine lifecycle status.
type Status = state.EngineStatus

// Config holds engine configuration.
type Config struct {
	// Services are loaded by EngineOn.
	Services []config.ServiceDescriptor

	PoolSize     int
	JournalSize  int
	DefaultLimit bus.LimiterConfig

	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Loader defaults to plugin.NewMultiLoader().
	Loader  plugin.Loader
	Logger  *logger.Logger
	Metrics metrics.Recorder
	Tracer  trace.Tracer
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		JournalSize:     1000,
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ConfigFrom maps a loaded kernel configuration onto an engine Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Services:    c.Services,
		PoolSize:    c.Engine.PoolSize,
		JournalSize: c.Engine.JournalSize,
		DefaultLimit: bus.LimiterConfig{
			Rate:  c.Engine.DefaultTriggerRate,
			Burst: c.Engine.DefaultTriggerBurst,
		},
		StartupTimeout:  c.Engine.StartupTimeout.Std(),
		ShutdownTimeout: c.Engine.ShutdownTimeout.Std(),
	}
}

// Engine is the kernel. It implements kos.Kernel.
type Engine struct {
	cfg      Config
	log      *logger.Logger
	metrics  metrics.Recorder
	tracer   trace.Tracer
	journal  *events.RingBuffer
	sched    *scheduler.Scheduler
	bus      *bus.Bus
	registry *Registry
	commands *commandTable

	mu        sync.RWMutex
	status    Status
	fatalErr  error
	startedAt time.Time
	done      chan struct{}

	// loadCancel aborts EngineOn's loads once teardown begins.
	loadCancel  context.CancelFunc
	tearingDown atomic.Bool

	destroyMu      sync.Mutex
	destroyQueue   []kos.ServiceDestroyRequested
	destroySignal  chan struct{}
	stopWatcher    chan struct{}
	watcherDone    chan struct{}
	stopWatchOnce  sync.Once
	teardownOnce   sync.Once
	teardownResult error
}

// New creates an engine in Starting status. Nothing is loaded until EngineOn.
func New(cfg Config) (*Engine, error) {
	if cfg.JournalSize <= 0 {
		cfg.JournalSize = 1000
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Loader == nil {
		cfg.Loader = plugin.NewMultiLoader()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("kernel")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("kernel")
	}

	e := &Engine{
		cfg:           cfg,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		journal:       events.NewRingBuffer(cfg.JournalSize),
		commands:      newCommandTable(),
		status:        state.EngineStarting,
		startedAt:     time.Now(),
		done:          make(chan struct{}),
		destroySignal: make(chan struct{}, 1),
		stopWatcher:   make(chan struct{}),
		watcherDone:   make(chan struct{}),
	}

	sched, err := scheduler.New(scheduler.Config{
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger.Named("scheduler"),
		Metrics:  cfg.Metrics,
		Journal:  e.journal,
		Tracer:   cfg.Tracer,
	})
	if err != nil {
		return nil, err
	}
	b, err := bus.New(bus.Config{
		Submit:       sched.Submit,
		DefaultLimit: cfg.DefaultLimit,
		Logger:       cfg.Logger.Named("bus"),
		Metrics:      cfg.Metrics,
		Journal:      e.journal,
		Tracer:       cfg.Tracer,
	})
	if err != nil {
		_ = sched.Close(context.Background())
		return nil, err
	}
	registry, err := NewRegistry(RegistryConfig{
		Loader:    cfg.Loader,
		Kernel:    e,
		Scheduler: sched,
		Bus:       b,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Journal:   e.journal,
		commands:  e.commands,
	})
	if err != nil {
		_ = sched.Close(context.Background())
		return nil, err
	}
	e.sched, e.bus, e.registry = sched, b, registry

	e.metrics.RecordEngineStatus(int(state.EngineStarting))
	events.NewEvent(events.EventEngineStarting).Component("engine").Status(state.EngineStarting).LogTo(e.journal)

	go e.watchDestroyRequests()
	return e, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Done is closed once the engine reaches Died.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the error that forced the engine into Died, if any.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fatalErr
}

// transition moves the engine to a non-terminal status.
func (e *Engine) transition(to Status) error {
	e.mu.Lock()
	from := e.status
	if !state.CanTransitionEngine(from, to) {
		e.mu.Unlock()
		return fmt.Errorf("engine: %w", state.NewTransitionError(from, to))
	}
	e.status = to
	e.mu.Unlock()

	e.metrics.RecordEngineStatus(int(to))
	events.NewEvent(engineEventType(to)).Component("engine").Status(to).LogTo(e.journal)
	e.log.Info("engine status changed", "from", from, "to", to)
	return nil
}

// die moves the engine to Died once.
func (e *Engine) die(cause error) {
	e.mu.Lock()
	if e.status == state.EngineDied {
		e.mu.Unlock()
		return
	}
	e.status = state.EngineDied
	e.fatalErr = cause
	close(e.done)
	e.mu.Unlock()

	e.metrics.RecordEngineStatus(int(state.EngineDied))
	b := events.NewEvent(events.EventEngineDied).Component("engine").Status(state.EngineDied)
	if cause != nil {
		b.Severity(events.SeverityError).ErrorFrom(cause)
		e.log.Error("engine died", "error", cause)
	} else {
		e.log.Info("engine stopped")
	}
	b.LogTo(e.journal)
}

func engineEventType(s Status) events.EventType {
	switch s {
	case state.EngineRunning:
		return events.EventEngineRunning
	case state.EngineShuttingDown:
		return events.EventEngineShuttingDown
	case state.EngineDied:
		return events.EventEngineDied
	default:
		return events.EventEngineStarting
	}
}

// EngineOn loads the configured services and moves the engine to Running.
// A mandatory service that fails to load unloads everything already loaded,
// moves the engine to Died and is returned as an EngineFatalError.
func (e *Engine) EngineOn(ctx context.Context) error {
	if s := e.Status(); s != state.EngineStarting {
		return fmt.Errorf("engine on: %w", state.NewTransitionError(s, state.EngineRunning))
	}

	loadCtx, cancel := context.WithTimeout(ctx, e.cfg.StartupTimeout)
	defer cancel()
	e.mu.Lock()
	e.loadCancel = cancel
	e.mu.Unlock()

	e.log.Info("loading services", "count", len(e.cfg.Services))
	failures, err := e.registry.LoadAll(loadCtx, e.cfg.Services)
	if e.tearingDown.Load() {
		return errShutDownDuringStartup
	}
	for _, f := range failures {
		if !f.Descriptor.Mandatory {
			e.log.Warn("optional service failed to load", "service", f.Descriptor.Name, "error", f.Err)
		}
	}
	if err != nil {
		fatal := &kos.EngineFatalError{Err: err}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
		defer cancel()
		if tdErr := e.teardown(shutdownCtx, fatal); tdErr != nil {
			e.log.Warn("teardown after fatal load failure", "error", tdErr)
		}
		return fatal
	}

	if err := e.transition(state.EngineRunning); err != nil {
		if e.tearingDown.Load() {
			return errShutDownDuringStartup
		}
		return err
	}
	e.log.Info("engine running", "services", e.registry.Count())
	return nil
}

var errShutDownDuringStartup = fmt.Errorf("engine on: shut down during startup: %w", kos.ErrEngineNotRunning)

// Shutdown unloads every service, highest run level first, closes the pool
// and the bus and moves the engine to Died. It is idempotent; concurrent
// callers wait for the first one.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	status := e.status
	e.mu.RUnlock()

	switch status {
	case state.EngineDied:
		return nil
	case state.EngineShuttingDown:
		select {
		case <-e.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := e.transition(state.EngineShuttingDown); err != nil {
		// Lost a race with another Shutdown or Fatal.
		select {
		case <-e.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.teardown(ctx, nil)
}

// Fatal forces the engine into Died. Services are unloaded in the background
// and Done closes when that has finished. Fatal never blocks, so it is safe
// to call from a task or event handler.
func (e *Engine) Fatal(err error) {
	if err == nil {
		err = errors.New("fatal error")
	}
	var fatal *kos.EngineFatalError
	if !errors.As(err, &fatal) {
		fatal = &kos.EngineFatalError{Err: err}
	}
	e.log.Error("engine fatal", "error", err)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
		defer cancel()
		_ = e.teardown(ctx, fatal)
	}()
}

// teardown runs once: abort startup loads, unload everything, stop the
// destroy watcher, close the bus and the pool, then die with cause.
func (e *Engine) teardown(ctx context.Context, cause error) error {
	e.teardownOnce.Do(func() {
		e.tearingDown.Store(true)
		e.mu.RLock()
		if e.loadCancel != nil {
			e.loadCancel()
		}
		e.mu.RUnlock()

		var errs []error
		if err := e.registry.UnloadAll(ctx); err != nil {
			errs = append(errs, err)
		}
		e.stopDestroyWatcher()
		e.bus.Close()
		if err := e.sched.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close scheduler: %w", err))
		}
		e.teardownResult = errors.Join(errs...)
		e.die(cause)
	})
	if e.Status() != state.EngineDied {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.teardownResult
}

// =============================================================================
// Destroy requests
// =============================================================================

// RequestDestroy queues an unload of service. It never blocks.
func (e *Engine) RequestDestroy(service, reason string) {
	req := kos.ServiceDestroyRequested{Name: service, Reason: reason}
	e.log.Info("destroy requested", "service", service, "reason", reason)
	events.NewEvent(events.EventServiceDestroyWanted).Service(service).Component("engine").
		Message(reason).LogTo(e.journal)

	e.destroyMu.Lock()
	e.destroyQueue = append(e.destroyQueue, req)
	e.destroyMu.Unlock()

	select {
	case e.destroySignal <- struct{}{}:
	default:
	}
}

func (e *Engine) watchDestroyRequests() {
	defer close(e.watcherDone)
	for {
		select {
		case <-e.stopWatcher:
			return
		case <-e.destroySignal:
		}

		e.destroyMu.Lock()
		queue := e.destroyQueue
		e.destroyQueue = nil
		e.destroyMu.Unlock()

		for _, req := range queue {
			if s := e.Status(); s == state.EngineShuttingDown || s == state.EngineDied {
				return
			}
			e.handleDestroy(req)
		}
	}
}

func (e *Engine) handleDestroy(req kos.ServiceDestroyRequested) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

	err := e.registry.UnloadService(ctx, req.Name)
	switch {
	case err == nil:
		e.log.Info("service destroyed on request", "service", req.Name, "reason", req.Reason)
	case kos.IsServiceNotFound(err), errors.Is(err, kos.ErrUnloadInProgress):
		e.log.Debug("destroy request ignored", "service", req.Name, "error", err)
	default:
		e.log.Warn("destroy request failed", "service", req.Name, "error", err)
	}
}

func (e *Engine) stopDestroyWatcher() {
	e.stopWatchOnce.Do(func() { close(e.stopWatcher) })
	<-e.watcherDone
}

// =============================================================================
// Registry access
// =============================================================================

func (e *Engine) acceptingServices() error {
	switch e.Status() {
	case state.EngineStarting, state.EngineRunning:
		return nil
	default:
		return kos.ErrEngineNotRunning
	}
}

// LoadService loads one more service while the engine is up.
func (e *Engine) LoadService(ctx context.Context, desc config.ServiceDescriptor) error {
	if err := e.acceptingServices(); err != nil {
		return err
	}
	return e.registry.LoadService(ctx, desc)
}

// UnloadService unloads one service while the engine is up.
func (e *Engine) UnloadService(ctx context.Context, name string) error {
	if err := e.acceptingServices(); err != nil {
		return err
	}
	return e.registry.UnloadService(ctx, name)
}

// ExistsService reports whether name is loaded.
func (e *Engine) ExistsService(name string) bool {
	return e.registry.ExistsService(name)
}

// Registry returns the service registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Journal returns the lifecycle journal.
func (e *Engine) Journal() *events.RingBuffer {
	return e.journal
}

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// Bus returns the event bus.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// =============================================================================
// kos.Kernel
// =============================================================================

func (e *Engine) RegisterEvent(service, event string) error {
	return e.bus.RegisterEvent(service, event)
}

func (e *Engine) OnEvent(subscriber, publisher, event string, handler kos.EventHandler) error {
	return e.bus.Subscribe(subscriber, publisher, event, handler)
}

func (e *Engine) TriggerEvent(ctx context.Context, publisher, event string, payload kos.Payload) error {
	return e.bus.Trigger(ctx, publisher, event, payload)
}

func (e *Engine) Schedule(owner string, spec kos.TaskSpec) (kos.Task, error) {
	return e.sched.Schedule(owner, spec)
}

func (e *Engine) Tasks(owner string) []kos.Task {
	return e.sched.Tasks(owner)
}

// Asynchronously runs h once on the pool on behalf of owner.
func (e *Engine) Asynchronously(owner string, h kos.Handler) (kos.Task, error) {
	return e.sched.ScheduleOneShot(owner, h)
}

// SetTimeout runs h once after delay on behalf of owner.
func (e *Engine) SetTimeout(owner string, delay time.Duration, h kos.Handler) (kos.Task, error) {
	return e.sched.ScheduleTimeout(owner, h, delay)
}

// Periodically runs h every period on behalf of owner.
func (e *Engine) Periodically(owner string, period time.Duration, startImmediately bool, h kos.Handler) (kos.Task, error) {
	return e.sched.SchedulePeriodic(owner, h, period, startImmediately)
}

// Cron runs h on a cron schedule on behalf of owner.
func (e *Engine) Cron(owner, expr string, h kos.Handler) (kos.Task, error) {
	return e.sched.ScheduleCron(owner, h, expr)
}

func (e *Engine) RegisterCommand(service, command string, handler kos.CommandHandler) error {
	return e.commands.register(service, command, handler)
}

// InvokeCommand runs the command handler on the pool and waits for its answer
// or for ctx to end. Unloading the service waits for the handler to return
// even when the caller has stopped waiting.
func (e *Engine) InvokeCommand(ctx context.Context, service, command string, payload kos.Payload) (kos.Payload, error) {
	h, release, ok := e.commands.acquire(service, command)
	if !ok {
		return nil, &kos.CommandNotFoundError{Service: service, Command: command}
	}

	ctx, span := e.tracer.Start(ctx, "command.invoke", trace.WithAttributes(
		attribute.String("kernel.service", service),
		attribute.String("kernel.command", command),
	))
	defer span.End()

	type answer struct {
		payload kos.Payload
		err     error
	}
	result := make(chan answer, 1)
	start := time.Now()

	submitErr := e.sched.Submit(func() {
		var a answer
		defer func() {
			if p := recover(); p != nil {
				a = answer{err: fmt.Errorf("command %s/%s panicked: %v", service, command, p)}
			}
			release()
			result <- a
		}()
		a.payload, a.err = h(ctx, payload)
	})
	if submitErr != nil {
		release()
		span.RecordError(submitErr)
		span.SetStatus(codes.Error, submitErr.Error())
		return nil, submitErr
	}

	var a answer
	select {
	case a = <-result:
	case <-ctx.Done():
		a = answer{err: fmt.Errorf("command %s/%s: %w", service, command, ctx.Err())}
	}

	e.metrics.RecordCommand(service, command, time.Since(start), a.err)
	if a.err != nil {
		span.RecordError(a.err)
		span.SetStatus(codes.Error, a.err.Error())
		events.NewEvent(events.EventCommandFailed).Service(service).Component("engine").
			Metadata("command", command).ErrorFrom(a.err).Severity(events.SeverityWarning).LogTo(e.journal)
		return nil, a.err
	}
	if a.payload == nil {
		return kos.EmptyPayload, nil
	}
	return a.payload, nil
}

var _ kos.Kernel = (*Engine)(nil)

// =============================================================================
// Stats
// =============================================================================

// Stats is a snapshot of engine state.
type Stats struct {
	Status          Status        `json:"status"`
	Uptime          time.Duration `json:"uptime_ns"`
	Services        int           `json:"services"`
	RunningServices int           `json:"running_services"`
	Tasks           int           `json:"tasks"`
	PoolRunning     int           `json:"pool_running"`
	PoolFree        int           `json:"pool_free"`
	PoolCapacity    int           `json:"pool_capacity"`
	PoolQueued      int           `json:"pool_queued"`
	Bus             bus.Stats     `json:"bus"`
	JournalEntries  int           `json:"journal_entries"`
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	st := Stats{
		Status:         e.Status(),
		Uptime:         time.Since(e.startedAt),
		Tasks:          e.sched.Count(),
		Bus:            e.bus.Stats(),
		JournalEntries: e.journal.Count(),
	}
	for _, info := range e.registry.List() {
		st.Services++
		if info.Status == kos.ServiceRunning {
			st.RunningServices++
		}
	}
	st.PoolRunning, st.PoolFree, st.PoolCapacity = e.sched.PoolStats()
	st.PoolQueued = e.sched.Queued()
	return st
}

// Health returns nil while the engine is Running.
func (e *Engine) Health(ctx context.Context) error {
	if s := e.Status(); s != state.EngineRunning {
		return fmt.Errorf("engine not running: %s", s)
	}
	return nil
}
