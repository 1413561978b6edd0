package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/service_kernel/internal/config"
	"github.com/R3E-Network/service_kernel/internal/engine/bus"
	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/engine/scheduler"
	"github.com/R3E-Network/service_kernel/internal/plugin"
	"github.com/R3E-Network/service_kernel/pkg/logger"
	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// entry is one loaded service.
type entry struct {
	instance kos.ServiceInstance
	module   *plugin.Module
	svcCtx   *kos.ServiceContext
	desc     config.ServiceDescriptor
	loadedAt time.Time

	// unloading and unloadErr are set under Registry.mu; done closes when
	// the unload ends and the module has been released.
	unloading bool
	unloadErr error
	done      chan struct{}
}

// ServiceInfo is a snapshot of a registry entry.
type ServiceInfo struct {
	Name      string            `json:"name"`
	Module    string            `json:"module"`
	RunLevel  int               `json:"run_level"`
	Kind      kos.ServiceKind   `json:"kind"`
	Status    kos.ServiceStatus `json:"status"`
	Mandatory bool              `json:"mandatory"`
	LoadedAt  time.Time         `json:"loaded_at"`
	Tasks     int               `json:"tasks"`
	Commands  []string          `json:"commands"`

	// UnloadError is set while an unload that timed out waits for the
	// service's code to return.
	UnloadError string `json:"unload_error,omitempty"`
}

// LoadFailure records a service that could not be loaded by LoadAll.
type LoadFailure struct {
	Descriptor config.ServiceDescriptor
	Err        error
}

// RegistryConfig wires a Registry to the engine's components.
type RegistryConfig struct {
	Loader    plugin.Loader
	Kernel    kos.Kernel
	Scheduler *scheduler.Scheduler
	Bus       *bus.Bus
	Logger    *logger.Logger
	Metrics   metrics.Recorder
	Journal   events.Journal

	commands *commandTable
}

// Registry owns the loaded services keyed by name.
type Registry struct {
	loader   plugin.Loader
	kernel   kos.Kernel
	sched    *scheduler.Scheduler
	bus      *bus.Bus
	commands *commandTable
	log      *logger.Logger
	metrics  metrics.Recorder
	journal  events.Journal

	mu      sync.RWMutex
	entries map[string]*entry
	loading map[string]bool
	closing bool
	loads   sync.WaitGroup
}

// NewRegistry creates a registry. Loader, Kernel, Scheduler and Bus are
// required.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Loader == nil || cfg.Kernel == nil || cfg.Scheduler == nil || cfg.Bus == nil {
		return nil, errors.New("registry requires a loader, kernel, scheduler and bus")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if cfg.Journal == nil {
		cfg.Journal = events.Discard{}
	}
	if cfg.commands == nil {
		cfg.commands = newCommandTable()
	}
	return &Registry{
		loader:   cfg.Loader,
		kernel:   cfg.Kernel,
		sched:    cfg.Scheduler,
		bus:      cfg.Bus,
		commands: cfg.commands,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		journal:  cfg.Journal,
		entries:  make(map[string]*entry),
		loading:  make(map[string]bool),
	}, nil
}

// reserve claims name for a load in progress.
func (r *Registry) reserve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return fmt.Errorf("load service %s: %w", name, kos.ErrEngineNotRunning)
	}
	if _, ok := r.entries[name]; ok || r.loading[name] {
		return &kos.DuplicateServiceNameError{Name: name}
	}
	r.loading[name] = true
	r.loads.Add(1)
	return nil
}

func (r *Registry) release(name string) {
	r.mu.Lock()
	delete(r.loading, name)
	r.mu.Unlock()
	r.loads.Done()
}

// Close refuses further loads and waits for loads in progress to finish.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.loads.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for loads in progress: %w", ctx.Err())
	}
}

// LoadService loads, instantiates and starts the service described by desc.
// On failure nothing of the service is left behind.
func (r *Registry) LoadService(ctx context.Context, desc config.ServiceDescriptor) (err error) {
	if err := desc.Validate(); err != nil {
		return kos.NewOSError(kos.ErrCodeInvalidArgument, err.Error())
	}
	name := desc.Name
	if err := r.reserve(name); err != nil {
		return err
	}
	defer r.release(name)
	r.sched.OpenOwner(name)

	start := time.Now()
	log := r.log.ForService(name)
	events.NewEvent(events.EventServiceLoading).Service(name).Component("registry").
		Metadata("module", desc.Module).LogTo(r.journal)

	var (
		module *plugin.Module
		svcCtx *kos.ServiceContext
	)
	defer func() {
		r.metrics.RecordServiceLoad(name, time.Since(start), err)
		if err == nil {
			return
		}
		r.rollback(context.WithoutCancel(ctx), name, module, svcCtx)
		log.Error("service load failed", "module", desc.Module, "error", err)
		events.NewEvent(events.EventServiceLoadFailed).Service(name).Component("registry").
			ErrorFrom(err).Duration(time.Since(start)).LogTo(r.journal)
	}()

	module, err = r.loader.Load(desc.Module)
	if err != nil {
		return err
	}

	// Joining first lets the factory register events and subscribe.
	if err = r.bus.Join(name); err != nil {
		return err
	}
	if desc.TriggerRate > 0 {
		r.bus.SetLimit(name, bus.LimiterConfig{Rate: desc.TriggerRate, Burst: desc.TriggerBurst})
	}

	svcCtx, err = kos.NewServiceContext(desc.Manifest(), r.kernel, log)
	if err != nil {
		return err
	}

	inst, err := module.Instantiate(svcCtx, name, desc.RunLevel)
	if err != nil {
		return err
	}
	if inst.Name() != name {
		return &kos.InvalidInstanceError{Path: desc.Module, Name: name,
			Err: fmt.Errorf("instance reports name %q", inst.Name())}
	}

	if err = inst.StartMe(ctx); err != nil {
		return fmt.Errorf("start service %s: %w", name, err)
	}

	r.mu.Lock()
	r.entries[name] = &entry{
		instance: inst,
		module:   module,
		svcCtx:   svcCtx,
		desc:     desc,
		loadedAt: time.Now(),
		done:     make(chan struct{}),
	}
	r.mu.Unlock()

	r.metrics.RecordServiceStatus(name, int(inst.Status()))
	log.Info("service running", "module", desc.Module, "run_level", desc.RunLevel, "kind", inst.Kind())
	events.NewEvent(events.EventServiceRunning).Service(name).Component("registry").
		Status(inst.Status()).Duration(time.Since(start)).LogTo(r.journal)
	return nil
}

// rollback undoes a partial load. Every step tolerates never having happened.
func (r *Registry) rollback(ctx context.Context, name string, module *plugin.Module, svcCtx *kos.ServiceContext) {
	if err := r.drain(ctx, name); err != nil {
		r.log.ForService(name).Warn("rollback drain failed", "error", err)
	}
	if module != nil {
		if err := module.Release(); err != nil && !errors.Is(err, kos.ErrModuleReleased) {
			r.log.ForService(name).Warn("rollback release failed", "error", err)
		}
	}
	if svcCtx != nil {
		_ = svcCtx.Close()
	}
}

// drain stops the service's tasks, waits for them to end, takes it off the
// bus and drops its commands, waiting for invocations still running. No new
// task can be scheduled for name once drain has begun. Calling drain again
// after a timeout keeps waiting.
func (r *Registry) drain(ctx context.Context, name string) error {
	taskErr := r.sched.StopOwner(ctx, name)
	busErr := r.bus.Leave(ctx, name)
	r.commands.removeService(name)
	cmdErr := r.commands.wait(ctx, name)
	return errors.Join(taskErr, busErr, cmdErr)
}

// UnloadService stops the named service and removes it. The service goes
// through ShuttingDown to Died, its tasks end and its deliveries drain before
// the module is released.
func (r *Registry) UnloadService(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return &kos.ServiceNotFoundError{Name: name}
	}
	if e.unloading {
		r.mu.Unlock()
		return kos.ErrUnloadInProgress
	}
	e.unloading = true
	r.mu.Unlock()

	return r.unload(ctx, name, e)
}

func (r *Registry) unload(ctx context.Context, name string, e *entry) error {
	start := time.Now()
	log := r.log.ForService(name)
	events.NewEvent(events.EventServiceShuttingDown).Service(name).Component("registry").LogTo(r.journal)

	var (
		drained  bool
		drainErr error
	)
	err := e.instance.StopMe(ctx, func(ctx context.Context) error {
		drained = true
		drainErr = r.drain(ctx, name)
		return drainErr
	})
	if !drained {
		drainErr = r.drain(ctx, name)
		err = errors.Join(err, drainErr)
	}

	if drainErr != nil {
		// Code of the service may still be running; the module stays loaded
		// until it has returned.
		r.mu.Lock()
		e.unloadErr = err
		r.mu.Unlock()

		r.metrics.RecordServiceUnload(name, time.Since(start), err)
		log.Error("service unload incomplete, module kept until its handlers return", "error", err)
		events.NewEvent(events.EventServiceUnloadFailed).Service(name).Component("registry").
			ErrorFrom(err).Duration(time.Since(start)).LogTo(r.journal)
		go r.finishUnload(name, e, start)
		return fmt.Errorf("unload service %s: %w", name, err)
	}

	if relErr := r.complete(name, e); relErr != nil {
		err = errors.Join(err, relErr)
	}

	r.metrics.RecordServiceUnload(name, time.Since(start), err)
	if err != nil {
		log.Warn("service unloaded with errors", "error", err)
		events.NewEvent(events.EventServiceUnloadFailed).Service(name).Component("registry").
			ErrorFrom(err).Severity(events.SeverityWarning).Duration(time.Since(start)).LogTo(r.journal)
		return fmt.Errorf("unload service %s: %w", name, err)
	}
	log.Info("service unloaded", "duration", time.Since(start))
	events.NewEvent(events.EventServiceDied).Service(name).Component("registry").
		Status(kos.ServiceDied).Duration(time.Since(start)).LogTo(r.journal)
	return nil
}

// finishUnload waits without a deadline for the drain of an unload that timed
// out, then releases the module.
func (r *Registry) finishUnload(name string, e *entry, start time.Time) {
	log := r.log.ForService(name)
	if err := r.drain(context.Background(), name); err != nil {
		log.Error("late drain failed", "error", err)
	}
	if err := r.complete(name, e); err != nil {
		log.Warn("late release failed", "error", err)
	}
	log.Info("service unloaded after its handlers returned", "duration", time.Since(start))
	events.NewEvent(events.EventServiceDied).Service(name).Component("registry").
		Status(kos.ServiceDied).Duration(time.Since(start)).Message("late").LogTo(r.journal)
}

// complete releases the module of a drained service and forgets it.
func (r *Registry) complete(name string, e *entry) error {
	var err error
	if relErr := e.module.Release(); relErr != nil && !errors.Is(relErr, kos.ErrModuleReleased) {
		err = fmt.Errorf("release module: %w", relErr)
	}
	_ = e.svcCtx.Close()

	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
	close(e.done)
	return err
}

// unloadOrWait unloads name, or waits for an unload already in progress.
func (r *Registry) unloadOrWait(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.unloading {
		r.mu.Unlock()
		select {
		case <-e.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for unload of %s: %w", name, ctx.Err())
		}
	}
	e.unloading = true
	r.mu.Unlock()
	return r.unload(ctx, name, e)
}

// LoadAll loads descs grouped by run level, lowest first. Services of one
// level load concurrently and a level starts only after the previous one has
// finished. Failures of optional services are returned; the first failing
// mandatory service stops the sequence and is returned as the error.
func (r *Registry) LoadAll(ctx context.Context, descs []config.ServiceDescriptor) ([]LoadFailure, error) {
	var failures []LoadFailure
	for _, level := range config.GroupByRunLevel(descs) {
		var (
			mu    sync.Mutex
			wg    sync.WaitGroup
			fatal error
		)
		for _, d := range level {
			wg.Add(1)
			go func(d config.ServiceDescriptor) {
				defer wg.Done()
				err := r.LoadService(ctx, d)
				if err == nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				failures = append(failures, LoadFailure{Descriptor: d, Err: err})
				if d.Mandatory && fatal == nil {
					fatal = fmt.Errorf("mandatory service %s: %w", d.Name, err)
				}
			}(d)
		}
		wg.Wait()
		if fatal != nil {
			return failures, fatal
		}
	}
	return failures, nil
}

// UnloadAll closes the registry to new loads, waits for loads in progress and
// unloads every service, highest run level first. Services of one level
// unload concurrently.
func (r *Registry) UnloadAll(ctx context.Context) error {
	var errs []error
	if err := r.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	byLevel := make(map[int][]string)
	r.mu.RLock()
	for name, e := range r.entries {
		byLevel[e.desc.RunLevel] = append(byLevel[e.desc.RunLevel], name)
	}
	r.mu.RUnlock()

	levels := make([]int, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))

	for _, l := range levels {
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, name := range byLevel[l] {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if err := r.unloadOrWait(ctx, name); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(name)
		}
		wg.Wait()
	}
	return errors.Join(errs...)
}

// ExistsService reports whether name is loaded.
func (r *Registry) ExistsService(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// GetService returns the live instance of name.
func (r *Registry) GetService(name string) (kos.ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, &kos.ServiceNotFoundError{Name: name}
	}
	return e.instance, nil
}

// Info returns a snapshot of the named entry.
func (r *Registry) Info(name string) (ServiceInfo, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ServiceInfo{}, &kos.ServiceNotFoundError{Name: name}
	}
	return r.info(name, e), nil
}

func (r *Registry) info(name string, e *entry) ServiceInfo {
	r.mu.RLock()
	unloadErr := e.unloadErr
	r.mu.RUnlock()

	info := ServiceInfo{
		Name:      name,
		Module:    e.desc.Module,
		RunLevel:  e.desc.RunLevel,
		Kind:      e.instance.Kind(),
		Status:    e.instance.Status(),
		Mandatory: e.desc.Mandatory,
		LoadedAt:  e.loadedAt,
		Tasks:     len(r.sched.Tasks(name)),
		Commands:  r.commands.names(name),
	}
	if unloadErr != nil {
		info.UnloadError = unloadErr.Error()
	}
	return info
}

// List returns every entry ordered by run level, then name.
func (r *Registry) List() []ServiceInfo {
	r.mu.RLock()
	snapshot := make(map[string]*entry, len(r.entries))
	for name, e := range r.entries {
		snapshot[name] = e
	}
	r.mu.RUnlock()

	out := make([]ServiceInfo, 0, len(snapshot))
	for name, e := range snapshot {
		out = append(out, r.info(name, e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunLevel != out[j].RunLevel {
			return out[i].RunLevel < out[j].RunLevel
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Count returns the number of loaded services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
