package os

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/R3E-Network/service_kernel/pkg/logger"
)

// ServiceContext implements ServiceOS for a specific service.
// It provides capability-checked access to the kernel APIs.
type ServiceContext struct {
	mu sync.RWMutex

	manifest     *Manifest
	kernel       Kernel
	capabilities map[Capability]bool
	ctx          context.Context
	cancel       context.CancelFunc
	logger       Logger

	// API implementations (lazy initialized)
	eventsAPI    *eventsAPIImpl
	schedulerAPI *schedulerAPIImpl
	commandsAPI  *commandsAPIImpl
	configAPI    *configAPIImpl
}

// NewServiceContext creates a new ServiceContext for a service. A manifest
// without capabilities is granted all of them.
func NewServiceContext(manifest *Manifest, kernel Kernel, log Logger) (*ServiceContext, error) {
	if manifest == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if strings.TrimSpace(manifest.Name) == "" {
		return nil, fmt.Errorf("manifest name is required")
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	caps := make(map[Capability]bool)
	granted := manifest.Capabilities
	if len(granted) == 0 {
		granted = AllCapabilities()
	}
	for _, cap := range granted {
		caps[cap] = true
	}

	if log == nil {
		log = logger.NewDefault("kernel").ForService(manifest.Name)
	}

	return &ServiceContext{
		manifest:     manifest,
		kernel:       kernel,
		capabilities: caps,
		ctx:          ctx,
		cancel:       cancel,
		logger:       log,
	}, nil
}

// =============================================================================
// Identity Methods
// =============================================================================

// ServiceName returns the service name.
func (c *ServiceContext) ServiceName() string {
	return c.manifest.Name
}

// RunLevel returns the service run level.
func (c *ServiceContext) RunLevel() int {
	return c.manifest.RunLevel
}

// Manifest returns the service manifest.
func (c *ServiceContext) Manifest() *Manifest {
	return c.manifest
}

// =============================================================================
// Capability Methods
// =============================================================================

// HasCapability checks if the service has a capability.
func (c *ServiceContext) HasCapability(cap Capability) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities[cap]
}

// RequireCapability returns an error if capability is not granted.
func (c *ServiceContext) RequireCapability(cap Capability) error {
	if !c.HasCapability(cap) {
		return ErrCapabilityDenied(cap)
	}
	return nil
}

// =============================================================================
// Kernel APIs
// =============================================================================

// Events returns the EventsAPI.
func (c *ServiceContext) Events() EventsAPI {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eventsAPI == nil {
		c.eventsAPI = newEventsAPI(c, c.manifest.Name)
	}
	return c.eventsAPI
}

// Scheduler returns the SchedulerAPI.
func (c *ServiceContext) Scheduler() SchedulerAPI {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schedulerAPI == nil {
		c.schedulerAPI = newSchedulerAPI(c, c.manifest.Name)
	}
	return c.schedulerAPI
}

// Commands returns the CommandsAPI.
func (c *ServiceContext) Commands() CommandsAPI {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.commandsAPI == nil {
		c.commandsAPI = newCommandsAPI(c, c.manifest.Name)
	}
	return c.commandsAPI
}

// Config returns the ConfigAPI.
func (c *ServiceContext) Config() ConfigAPI {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.configAPI == nil {
		c.configAPI = newConfigAPI(c, c.manifest.Config)
	}
	return c.configAPI
}

// =============================================================================
// Lifecycle Methods
// =============================================================================

// RequestDestroy forwards a destroy request for this service to the kernel.
func (c *ServiceContext) RequestDestroy(reason string) {
	c.kernel.RequestDestroy(c.manifest.Name, reason)
}

// Context returns the service context. It is cancelled by Close.
func (c *ServiceContext) Context() context.Context {
	return c.ctx
}

// Logger returns the service logger.
func (c *ServiceContext) Logger() Logger {
	return c.logger
}

// Close closes the service context and releases resources.
func (c *ServiceContext) Close() error {
	c.cancel()
	return nil
}
