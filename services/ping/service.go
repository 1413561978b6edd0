// Package ping provides the builtin "ping" module. Ping waits for its peer to
// announce readiness and records every announcement it observes.
package ping

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/service_kernel/internal/plugin"
	"github.com/R3E-Network/service_kernel/platform/os"
	"github.com/R3E-Network/service_kernel/services/base"
)

// =============================================================================
// Service Constants
// =============================================================================

const (
	ModuleID = "ping"

	// EventTick is published every "interval" when one is configured.
	EventTick = "ping.tick"

	// CommandStatus answers with the announcements observed so far.
	CommandStatus = "status"

	defaultPeer      = "pong"
	defaultPeerEvent = "pong.ready"
)

func init() {
	plugin.Register(ModuleID, plugin.ModuleInfo{
		Description: "Observes pong.ready announcements",
	}, New)
}

// Ready is the payload of a readiness announcement.
type Ready struct {
	Status string `json:"status"`
}

// Status is the answer to CommandStatus.
type Status struct {
	Received int    `json:"received"`
	Last     string `json:"last"`
	Ticks    int    `json:"ticks"`
}

// =============================================================================
// Service Implementation
// =============================================================================

// Service implements the ping module.
type Service struct {
	*base.InternalService

	mu       sync.Mutex
	received int
	last     string
	ticks    int
	interval time.Duration
}

// New is the module factory.
func New(serviceOS os.ServiceOS, name string, runLevel int) (os.ServiceInstance, error) {
	s := &Service{InternalService: base.NewInternalService(serviceOS, name, runLevel)}
	ctx := serviceOS.Context()

	peer := defaultPeer
	if v, err := serviceOS.Config().GetString(ctx, "peer"); err == nil && v != "" {
		peer = v
	}
	if d, err := serviceOS.Config().GetDuration(ctx, "interval"); err == nil {
		s.interval = d
	}

	if err := base.OnEventAs(s.BaseService, peer, defaultPeerEvent, s.onReady); err != nil {
		return nil, err
	}
	if err := s.RegisterEvent(EventTick); err != nil {
		return nil, err
	}
	if err := s.AddCommand(CommandStatus, s.status); err != nil {
		return nil, err
	}

	s.SetHooks(base.LifecycleHooks{OnStart: s.onStart})
	return s, nil
}

func (s *Service) onStart(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	_, err := s.Periodically(s.interval, func(ctx context.Context) error {
		s.mu.Lock()
		s.ticks++
		n := s.ticks
		s.mu.Unlock()
		return s.TriggerEvent(ctx, EventTick, map[string]int{"tick": n})
	})
	return err
}

func (s *Service) onReady(ctx context.Context, ev os.Event, r Ready) error {
	s.mu.Lock()
	s.received++
	s.last = r.Status
	s.mu.Unlock()
	s.Logger().Info("peer ready", "publisher", ev.Publisher, "status", r.Status)
	return nil
}

func (s *Service) status(ctx context.Context, _ os.Payload) (os.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.NewPayload(Status{Received: s.received, Last: s.last, Ticks: s.ticks})
}
