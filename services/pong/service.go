// Package pong provides the builtin "pong" module. Pong announces readiness
// once it is running, and again whenever the "announce" command is invoked.
package pong

import (
	"context"

	"github.com/R3E-Network/service_kernel/internal/plugin"
	"github.com/R3E-Network/service_kernel/platform/os"
	"github.com/R3E-Network/service_kernel/services/base"
)

const (
	ModuleID = "pong"

	EventReady      = "pong.ready"
	CommandAnnounce = "announce"
)

func init() {
	plugin.Register(ModuleID, plugin.ModuleInfo{
		Description: "Announces pong.ready once running",
	}, New)
}

// Service implements the pong module.
type Service struct {
	*base.InternalService
	status string
}

// New is the module factory. The announced status comes from the "status"
// config key and defaults to "ok".
func New(serviceOS os.ServiceOS, name string, runLevel int) (os.ServiceInstance, error) {
	s := &Service{
		InternalService: base.NewInternalService(serviceOS, name, runLevel),
		status:          "ok",
	}
	if v, err := serviceOS.Config().GetString(serviceOS.Context(), "status"); err == nil && v != "" {
		s.status = v
	}

	if err := s.RegisterEvent(EventReady); err != nil {
		return nil, err
	}
	if err := s.AddCommand(CommandAnnounce, func(ctx context.Context, _ os.Payload) (os.Payload, error) {
		return os.EmptyPayload, s.announce(ctx)
	}); err != nil {
		return nil, err
	}

	s.SetHooks(base.LifecycleHooks{
		OnStart: func(ctx context.Context) error {
			_, err := s.Asynchronously(s.announce)
			return err
		},
	})
	return s, nil
}

func (s *Service) announce(ctx context.Context) error {
	return s.TriggerEvent(ctx, EventReady, map[string]string{"status": s.status})
}
