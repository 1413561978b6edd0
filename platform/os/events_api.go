package os

import (
	"context"
	"strings"
)

// eventsAPIImpl implements EventsAPI.
type eventsAPIImpl struct {
	ctx         *ServiceContext
	serviceName string
}

func newEventsAPI(ctx *ServiceContext, serviceName string) *eventsAPIImpl {
	return &eventsAPIImpl{
		ctx:         ctx,
		serviceName: serviceName,
	}
}

func (e *eventsAPIImpl) Register(ctx context.Context, event string) error {
	if err := e.ctx.RequireCapability(CapEvents); err != nil {
		return err
	}
	if strings.TrimSpace(event) == "" {
		return NewOSError(ErrCodeInvalidArgument, "event name is required")
	}
	return e.ctx.kernel.RegisterEvent(e.serviceName, event)
}

func (e *eventsAPIImpl) Subscribe(ctx context.Context, publisher, event string, handler EventHandler) error {
	if err := e.ctx.RequireCapability(CapEvents); err != nil {
		return err
	}
	if handler == nil {
		return NewOSError(ErrCodeInvalidArgument, "event handler is required")
	}
	return e.ctx.kernel.OnEvent(e.serviceName, publisher, event, handler)
}

func (e *eventsAPIImpl) Trigger(ctx context.Context, event string, data any) error {
	if err := e.ctx.RequireCapability(CapEvents); err != nil {
		return err
	}
	payload, err := NewPayload(data)
	if err != nil {
		return err
	}
	return e.ctx.kernel.TriggerEvent(ctx, e.serviceName, event, payload)
}
