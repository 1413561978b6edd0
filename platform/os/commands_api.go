package os

import (
	"context"
	"strings"
)

// commandsAPIImpl implements CommandsAPI.
type commandsAPIImpl struct {
	ctx         *ServiceContext
	serviceName string
}

func newCommandsAPI(ctx *ServiceContext, serviceName string) *commandsAPIImpl {
	return &commandsAPIImpl{
		ctx:         ctx,
		serviceName: serviceName,
	}
}

func (c *commandsAPIImpl) Register(ctx context.Context, command string, handler CommandHandler) error {
	if err := c.ctx.RequireCapability(CapCommands); err != nil {
		return err
	}
	if strings.TrimSpace(command) == "" {
		return NewOSError(ErrCodeInvalidArgument, "command name is required")
	}
	if handler == nil {
		return NewOSError(ErrCodeInvalidArgument, "command handler is required")
	}
	return c.ctx.kernel.RegisterCommand(c.serviceName, command, handler)
}

func (c *commandsAPIImpl) Invoke(ctx context.Context, service, command string, data any) (Payload, error) {
	if err := c.ctx.RequireCapability(CapCommands); err != nil {
		return nil, err
	}
	payload, err := NewPayload(data)
	if err != nil {
		return nil, err
	}
	return c.ctx.kernel.InvokeCommand(ctx, service, command, payload)
}
