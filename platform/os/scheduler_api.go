package os

import (
	"context"
	"strings"
	"time"
)

// schedulerAPIImpl implements SchedulerAPI.
type schedulerAPIImpl struct {
	ctx         *ServiceContext
	serviceName string
}

func newSchedulerAPI(ctx *ServiceContext, serviceName string) *schedulerAPIImpl {
	return &schedulerAPIImpl{
		ctx:         ctx,
		serviceName: serviceName,
	}
}

func (s *schedulerAPIImpl) schedule(spec TaskSpec) (Task, error) {
	if err := s.ctx.RequireCapability(CapScheduler); err != nil {
		return nil, err
	}
	if spec.Handler == nil {
		return nil, NewOSError(ErrCodeInvalidArgument, "task handler is required")
	}
	return s.ctx.kernel.Schedule(s.serviceName, spec)
}

func (s *schedulerAPIImpl) Asynchronously(ctx context.Context, h Handler) (Task, error) {
	return s.schedule(TaskSpec{Type: TaskOneShot, Handler: h})
}

func (s *schedulerAPIImpl) SetTimeout(ctx context.Context, delay time.Duration, h Handler) (Task, error) {
	if delay < 0 {
		return nil, NewOSError(ErrCodeInvalidArgument, "timeout delay must not be negative")
	}
	return s.schedule(TaskSpec{Type: TaskTimeout, Delay: delay, Handler: h})
}

func (s *schedulerAPIImpl) Periodically(ctx context.Context, period time.Duration, startImmediately bool, h Handler) (Task, error) {
	if period <= 0 {
		return nil, NewOSError(ErrCodeInvalidArgument, "period must be positive")
	}
	return s.schedule(TaskSpec{Type: TaskPeriodic, Delay: period, StartImmediately: startImmediately, Handler: h})
}

func (s *schedulerAPIImpl) Cron(ctx context.Context, expr string, h Handler) (Task, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, NewOSError(ErrCodeInvalidArgument, "cron expression is required")
	}
	return s.schedule(TaskSpec{Type: TaskCron, CronExpr: expr, Handler: h})
}

func (s *schedulerAPIImpl) List(ctx context.Context) ([]Task, error) {
	if err := s.ctx.RequireCapability(CapScheduler); err != nil {
		return nil, err
	}
	return s.ctx.kernel.Tasks(s.serviceName), nil
}
