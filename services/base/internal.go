package base

import (
	"github.com/R3E-Network/service_kernel/platform/os"
)

// InternalService is a service whose business logic runs entirely in the
// kernel process as tasks and event handlers.
type InternalService struct {
	*BaseService
}

// NewInternalService creates an in-process service.
func NewInternalService(serviceOS os.ServiceOS, name string, runLevel int) *InternalService {
	return &InternalService{
		BaseService: NewBaseService(serviceOS, name, runLevel, os.InProcess),
	}
}

var _ os.ServiceInstance = (*InternalService)(nil)
