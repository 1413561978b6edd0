package os

import (
	"errors"
	"fmt"

	"github.com/R3E-Network/service_kernel/internal/engine/state"
)

// Error codes
const (
	ErrCodeCapabilityDenied = "CAPABILITY_DENIED"
	ErrCodeTypeError        = "TYPE_ERROR"
	ErrCodeInvalidArgument  = "INVALID_ARGUMENT"
)

// OSError represents a ServiceOS error.
type OSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *OSError) Error() string {
	return e.Message
}

// NewOSError creates a new OS error.
func NewOSError(code, message string) *OSError {
	return &OSError{Code: code, Message: message}
}

// ErrCapabilityDenied returns a capability denied error.
func ErrCapabilityDenied(cap Capability) *OSError {
	return NewOSError(ErrCodeCapabilityDenied, "capability denied: "+string(cap))
}

// IsCapabilityDenied checks if an error is a capability denied error.
func IsCapabilityDenied(err error) bool {
	var osErr *OSError
	return errors.As(err, &osErr) && osErr.Code == ErrCodeCapabilityDenied
}

var (
	ErrModuleReleased    = errors.New("module already released")
	ErrRateLimited       = errors.New("event trigger rate limited")
	ErrBusClosed         = errors.New("event bus is closed")
	ErrSchedulerClosed   = errors.New("scheduler is closed")
	ErrUnloadInProgress  = errors.New("service unload already in progress")
	ErrInvalidTransition = state.ErrInvalidTransition
	ErrEngineNotRunning  = errors.New("engine is not running")
	ErrServiceStopping   = errors.New("service is shutting down")
)

// ModuleOpenError is returned when a module cannot be opened at all.
type ModuleOpenError struct {
	Path string
	Err  error
}

func (e *ModuleOpenError) Error() string {
	return fmt.Sprintf("open module %s: %v", e.Path, e.Err)
}

func (e *ModuleOpenError) Unwrap() error { return e.Err }

// SymbolResolutionError is returned when a module opens but does not export a
// usable factory.
type SymbolResolutionError struct {
	Path   string
	Symbol string
	Err    error
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("resolve symbol %s in module %s: %v", e.Symbol, e.Path, e.Err)
}

func (e *SymbolResolutionError) Unwrap() error { return e.Err }

// InvalidInstanceError is returned when a factory fails or returns nil.
type InvalidInstanceError struct {
	Path string
	Name string
	Err  error
}

func (e *InvalidInstanceError) Error() string {
	return fmt.Sprintf("instantiate service %s from %s: %v", e.Name, e.Path, e.Err)
}

func (e *InvalidInstanceError) Unwrap() error { return e.Err }

// ServiceNotFoundError is returned for lookups of unknown service names.
type ServiceNotFoundError struct {
	Name string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service not found: %s", e.Name)
}

// DuplicateServiceNameError is returned when a name is already loaded.
type DuplicateServiceNameError struct {
	Name string
}

func (e *DuplicateServiceNameError) Error() string {
	return fmt.Sprintf("service already registered: %s", e.Name)
}

// EventNotRegisteredError is returned when triggering, or subscribing to, an
// event its publisher never registered.
type EventNotRegisteredError struct {
	Publisher string
	Event     string
}

func (e *EventNotRegisteredError) Error() string {
	return fmt.Sprintf("event %q not registered by service %s", e.Event, e.Publisher)
}

// CommandNotFoundError is returned when invoking an unknown command.
type CommandNotFoundError struct {
	Service string
	Command string
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("command %q not found on service %s", e.Command, e.Service)
}

// ServiceDestroyRequested is the cooperative signal a service raises to have
// the registry unload it. It is not a fault.
type ServiceDestroyRequested struct {
	Name   string
	Reason string
}

func (e *ServiceDestroyRequested) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("service %s requested destroy", e.Name)
	}
	return fmt.Sprintf("service %s requested destroy: %s", e.Name, e.Reason)
}

// EngineFatalError forces the engine into Died.
type EngineFatalError struct {
	Err error
}

func (e *EngineFatalError) Error() string {
	return fmt.Sprintf("engine fatal: %v", e.Err)
}

func (e *EngineFatalError) Unwrap() error { return e.Err }

// IsModuleOpen reports whether err is a ModuleOpenError.
func IsModuleOpen(err error) bool {
	var target *ModuleOpenError
	return errors.As(err, &target)
}

// IsSymbolResolution reports whether err is a SymbolResolutionError.
func IsSymbolResolution(err error) bool {
	var target *SymbolResolutionError
	return errors.As(err, &target)
}

// IsInvalidInstance reports whether err is an InvalidInstanceError.
func IsInvalidInstance(err error) bool {
	var target *InvalidInstanceError
	return errors.As(err, &target)
}

// IsServiceNotFound reports whether err is a ServiceNotFoundError.
func IsServiceNotFound(err error) bool {
	var target *ServiceNotFoundError
	return errors.As(err, &target)
}

// IsDuplicateServiceName reports whether err is a DuplicateServiceNameError.
func IsDuplicateServiceName(err error) bool {
	var target *DuplicateServiceNameError
	return errors.As(err, &target)
}

// IsEventNotRegistered reports whether err is an EventNotRegisteredError.
func IsEventNotRegistered(err error) bool {
	var target *EventNotRegisteredError
	return errors.As(err, &target)
}

// IsCommandNotFound reports whether err is a CommandNotFoundError.
func IsCommandNotFound(err error) bool {
	var target *CommandNotFoundError
	return errors.As(err, &target)
}

// IsDestroyRequested reports whether err is a ServiceDestroyRequested signal.
func IsDestroyRequested(err error) bool {
	var target *ServiceDestroyRequested
	return errors.As(err, &target)
}

// IsEngineFatal reports whether err is an EngineFatalError.
func IsEngineFatal(err error) bool {
	var target *EngineFatalError
	return errors.As(err, &target)
}
