// Package state provides the lifecycle status definitions shared by the
// engine, the service registry and service implementations. Every transition
// is validated against a single table so status semantics stay consistent
// across the kernel.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ServiceStatus represents the lifecycle status of a loaded service.
type ServiceStatus int32

const (
	// ServiceLoading is the status of a freshly constructed service.
	ServiceLoading ServiceStatus = iota

	// ServiceRunning indicates the service has been started by the registry.
	ServiceRunning

	// ServiceShuttingDown indicates the registry is unloading the service.
	ServiceShuttingDown

	// ServiceDied is terminal. The service is never restarted.
	ServiceDied
)

// String returns the string representation of the status.
func (s ServiceStatus) String() string {
	switch s {
	case ServiceLoading:
		return "loading"
	case ServiceRunning:
		return "running"
	case ServiceShuttingDown:
		return "shutting-down"
	case ServiceDied:
		return "died"
	default:
		return fmt.Sprintf("service-status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s ServiceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ServiceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseServiceStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseServiceStatus converts a string to ServiceStatus.
func ParseServiceStatus(s string) (ServiceStatus, error) {
	switch s {
	case "loading":
		return ServiceLoading, nil
	case "running":
		return ServiceRunning, nil
	case "shutting-down", "shutting_down":
		return ServiceShuttingDown, nil
	case "died", "dead":
		return ServiceDied, nil
	default:
		return ServiceLoading, fmt.Errorf("unknown service status %q", s)
	}
}

// IsTerminal returns true if no further transition is possible.
func (s ServiceStatus) IsTerminal() bool {
	return s == ServiceDied
}

// ValidServiceTransitions defines allowed service transitions. The machine is
// single direction with no cycles.
var ValidServiceTransitions = map[ServiceStatus][]ServiceStatus{
	ServiceLoading:      {ServiceRunning, ServiceDied},
	ServiceRunning:      {ServiceShuttingDown},
	ServiceShuttingDown: {ServiceDied},
	ServiceDied:         {},
}

// CanTransitionService returns true if the service transition from -> to is valid.
func CanTransitionService(from, to ServiceStatus) bool {
	for _, s := range ValidServiceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EngineStatus represents the process-wide lifecycle status of the engine.
type EngineStatus int32

const (
	// EngineStarting is the initial status while configured services load.
	EngineStarting EngineStatus = iota

	// EngineRunning indicates every mandatory service loaded.
	EngineRunning

	// EngineShuttingDown indicates an ordered shutdown is in progress.
	EngineShuttingDown

	// EngineDied is terminal and reachable from every other status.
	EngineDied
)

// String returns the string representation of the status.
func (s EngineStatus) String() string {
	switch s {
	case EngineStarting:
		return "starting"
	case EngineRunning:
		return "running"
	case EngineShuttingDown:
		return "shutting-down"
	case EngineDied:
		return "died"
	default:
		return fmt.Sprintf("engine-status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s EngineStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal returns true if this status represents a terminal state.
func (s EngineStatus) IsTerminal() bool {
	return s == EngineDied
}

// IsHealthy returns true if this status represents a healthy state.
func (s EngineStatus) IsHealthy() bool {
	return s == EngineRunning
}

// ValidEngineTransitions defines allowed engine transitions. Died is handled
// separately by CanTransitionEngine since it is reachable from anywhere.
var ValidEngineTransitions = map[EngineStatus][]EngineStatus{
	EngineStarting:     {EngineRunning, EngineShuttingDown},
	EngineRunning:      {EngineShuttingDown},
	EngineShuttingDown: {},
}

// CanTransitionEngine returns true if the engine transition from -> to is valid.
func CanTransitionEngine(from, to EngineStatus) bool {
	if from == EngineDied {
		return false
	}
	if to == EngineDied {
		return true
	}
	for _, s := range ValidEngineTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is matched by every TransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError represents an invalid state transition.
type TransitionError struct {
	From fmt.Stringer
	To   fmt.Stringer
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e TransitionError) Unwrap() error { return ErrInvalidTransition }

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to fmt.Stringer) TransitionError {
	return TransitionError{From: from, To: to}
}
