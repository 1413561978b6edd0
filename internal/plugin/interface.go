// Package plugin loads service modules.
//
// A module is anything that yields a NewService factory: a native Go plugin
// built with -buildmode=plugin, a factory compiled into the binary and
// registered from init(), or a JavaScript file run in an embedded runtime.
// The registry only ever sees the Module handle.
package plugin

import (
	"fmt"
	"sync"

	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// FactorySymbol is the symbol every module exports.
const FactorySymbol = "NewService"

// Factory creates a service instance bound to its ServiceOS facade.
type Factory func(svc kos.ServiceOS, name string, runLevel int) (kos.ServiceInstance, error)

// Loader opens a module and resolves its factory.
type Loader interface {
	Load(path string) (*Module, error)
}

// Module is a loaded unit of service code.
type Module struct {
	path    string
	factory Factory
	release func() error

	mu       sync.Mutex
	released bool
}

// NewModule wraps factory as a module. release runs once on Release and may
// be nil.
func NewModule(path string, factory Factory, release func() error) *Module {
	return &Module{path: path, factory: factory, release: release}
}

// Path returns the path the module was loaded from.
func (m *Module) Path() string {
	return m.path
}

// Instantiate calls the module factory. A factory error, a panic or a nil
// instance is reported as InvalidInstanceError.
func (m *Module) Instantiate(svc kos.ServiceOS, name string, runLevel int) (inst kos.ServiceInstance, err error) {
	m.mu.Lock()
	released := m.released
	m.mu.Unlock()
	if released {
		return nil, kos.ErrModuleReleased
	}

	defer func() {
		if r := recover(); r != nil {
			inst = nil
			err = &kos.InvalidInstanceError{Path: m.path, Name: name, Err: fmt.Errorf("factory panic: %v", r)}
		}
	}()

	inst, err = m.factory(svc, name, runLevel)
	if err != nil {
		return nil, &kos.InvalidInstanceError{Path: m.path, Name: name, Err: err}
	}
	if inst == nil {
		return nil, &kos.InvalidInstanceError{Path: m.path, Name: name, Err: fmt.Errorf("factory returned nil instance")}
	}
	return inst, nil
}

// Release frees the module. It runs exactly once; later calls return
// ErrModuleReleased.
func (m *Module) Release() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return kos.ErrModuleReleased
	}
	m.released = true
	m.mu.Unlock()

	if m.release != nil {
		return m.release()
	}
	return nil
}

// Released reports whether Release has been called.
func (m *Module) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
