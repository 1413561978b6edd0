package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// BuiltinScheme prefixes module paths served by the builtin registry.
const BuiltinScheme = "builtin:"

// ModuleInfo contains static information about a builtin module.
type ModuleInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

var (
	registry = make(map[string]builtinEntry)
	mu       sync.RWMutex
)

// builtinEntry holds a factory and its metadata.
type builtinEntry struct {
	factory Factory
	info    ModuleInfo
}

// Register adds a builtin module factory.
// This should be called in each module's init() function.
// Panics if a module with the same ID is already registered.
func Register(id string, info ModuleInfo, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if factory == nil {
		panic(fmt.Sprintf("plugin: module %q registered with nil factory", id))
	}
	if _, exists := registry[id]; exists {
		panic(fmt.Sprintf("plugin: module %q already registered", id))
	}

	info.ID = id
	registry[id] = builtinEntry{
		factory: factory,
		info:    info,
	}
}

// Get returns a builtin factory by ID.
func Get(id string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()

	entry, ok := registry[id]
	if !ok {
		return nil, false
	}
	return entry.factory, true
}

// List returns all registered module IDs in sorted order.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()

	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Info returns the ModuleInfo for a registered module.
func Info(id string) (ModuleInfo, bool) {
	mu.RLock()
	defer mu.RUnlock()

	entry, ok := registry[id]
	if !ok {
		return ModuleInfo{}, false
	}
	return entry.info, true
}

// IsRegistered checks if a module is registered.
func IsRegistered(id string) bool {
	_, ok := Get(id)
	return ok
}

// StaticLoader serves "builtin:<id>" paths from the builtin registry.
type StaticLoader struct{}

// Load implements Loader.
func (StaticLoader) Load(path string) (*Module, error) {
	id := strings.TrimPrefix(path, BuiltinScheme)
	if id == "" {
		return nil, &kos.ModuleOpenError{Path: path, Err: fmt.Errorf("empty builtin module id")}
	}
	factory, ok := Get(id)
	if !ok {
		return nil, &kos.ModuleOpenError{Path: path, Err: fmt.Errorf("builtin module %q not registered (available: %v)", id, List())}
	}
	return NewModule(path, factory, nil), nil
}
