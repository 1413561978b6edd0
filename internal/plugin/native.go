package plugin

import (
	"fmt"
	"plugin"

	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// NativeLoader opens Go plugins built with -buildmode=plugin.
//
// The Go runtime never unloads a plugin, so Release only retires the handle;
// the code stays mapped and a later Load of the same path reuses it.
type NativeLoader struct{}

// Load implements Loader.
func (NativeLoader) Load(path string) (*Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, &kos.ModuleOpenError{Path: path, Err: err}
	}

	sym, err := p.Lookup(FactorySymbol)
	if err != nil {
		return nil, &kos.SymbolResolutionError{Path: path, Symbol: FactorySymbol, Err: err}
	}

	factory, err := asFactory(sym)
	if err != nil {
		return nil, &kos.SymbolResolutionError{Path: path, Symbol: FactorySymbol, Err: err}
	}
	return NewModule(path, factory, nil), nil
}

// asFactory accepts the exported function itself or an exported variable
// holding one.
func asFactory(sym any) (Factory, error) {
	switch f := sym.(type) {
	case func(kos.ServiceOS, string, int) (kos.ServiceInstance, error):
		return f, nil
	case Factory:
		return f, nil
	case *Factory:
		if f == nil || *f == nil {
			return nil, fmt.Errorf("symbol is a nil factory")
		}
		return *f, nil
	case *func(kos.ServiceOS, string, int) (kos.ServiceInstance, error):
		if f == nil || *f == nil {
			return nil, fmt.Errorf("symbol is a nil factory")
		}
		return *f, nil
	default:
		return nil, fmt.Errorf("symbol has type %T, want %T", sym, Factory(nil))
	}
}
