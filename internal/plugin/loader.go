package plugin

import (
	"strings"
)

// MultiLoader routes a module path to a loader by its scheme:
// "builtin:<id>" to the builtin registry, "js:<file>" to the script loader and
// anything else to the native plugin loader.
type MultiLoader struct {
	Native  Loader
	Builtin Loader
	Script  Loader
}

// NewMultiLoader returns a MultiLoader with the default loaders.
func NewMultiLoader() *MultiLoader {
	return &MultiLoader{
		Native:  NativeLoader{},
		Builtin: StaticLoader{},
		Script:  ScriptLoader{},
	}
}

// Load implements Loader.
func (m *MultiLoader) Load(path string) (*Module, error) {
	switch {
	case strings.HasPrefix(path, BuiltinScheme):
		return m.Builtin.Load(path)
	case strings.HasPrefix(path, ScriptScheme):
		return m.Script.Load(path)
	default:
		return m.Native.Load(path)
	}
}
