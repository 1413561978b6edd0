package config

import (
	"fmt"
	"sort"
	"strings"

	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// ServiceDescriptor names a module to load and how to run it.
type ServiceDescriptor struct {
	// Module is a native plugin path, "builtin:<id>" or "js:<file>".
	Module    string `json:"module" yaml:"module" toml:"module"`
	Name      string `json:"name" yaml:"name" toml:"name"`
	RunLevel  int    `json:"run_level" yaml:"run_level" toml:"run_level"`
	Mandatory bool   `json:"mandatory" yaml:"mandatory" toml:"mandatory"`

	// Capabilities granted to the service. Empty grants all of them.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty" toml:"capabilities,omitempty"`

	// Trigger budget on the event bus. A zero rate inherits the engine default.
	TriggerRate  float64 `json:"trigger_rate,omitempty" yaml:"trigger_rate,omitempty" toml:"trigger_rate,omitempty"`
	TriggerBurst int     `json:"trigger_burst,omitempty" yaml:"trigger_burst,omitempty" toml:"trigger_burst,omitempty"`

	// Config is handed to the service unchanged through its ConfigAPI.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty" toml:"config,omitempty"`
}

func (d *ServiceDescriptor) applyDefaults() {
	d.Name = strings.TrimSpace(d.Name)
	d.Module = strings.TrimSpace(d.Module)
}

// Validate checks a single descriptor.
func (d *ServiceDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(d.Module) == "" {
		return fmt.Errorf("service %s: module is required", d.Name)
	}
	if d.TriggerRate < 0 || d.TriggerBurst < 0 {
		return fmt.Errorf("service %s: trigger budget must not be negative", d.Name)
	}
	known := make(map[string]bool)
	for _, c := range kos.AllCapabilities() {
		known[string(c)] = true
	}
	for _, c := range d.Capabilities {
		if !known[c] {
			return fmt.Errorf("service %s: unknown capability %q", d.Name, c)
		}
	}
	return nil
}

// GrantedCapabilities converts Capabilities for the ServiceOS manifest.
func (d *ServiceDescriptor) GrantedCapabilities() []kos.Capability {
	if len(d.Capabilities) == 0 {
		return nil
	}
	caps := make([]kos.Capability, len(d.Capabilities))
	for i, c := range d.Capabilities {
		caps[i] = kos.Capability(c)
	}
	return caps
}

// Manifest builds the ServiceOS manifest for the descriptor.
func (d *ServiceDescriptor) Manifest() *kos.Manifest {
	return &kos.Manifest{
		Name:         d.Name,
		Module:       d.Module,
		RunLevel:     d.RunLevel,
		Capabilities: d.GrantedCapabilities(),
		Config:       d.Config,
	}
}

// GroupByRunLevel groups descriptors by run level, lowest level first. The
// order inside a group follows the input.
func GroupByRunLevel(descs []ServiceDescriptor) [][]ServiceDescriptor {
	byLevel := make(map[int][]ServiceDescriptor)
	for _, d := range descs {
		byLevel[d.RunLevel] = append(byLevel[d.RunLevel], d)
	}
	levels := make([]int, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Ints(levels)

	groups := make([][]ServiceDescriptor, len(levels))
	for i, l := range levels {
		groups[i] = byLevel[l]
	}
	return groups
}
