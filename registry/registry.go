// Package registry is the measurement-type factory registry. Each factory validates its JSON configuration against a
// hand-written schema before construction, turning a malformed parameter
// list into a ConfigError at construction time rather than a panic deep
// inside a concrete measurement.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/measurement"
)

// Factory constructs a concrete Measurement from validated JSON
// configuration. name is the Measurement's diagnostic name.
type Factory func(name string, config json.RawMessage) (*measurement.Base, error)

// entry pairs a Factory with the JSON schema its configuration must satisfy.
type entry struct {
	factory Factory
	schema  *gojsonschema.Schema
}

// Registry is the closed set of known measurement types plus their
// construction-time schema validation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty measurement-type registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a measurement type under typeName, validating configs
// against schemaJSON (a JSON Schema document) before invoking factory.
// Registering the same typeName twice is a ConfigError: the set of core
// measurement types is meant to be closed and registered once at startup.
func (r *Registry) Register(typeName string, schemaJSON string, factory Factory) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return errors.WrapConfig(err, "registry", "Register", fmt.Sprintf("compile schema for %q", typeName))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[typeName]; exists {
		return errors.WrapConfig(fmt.Errorf("measurement type %q already registered", typeName), "registry", "Register", "duplicate registration")
	}
	r.entries[typeName] = entry{factory: factory, schema: schema}
	return nil
}

// Construct validates config against typeName's schema and, on success,
// invokes its factory. A schema violation or unknown type is returned as a
// ConfigError: "Invalid channel, out-of-range parameter at
// Measurement construction. Raised to caller; Measurement not attached."
func (r *Registry) Construct(typeName, name string, config json.RawMessage) (*measurement.Base, error) {
	r.mu.RLock()
	e, ok := r.entries[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapConfig(fmt.Errorf("unknown measurement type %q", typeName), "registry", "Construct", "type lookup")
	}

	result, err := e.schema.Validate(gojsonschema.NewBytesLoader(config))
	if err != nil {
		return nil, errors.WrapConfig(err, "registry", "Construct", "schema validation")
	}
	if !result.Valid() {
		return nil, errors.WrapConfig(schemaViolation(result), "registry", "Construct", fmt.Sprintf("configuration for %q", typeName))
	}

	base, err := e.factory(name, config)
	if err != nil {
		return nil, errors.WrapConfig(err, "registry", "Construct", fmt.Sprintf("build %q", typeName))
	}
	return base, nil
}

// Types returns the set of registered measurement type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

func schemaViolation(result *gojsonschema.Result) error {
	msg := "invalid configuration:"
	for _, e := range result.Errors() {
		msg += " " + e.String() + ";"
	}
	return fmt.Errorf("%s", msg)
}
