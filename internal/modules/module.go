// Package modules implements the module/action registry and the external
// module runner: loading an executable's self-described metadata, blocking
// invocation, and detached non-blocking invocation with pid callback and
// output-delay handling.
package modules

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks a JSON document against a compiled JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemaDoc (a JSON Schema document) into a Validator.
// A nil schemaDoc produces a Validator that accepts anything, matching
// modules/actions that declare no schema.
func NewValidator(name string, schemaDoc json.RawMessage) (*Validator, error) {
	if len(schemaDoc) == 0 {
		return &Validator{}, nil
	}
	compiler := jsonschema.NewCompiler()
	var doc interface{}
	if err := json.Unmarshal(schemaDoc, &doc); err != nil {
		return nil, err
	}
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, err
	}
	return &Validator{schema: schema}, nil
}

// Validate checks data against v's schema. A Validator with no schema
// always succeeds.
func (v *Validator) Validate(data json.RawMessage) error {
	if v == nil || v.schema == nil {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return v.schema.Validate(doc)
}

// Action describes one action a Module exposes.
type Action struct {
	Name            string
	InputValidator  *Validator
	ResultValidator *Validator
}

// Module is the registry's view of a loadable module, internal or external.
type Module interface {
	Name() string
	Actions() map[string]*Action
	SupportsAsync() bool
	HasAction(name string) bool

	// Execute runs action synchronously (blocking path) and returns raw
	// JSON results or an error.
	Execute(action string, params json.RawMessage) (json.RawMessage, error)

	// ExecuteAsync runs action detached, writing stdout/stderr/exitcode/pid
	// into resultsDir as a side effect, invoking onPID as soon as the
	// child's pid is known. It blocks until the child has exited and the
	// output-delay window has then elapsed, or until a structured failure
	// is known. It does not read the output files; callers read them from
	// resultsDir.
	ExecuteAsync(action string, params json.RawMessage, resultsDir string, onPID func(pid int)) error
}

// Registry holds the {name -> Module} table. It is populated at startup and
// immutable after.
type Registry struct {
	modules map[string]Module
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds m to the registry, keyed by its own name.
func (r *Registry) Register(m Module) {
	r.modules[m.Name()] = m
}

// Get returns the module named name, if loaded.
func (r *Registry) Get(name string) (Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// Names returns every loaded module name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}
