package modules

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/llmos/runtime/faults"
)

// SchemaRegistry compiles and caches the params schemas declared in
// module manifests, keyed by "module.action". It implements
// plan.SchemaChecker so the validator can consult it directly.
type SchemaRegistry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
	raw      map[string]map[string]any
}

// NewSchemaRegistry returns an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		compiled: make(map[string]*jsonschema.Schema),
		raw:      make(map[string]map[string]any),
	}
}

// AddManifest compiles every params schema in the manifest. A schema
// that fails to compile rejects the whole manifest so a module never
// registers half-validated.
func (s *SchemaRegistry) AddManifest(m Manifest) error {
	type entry struct {
		key    string
		schema *jsonschema.Schema
		raw    map[string]any
	}
	entries := make([]entry, 0, len(m.Actions))
	for _, a := range m.Actions {
		if a.ParamsSchema == nil {
			continue
		}
		key := m.ModuleID + "." + a.Name
		compiled, err := compileSchema(key, a.ParamsSchema)
		if err != nil {
			return faults.Wrap(faults.CodeValidation, err, "module %q action %q: invalid params schema", m.ModuleID, a.Name)
		}
		entries = append(entries, entry{key: key, schema: compiled, raw: a.ParamsSchema})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.compiled[e.key] = e.schema
		s.raw[e.key] = e.raw
	}
	return nil
}

// RemoveModule drops every schema registered under the module id.
func (s *SchemaRegistry) RemoveModule(moduleID string) {
	prefix := moduleID + "."
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.compiled {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.compiled, key)
			delete(s.raw, key)
		}
	}
}

// HasSchema reports whether a params schema is registered for the pair.
func (s *SchemaRegistry) HasSchema(module, action string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.compiled[module+"."+action]
	return ok
}

// CheckParams validates params against the registered schema. Callers
// must ensure HasSchema first; an unregistered pair passes.
func (s *SchemaRegistry) CheckParams(module, action string, params map[string]any) error {
	s.mu.RLock()
	schema, ok := s.compiled[module+"."+action]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	// Round-trip through JSON so validation sees the same value shapes
	// the wire format produces.
	normalised, err := normalise(params)
	if err != nil {
		return err
	}
	return schema.Validate(normalised)
}

// RawSchema returns the uncompiled schema document for a pair, for the
// API surface and the prompt generator.
func (s *SchemaRegistry) RawSchema(module, action string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.raw[module+"."+action]
	return raw, ok
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, normaliseDoc(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// normaliseDoc converts a schema document built from Go literals into
// the generic JSON value shapes the compiler expects.
func normaliseDoc(doc map[string]any) any {
	out, err := normalise(doc)
	if err != nil {
		return doc
	}
	return out
}

func normalise(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode for schema validation: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode for schema validation: %w", err)
	}
	return out, nil
}
