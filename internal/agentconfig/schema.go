// Package agentconfig parses and compiles the declarative run
// configuration stored per agent.
//
// An agent's config declares the legal shapes of its runs: the input,
// step, and output item schemas, call/result pairings, metadata
// validators, and per-item score definitions. Configs are compiled once
// per parse into immutable Schema values; the matching engine
// (internal/match) consumes the compiled form and never reflects into
// raw schema documents at request time.
package agentconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema annotation keywords. These are read out of the schema document
// at compile time; the JSON Schema validator ignores them.
const (
	// keywordStrict marks a schema as strict: unknown fields reject the
	// value instead of passing through.
	keywordStrict = "x-strict"
	// keywordCorrelationKey designates the field used to pair an async
	// call with its result. At most one per schema.
	keywordCorrelationKey = "x-correlation-key"
)

// Schema is a compiled item schema plus the annotations the matching
// engine needs. Immutable after Compile; safe for concurrent use.
type Schema struct {
	doc            map[string]any
	compiled       *jsonschema.Schema
	strict         bool
	correlationKey string
	properties     []string
	defaults       map[string]any
}

// Compile builds a Schema from a raw JSON Schema document. Strict
// schemas are compiled from a copy of the document with
// additionalProperties set to false; the input document is never
// mutated, so configs can be shared across concurrent requests.
func Compile(doc map[string]any) (*Schema, error) {
	if doc == nil {
		return nil, fmt.Errorf("agentconfig: schema document is required")
	}
	s := &Schema{doc: doc, defaults: map[string]any{}}

	if v, ok := doc[keywordStrict]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("agentconfig: %s must be a boolean", keywordStrict)
		}
		s.strict = b
	}
	if v, ok := doc[keywordCorrelationKey]; ok {
		key, ok := v.(string)
		if !ok || key == "" {
			return nil, fmt.Errorf("agentconfig: %s must be a non-empty string", keywordCorrelationKey)
		}
		s.correlationKey = key
	}

	if props, ok := doc["properties"].(map[string]any); ok {
		for name, p := range props {
			s.properties = append(s.properties, name)
			if pm, ok := p.(map[string]any); ok {
				if d, ok := pm["default"]; ok {
					s.defaults[name] = d
				}
			}
		}
		sort.Strings(s.properties)
	}

	compileDoc := doc
	if s.strict {
		compileDoc = strictTransform(doc)
	}
	compiled, err := compileCached(compileDoc)
	if err != nil {
		return nil, fmt.Errorf("agentconfig: compile schema: %w", err)
	}
	s.compiled = compiled
	return s, nil
}

// TryMatch validates value against the schema. It never returns an
// error: a non-matching value is "no match". On success the returned
// content is normalized: strict schemas project onto declared
// properties, loose schemas keep unknown fields, and declared defaults
// are filled in for absent fields. Normalization is idempotent.
func (s *Schema) TryMatch(value map[string]any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	if err := s.compiled.Validate(value); err != nil {
		return nil, false
	}
	return s.normalize(value), true
}

// TryMatchValue validates an arbitrary JSON value (used for metadata
// fields, which need not be objects). The value is returned unchanged.
func (s *Schema) TryMatchValue(value any) bool {
	return s.compiled.Validate(value) == nil
}

// CorrelationKey returns the schema-designated correlation-id field,
// or "" if the schema does not designate one.
func (s *Schema) CorrelationKey() string { return s.correlationKey }

// Strict reports whether the schema rejects unknown fields.
func (s *Schema) Strict() bool { return s.strict }

// Doc returns the raw schema document. Callers must not mutate it.
func (s *Schema) Doc() map[string]any { return s.doc }

func (s *Schema) normalize(value map[string]any) map[string]any {
	out := make(map[string]any, len(value)+len(s.defaults))
	if s.strict {
		for _, p := range s.properties {
			if v, ok := value[p]; ok {
				out[p] = v
			}
		}
	} else {
		for k, v := range value {
			out[k] = v
		}
	}
	for k, d := range s.defaults {
		if _, ok := out[k]; !ok {
			out[k] = d
		}
	}
	return out
}

// strictTransform returns a copy of doc with additionalProperties
// disabled. Only the top level is copied; nested subdocuments are
// shared read-only.
func strictTransform(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["additionalProperties"] = false
	return out
}

// schemaCache memoizes compiled schemas by their serialized document.
// Agent configs are re-parsed on every request; compilation is the
// expensive part and the cache makes it a map lookup.
var schemaCache sync.Map

func compileCached(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	// Recode through the library decoder so the compiler sees the
	// number representation it expects.
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("item.schema.json", decoded); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("item.schema.json")
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
