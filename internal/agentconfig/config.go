package agentconfig

import (
	"encoding/json"
	"fmt"
)

// AgentConfig is an agent's full declarative configuration: one or more
// alternative run shapes plus agent-level metadata validators.
// Read-only after Parse.
type AgentConfig struct {
	Name     string
	URL      string
	Metadata map[string]*Schema
	Runs     []*RunConfig
}

// RunConfig describes one legal shape of a run.
type RunConfig struct {
	Input  *ItemConfig
	Output *ItemConfig
	Steps  []*ItemConfig
	// Metadata maps run metadata field names to their validators.
	Metadata map[string]*Schema
	// ValidateSteps controls whether step items are schema-enforced.
	// When false (the default), items matching no step schema are
	// accepted verbatim as unknown steps.
	ValidateSteps        bool
	AllowUnknownMetadata bool
}

// ItemConfig is a declared slot an item may fill. CallResult, when set,
// marks this config as an async call whose result arrives as a separate
// later item. At most one level of call/result nesting is supported.
type ItemConfig struct {
	Schema     *Schema
	Scores     []ScoreConfig
	CallResult *ItemConfig
}

// ScoreKind enumerates the supported score value types.
type ScoreKind string

const (
	ScoreNumeric     ScoreKind = "numeric"
	ScoreBoolean     ScoreKind = "boolean"
	ScoreCategorical ScoreKind = "categorical"
)

// ScoreConfig declares a named score reviewers may attach to items
// matching the enclosing slot.
type ScoreConfig struct {
	Name    string    `json:"name"`
	Kind    ScoreKind `json:"kind"`
	Min     *float64  `json:"min,omitempty"`
	Max     *float64  `json:"max,omitempty"`
	Options []string  `json:"options,omitempty"`
}

// ValidateValue checks a submitted score value against the config.
func (sc ScoreConfig) ValidateValue(value any) error {
	switch sc.Kind {
	case ScoreNumeric:
		n, ok := value.(float64)
		if !ok {
			return fmt.Errorf("score %q expects a number", sc.Name)
		}
		if sc.Min != nil && n < *sc.Min {
			return fmt.Errorf("score %q below minimum %v", sc.Name, *sc.Min)
		}
		if sc.Max != nil && n > *sc.Max {
			return fmt.Errorf("score %q above maximum %v", sc.Name, *sc.Max)
		}
	case ScoreBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("score %q expects a boolean", sc.Name)
		}
	case ScoreCategorical:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("score %q expects a string option", sc.Name)
		}
		for _, opt := range sc.Options {
			if s == opt {
				return nil
			}
		}
		return fmt.Errorf("score %q: %q is not one of the configured options", sc.Name, s)
	default:
		return fmt.Errorf("score %q has unknown kind %q", sc.Name, sc.Kind)
	}
	return nil
}

// Wire form of the stored config document.
type (
	agentConfigDoc struct {
		URL      string                    `json:"url,omitempty"`
		Metadata map[string]map[string]any `json:"metadata,omitempty"`
		Runs     []runConfigDoc            `json:"runs"`
	}
	runConfigDoc struct {
		Input                *itemConfigDoc            `json:"input"`
		Output               *itemConfigDoc            `json:"output"`
		Steps                []*itemConfigDoc          `json:"steps,omitempty"`
		Metadata             map[string]map[string]any `json:"metadata,omitempty"`
		ValidateSteps        bool                      `json:"validate_steps,omitempty"`
		AllowUnknownMetadata bool                      `json:"allow_unknown_metadata,omitempty"`
	}
	itemConfigDoc struct {
		Schema     map[string]any `json:"schema"`
		Scores     []ScoreConfig  `json:"scores,omitempty"`
		CallResult *itemConfigDoc `json:"call_result,omitempty"`
	}
)

// Parse decodes and compiles an agent's stored config document.
// The returned AgentConfig is immutable and safe to share.
func Parse(name string, raw []byte) (*AgentConfig, error) {
	var doc agentConfigDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("agentconfig: decode config for %s: %w", name, err)
	}
	if len(doc.Runs) == 0 {
		return nil, fmt.Errorf("agentconfig: %s: at least one run config is required", name)
	}

	ac := &AgentConfig{Name: name, URL: doc.URL}
	var err error
	if ac.Metadata, err = compileMetadata(doc.Metadata); err != nil {
		return nil, fmt.Errorf("agentconfig: %s: metadata: %w", name, err)
	}

	for i, rd := range doc.Runs {
		rc, err := parseRunConfig(rd)
		if err != nil {
			return nil, fmt.Errorf("agentconfig: %s: runs[%d]: %w", name, i, err)
		}
		ac.Runs = append(ac.Runs, rc)
	}
	return ac, nil
}

func parseRunConfig(doc runConfigDoc) (*RunConfig, error) {
	if doc.Input == nil {
		return nil, fmt.Errorf("input config is required")
	}
	if doc.Output == nil {
		return nil, fmt.Errorf("output config is required")
	}

	rc := &RunConfig{
		ValidateSteps:        doc.ValidateSteps,
		AllowUnknownMetadata: doc.AllowUnknownMetadata,
	}
	var err error
	if rc.Input, err = parseItemConfig(doc.Input, true); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	if rc.Output, err = parseItemConfig(doc.Output, true); err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	for i, sd := range doc.Steps {
		ic, err := parseItemConfig(sd, true)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		rc.Steps = append(rc.Steps, ic)
	}
	if rc.Metadata, err = compileMetadata(doc.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return rc, nil
}

func parseItemConfig(doc *itemConfigDoc, allowCallResult bool) (*ItemConfig, error) {
	schema, err := Compile(doc.Schema)
	if err != nil {
		return nil, err
	}
	ic := &ItemConfig{Schema: schema, Scores: doc.Scores}

	for _, sc := range doc.Scores {
		if sc.Name == "" {
			return nil, fmt.Errorf("score config requires a name")
		}
		switch sc.Kind {
		case ScoreNumeric, ScoreBoolean, ScoreCategorical:
		default:
			return nil, fmt.Errorf("score %q: unknown kind %q", sc.Name, sc.Kind)
		}
		if sc.Kind == ScoreCategorical && len(sc.Options) == 0 {
			return nil, fmt.Errorf("score %q: categorical scores require options", sc.Name)
		}
	}

	if doc.CallResult != nil {
		if !allowCallResult {
			return nil, fmt.Errorf("call_result nesting is limited to one level")
		}
		cr, err := parseItemConfig(doc.CallResult, false)
		if err != nil {
			return nil, fmt.Errorf("call_result: %w", err)
		}
		ic.CallResult = cr
	}
	return ic, nil
}

func compileMetadata(docs map[string]map[string]any) (map[string]*Schema, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	out := make(map[string]*Schema, len(docs))
	for field, doc := range docs {
		s, err := Compile(doc)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = s
	}
	return out, nil
}
