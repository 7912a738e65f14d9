// Package match implements the item-matching and run-validation engine.
//
// Given an agent's declarative run configuration and an ordered item
// history, the engine decides which configured slot each item fills,
// correlates asynchronous tool-call results back to their originating
// calls, and validates run status transitions. The engine is pure:
// no I/O, no locking, deterministic given its inputs. Serialization of
// concurrent patches against the same run is the persistence layer's
// responsibility.
package match

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/agentconfig"
	"github.com/kiroku-ai/kiroku/internal/model"
)

// ItemType names the slot kinds an item may fill.
type ItemType string

const (
	ItemTypeInput  ItemType = "input"
	ItemTypeStep   ItemType = "step"
	ItemTypeOutput ItemType = "output"
)

// Result is a successful slot resolution.
type Result struct {
	Config *agentconfig.ItemConfig
	Type   ItemType
	// StepIndex is the index into RunConfig.Steps, or -1 for
	// input/output slots.
	StepIndex int
	// Content is the normalized item content to persist.
	Content map[string]any
	// ToolCallContent is the correlated call's content when the item
	// matched as a call result; nil for direct matches.
	ToolCallContent map[string]any
}

// Engine resolves items against run configurations. The logger is used
// for ambiguity diagnostics only, never for control flow.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil logger defaults to slog.Default().
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

type candidate struct {
	cfg       *agentconfig.ItemConfig
	typ       ItemType
	stepIndex int
}

// FindItemConfig resolves one new item against the run config's slots,
// given the item history that precedes it. Passing item types restricts
// the candidate slots; passing none considers input, output, and all
// steps.
//
// All candidates are tried; a value can simultaneously look like a
// direct match of one config and a call result of another. Exactly one
// success wins. Zero is not-found. More than one is ambiguous: the
// engine does not guess; it logs the competing candidates and reports
// not-found, leaving the caller to reject or fall through per
// ValidateSteps.
func (e *Engine) FindItemConfig(rc *agentconfig.RunConfig, prior []map[string]any, item map[string]any, only ...ItemType) (*Result, bool) {
	allowed := func(t ItemType) bool {
		if len(only) == 0 {
			return true
		}
		for _, o := range only {
			if o == t {
				return true
			}
		}
		return false
	}

	var candidates []candidate
	if allowed(ItemTypeInput) && rc.Input != nil {
		candidates = append(candidates, candidate{rc.Input, ItemTypeInput, -1})
	}
	if allowed(ItemTypeOutput) && rc.Output != nil {
		candidates = append(candidates, candidate{rc.Output, ItemTypeOutput, -1})
	}
	if allowed(ItemTypeStep) {
		for i, step := range rc.Steps {
			candidates = append(candidates, candidate{step, ItemTypeStep, i})
		}
	}

	var matches []Result
	for _, c := range candidates {
		if norm, ok := c.cfg.Schema.TryMatch(item); ok {
			matches = append(matches, Result{
				Config:    c.cfg,
				Type:      c.typ,
				StepIndex: c.stepIndex,
				Content:   norm,
			})
		}
		if c.cfg.CallResult != nil {
			if norm, call, ok := e.correlate(c.cfg, item, prior); ok {
				matches = append(matches, Result{
					Config:          c.cfg,
					Type:            c.typ,
					StepIndex:       c.stepIndex,
					Content:         norm,
					ToolCallContent: call,
				})
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, false
	case 1:
		return &matches[0], true
	default:
		e.logger.Warn("ambiguous item match, treating as not found",
			"candidates", describeMatches(matches))
		return nil, false
	}
}

// FindItemConfigByID locates the item with the given ID in a full
// chronological item list, then resolves it against the history that
// precedes it. State snapshot items are excluded from the history.
func (e *Engine) FindItemConfigByID(rc *agentconfig.RunConfig, items []model.SessionItem, itemID uuid.UUID, only ...ItemType) (*Result, bool) {
	var prior []map[string]any
	for _, it := range items {
		if it.ID == itemID {
			return e.FindItemConfig(rc, prior, it.Content, only...)
		}
		if it.IsState {
			continue
		}
		prior = append(prior, it.Content)
	}
	return nil, false
}

func describeMatches(matches []Result) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		label := string(m.Type)
		if m.Type == ItemTypeStep {
			label = fmt.Sprintf("step[%d]", m.StepIndex)
		}
		if m.ToolCallContent != nil {
			label += "/call_result"
		}
		parts[i] = label
	}
	return strings.Join(parts, ", ")
}
