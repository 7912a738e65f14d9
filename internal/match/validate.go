package match

import (
	"github.com/kiroku-ai/kiroku/internal/agentconfig"
	"github.com/kiroku-ai/kiroku/internal/model"
)

// ValidateNonInputItems applies the run state machine to newly
// submitted items. previous is the already-persisted content for this
// run (input item included, state snapshots excluded); newItems is the
// content submitted in this patch; target is the status the run is
// transitioning to (or staying at).
//
// On success it returns the normalized content to persist for each new
// item, in order. On failure it returns a ValidationError and nothing
// is to be persisted; the caller never partially applies a patch.
//
// Resolution is sequential: each accepted item joins the history the
// next item is resolved against.
func (e *Engine) ValidateNonInputItems(rc *agentconfig.RunConfig, previous, newItems []map[string]any, target model.RunStatus) ([]map[string]any, error) {
	history := make([]map[string]any, 0, len(previous)+len(newItems))
	history = append(history, previous...)
	accepted := make([]map[string]any, 0, len(newItems))

	appendStep := func(item map[string]any) error {
		if res, ok := e.FindItemConfig(rc, history, item, ItemTypeStep); ok {
			accepted = append(accepted, res.Content)
			history = append(history, res.Content)
			return nil
		}
		if !rc.ValidateSteps {
			// Step validation disabled: retain the raw item as an
			// unknown step.
			accepted = append(accepted, item)
			history = append(history, item)
			return nil
		}
		return itemError(CodeStepMismatch, "item matches no step config", item)
	}

	switch target {
	case model.RunStatusCompleted:
		if len(newItems) == 0 {
			// Re-validate the run's existing last item as the output.
			if len(previous) < 2 {
				return nil, NewValidationError(CodeOutputMismatch,
					"a completed run requires at least an input and an output item")
			}
			last := previous[len(previous)-1]
			if _, ok := e.FindItemConfig(rc, previous[:len(previous)-1], last, ItemTypeOutput); !ok {
				return nil, itemError(CodeOutputMismatch, "last item does not match the output config", last)
			}
			return accepted, nil
		}
		for _, item := range newItems[:len(newItems)-1] {
			if err := appendStep(item); err != nil {
				return nil, err
			}
		}
		last := newItems[len(newItems)-1]
		res, ok := e.FindItemConfig(rc, history, last, ItemTypeOutput)
		if !ok {
			return nil, itemError(CodeOutputMismatch, "last item does not match the output config", last)
		}
		accepted = append(accepted, res.Content)
		return accepted, nil

	case model.RunStatusFailed, model.RunStatusCancelled:
		if len(newItems) == 0 {
			return accepted, nil
		}
		for _, item := range newItems[:len(newItems)-1] {
			if err := appendStep(item); err != nil {
				return nil, err
			}
		}
		last := newItems[len(newItems)-1]
		if res, ok := e.FindItemConfig(rc, history, last, ItemTypeStep); ok {
			accepted = append(accepted, res.Content)
		} else if res, ok := e.FindItemConfig(rc, history, last, ItemTypeOutput); ok {
			accepted = append(accepted, res.Content)
		} else if !rc.ValidateSteps {
			// Agents may fail mid-stream with output the config never
			// anticipated; retain the history anyway.
			accepted = append(accepted, last)
		} else {
			return nil, itemError(CodeInvalidTerminalItem,
				"terminal item matches neither a step nor the output config", last)
		}
		return accepted, nil

	default: // in_progress
		for _, item := range newItems {
			if err := appendStep(item); err != nil {
				return nil, err
			}
		}
		return accepted, nil
	}
}
