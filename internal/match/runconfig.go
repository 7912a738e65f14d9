package match

import (
	"github.com/kiroku-ai/kiroku/internal/agentconfig"
)

// RequireRunConfig finds the single run configuration whose input
// schema accepts the given input item. It runs once per run creation,
// against the first item only, before any step/output logic applies.
//
// Unlike item resolution, ambiguity here is fatal: it gates the whole
// run, so zero or multiple matches is a configuration/data error,
// never a silent pick.
func (e *Engine) RequireRunConfig(ac *agentconfig.AgentConfig, input map[string]any) (*agentconfig.RunConfig, error) {
	var found *agentconfig.RunConfig
	for _, rc := range ac.Runs {
		if _, ok := rc.Input.Schema.TryMatch(input); !ok {
			continue
		}
		if found != nil {
			return nil, itemError(CodeAmbiguousRunConfig,
				"input item matches more than one run config for agent "+ac.Name, input)
		}
		found = rc
	}
	if found == nil {
		return nil, itemError(CodeNoMatchingRunConfig,
			"input item matches no run config for agent "+ac.Name, input)
	}
	return found, nil
}
