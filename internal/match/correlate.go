package match

import (
	"reflect"

	"github.com/kiroku-ai/kiroku/internal/agentconfig"
)

// correlate decides whether value is a result for some earlier call
// matching cfg. The scan is backwards (most recent first) and greedy:
// the nearest qualifying call wins. Parallel outstanding calls of the
// same type are distinguished by the schema-designated correlation
// key; calls without key values assume a single-outstanding-call
// discipline and pair with the nearest preceding call of the type.
//
// A call already paired to one result is not excluded from pairing
// with another; each lookup is independent. Duplicate results are
// caller misuse and pass through unpenalized.
func (e *Engine) correlate(cfg *agentconfig.ItemConfig, value map[string]any, prior []map[string]any) (norm, call map[string]any, ok bool) {
	norm, ok = cfg.CallResult.Schema.TryMatch(value)
	if !ok {
		return nil, nil, false
	}

	callKey := cfg.Schema.CorrelationKey()
	resultKey := cfg.CallResult.Schema.CorrelationKey()
	if callKey == "" || resultKey == "" {
		// Correlation is undefined without designated keys on both
		// sides. Skip this config rather than failing the run.
		e.logger.Debug("call/result correlation skipped: schema designates no correlation key",
			"call_key", callKey, "result_key", resultKey)
		return nil, nil, false
	}

	want := norm[resultKey]
	for i := len(prior) - 1; i >= 0; i-- {
		callNorm, isCall := cfg.Schema.TryMatch(prior[i])
		if !isCall {
			continue
		}
		if correlationEqual(callNorm[callKey], want) {
			return norm, callNorm, true
		}
	}
	return nil, nil, false
}

// correlationEqual compares correlation-key values. Absent on both
// sides counts as a match (no-id mode).
func correlationEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	return reflect.DeepEqual(a, b)
}
