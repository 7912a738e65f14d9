package match

import (
	"errors"
	"fmt"
)

// Validation error codes. All are user-input-class failures the HTTP
// layer maps to 422; none indicate server malfunction.
const (
	CodeNoMatchingRunConfig     = "NO_MATCHING_RUN_CONFIG"
	CodeAmbiguousRunConfig      = "AMBIGUOUS_RUN_CONFIG"
	CodeOutputMismatch          = "OUTPUT_MISMATCH"
	CodeStepMismatch            = "STEP_MISMATCH"
	CodeInvalidTerminalItem     = "INVALID_TERMINAL_ITEM"
	CodeMetadataMismatch        = "METADATA_MISMATCH"
	CodeIllegalStatusTransition = "ILLEGAL_STATUS_TRANSITION"
	CodeIllegalStateWrite       = "ILLEGAL_STATE_WRITE"
	CodeIllegalFailReason       = "ILLEGAL_FAIL_REASON"
)

// ValidationError rejects a run patch. Item, when set, is the
// offending item content, surfaced in the error payload for
// debuggability. A validation failure aborts the whole patch; no
// partial writes ever occur.
type ValidationError struct {
	Code    string
	Message string
	Item    map[string]any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError builds a ValidationError without an offending item.
func NewValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func itemError(code, message string, item map[string]any) *ValidationError {
	return &ValidationError{Code: code, Message: message, Item: item}
}

// AsValidation unwraps a ValidationError from err, if present.
func AsValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
