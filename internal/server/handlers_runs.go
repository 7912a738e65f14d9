package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiroku-ai/kiroku/internal/match"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/storage"
)

const (
	runPatchRetries   = 3
	runPatchBaseDelay = 50 * time.Millisecond
)

// HandleCreateRun creates a new run in a session. The first item in the
// patch is the run's input and selects the run config.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	req, sess, ok := h.decodeRunPatch(w, r, sessionID)
	if !ok {
		return
	}

	ac, err := h.loadAgentConfig(r.Context(), claims.OrgID, sess.AgentName)
	if err != nil {
		h.writeAgentConfigError(w, r, err)
		return
	}

	var run *model.Run
	err = storage.WithRetry(r.Context(), runPatchRetries, runPatchBaseDelay, func() error {
		return h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
			var applyErr error
			run, applyErr = h.patchSvc.ApplyRunPatch(r.Context(), tx, claims.OrgID, sessionID, nil, ac, req)
			return applyErr
		})
	})
	if err != nil {
		h.writeRunPatchError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// HandlePatchRun applies an incremental update to an existing run:
// new items, a status transition, metadata, or a state snapshot.
func (h *Handlers) HandlePatchRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	req, sess, ok := h.decodeRunPatch(w, r, sessionID)
	if !ok {
		return
	}

	ac, err := h.loadAgentConfig(r.Context(), claims.OrgID, sess.AgentName)
	if err != nil {
		h.writeAgentConfigError(w, r, err)
		return
	}

	var run *model.Run
	err = storage.WithRetry(r.Context(), runPatchRetries, runPatchBaseDelay, func() error {
		return h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
			current, lockErr := h.db.GetRunForUpdate(r.Context(), tx, claims.OrgID, runID)
			if lockErr != nil {
				return lockErr
			}
			if current.SessionID != sessionID {
				return fmt.Errorf("storage: run %s: %w", runID, storage.ErrNotFound)
			}
			var applyErr error
			run, applyErr = h.patchSvc.ApplyRunPatch(r.Context(), tx, claims.OrgID, sessionID, &current, ac, req)
			return applyErr
		})
	})
	if err != nil {
		h.writeRunPatchError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns returns a session's runs in start order.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.db.GetSession(r.Context(), claims.OrgID, sessionID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	runs, err := h.db.ListRuns(r.Context(), claims.OrgID, sessionID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeList(w, r, runs, len(runs), len(runs), 0, len(runs))
}

// HandleGetRun fetches one run.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.GetRun(r.Context(), claims.OrgID, runID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRunItems returns a run's items in sort order.
func (h *Handlers) HandleListRunItems(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.db.GetRun(r.Context(), claims.OrgID, runID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	items, err := h.db.ListRunItems(r.Context(), claims.OrgID, runID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeList(w, r, items, len(items), len(items), 0, len(items))
}

// decodeRunPatch decodes and bounds-checks a run patch body, loads the
// session, and enforces that agents only write their own sessions.
func (h *Handlers) decodeRunPatch(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) (model.RunPatchRequest, model.Session, bool) {
	claims := ClaimsFromContext(r.Context())

	var req model.RunPatchRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return req, model.Session{}, false
	}
	if err := model.ValidateItemContents(req.Items); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return req, model.Session{}, false
	}

	sess, err := h.db.GetSession(r.Context(), claims.OrgID, sessionID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return req, model.Session{}, false
	}
	if sess.AgentName != claims.AgentName && !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot write to another agent's session")
		return req, model.Session{}, false
	}
	return req, sess, true
}

// writeAgentConfigError distinguishes a missing agent from a config
// that no longer compiles.
func (h *Handlers) writeAgentConfigError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		h.writeStorageError(w, r, err)
		return
	}
	writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput,
		"agent config does not compile: "+err.Error())
}

// writeRunPatchError maps validation failures to 422 with the engine's
// error code; everything else is a storage failure.
func (h *Handlers) writeRunPatchError(w http.ResponseWriter, r *http.Request, err error) {
	if verr, ok := match.AsValidation(err); ok {
		var details any
		if verr.Item != nil {
			details = map[string]any{"item": verr.Item}
		}
		writeErrorDetails(w, r, http.StatusUnprocessableEntity, verr.Code, verr.Message, details)
		return
	}
	// A run insert losing the race to the partial unique index is the
	// same failure as the in-transaction existence check.
	if errors.Is(err, storage.ErrDuplicate) {
		writeError(w, r, http.StatusUnprocessableEntity, match.CodeIllegalStatusTransition,
			"session already has a run in progress")
		return
	}
	h.writeStorageError(w, r, err)
}
