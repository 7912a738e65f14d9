package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/agentconfig"
	"github.com/kiroku-ai/kiroku/internal/match"
	"github.com/kiroku-ai/kiroku/internal/model"
)

// HandleCreateSession starts a new session for an agent. Agents default
// to recording under their own name; admins may record for any agent.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateSessionRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agentName := req.AgentName
	if agentName == "" {
		agentName = claims.AgentName
	}
	if agentName != claims.AgentName && !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot record sessions for another agent")
		return
	}
	if _, err := h.db.GetAgentByName(r.Context(), claims.OrgID, agentName); err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	sess, err := h.db.CreateSession(r.Context(), model.Session{
		OrgID:     claims.OrgID,
		AgentName: agentName,
		Name:      req.Name,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sess)
}

// HandleListSessions lists sessions, optionally filtered by agent name.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := queryPagination(r)

	sessions, total, err := h.db.ListSessions(r.Context(), claims.OrgID,
		r.URL.Query().Get("agent"), limit, offset)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeList(w, r, sessions, total, limit, offset, len(sessions))
}

// HandleGetSession fetches one session.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sess, err := h.db.GetSession(r.Context(), claims.OrgID, sessionID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleUpdateSessionMetadata shallow-merges metadata into a session.
func (h *Handlers) HandleUpdateSessionMetadata(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateSessionMetadataRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Metadata) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "metadata is required")
		return
	}

	if err := h.db.UpdateSessionMetadata(r.Context(), claims.OrgID, sessionID, req.Metadata); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	sess, err := h.db.GetSession(r.Context(), claims.OrgID, sessionID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleDeleteSession removes a session and everything recorded in it.
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.db.DeleteSession(r.Context(), claims.OrgID, sessionID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListSessionItems returns every item in a session across runs.
func (h *Handlers) HandleListSessionItems(w http.ResponseWriter, r *http.Request) {
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

	items, err := h.db.ListSessionItems(r.Context(), claims.OrgID, sessionID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeList(w, r, items, len(items), len(items), 0, len(items))
}

// HandleGetItemSlot resolves which configured slot an item filled.
func (h *Handlers) HandleGetItemSlot(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	itemID, err := pathUUID(r, "item_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	res, rerr := h.resolveItemSlot(r.Context(), claims.OrgID, itemID)
	if rerr != nil {
		rerr.write(h, w, r)
		return
	}

	resp := model.ItemSlotResponse{
		ItemID:          itemID,
		SlotType:        string(res.Type),
		Content:         res.Content,
		ToolCallContent: res.ToolCallContent,
	}
	if res.Type == match.ItemTypeStep {
		idx := res.StepIndex
		resp.StepIndex = &idx
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCreateComment attaches a reviewer comment to an item.
func (h *Handlers) HandleCreateComment(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	itemID, err := pathUUID(r, "item_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CreateCommentRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Body == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "body is required")
		return
	}
	if len(req.Body) > model.MaxCommentBytes {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "comment body too large")
		return
	}
	if _, err := h.db.GetItem(r.Context(), claims.OrgID, itemID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	comment, err := h.db.CreateComment(r.Context(), model.Comment{
		OrgID:  claims.OrgID,
		ItemID: itemID,
		Author: claims.AgentName,
		Body:   req.Body,
	})
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, comment)
}

// HandleListComments returns an item's comments oldest first.
func (h *Handlers) HandleListComments(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	itemID, err := pathUUID(r, "item_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	comments, err := h.db.ListComments(r.Context(), claims.OrgID, itemID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeList(w, r, comments, len(comments), len(comments), 0, len(comments))
}

// HandleDeleteComment removes a comment.
func (h *Handlers) HandleDeleteComment(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	commentID, err := pathUUID(r, "comment_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.db.DeleteComment(r.Context(), claims.OrgID, commentID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateScore attaches a named score to an item. Scores declared
// on the item's matched slot are validated against their ScoreConfig;
// undeclared names are stored as free-form scores.
func (h *Handlers) HandleCreateScore(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	itemID, err := pathUUID(r, "item_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CreateScoreRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" || len(req.Name) > model.MaxScoreNameLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "score name is required and bounded")
		return
	}
	if req.Value == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "value is required")
		return
	}

	if sc, ok := h.declaredScoreConfig(r.Context(), claims.OrgID, itemID, req.Name); ok {
		if err := sc.ValidateValue(req.Value); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if _, err := h.db.GetItem(r.Context(), claims.OrgID, itemID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	score, err := h.db.CreateScore(r.Context(), model.Score{
		OrgID:  claims.OrgID,
		ItemID: itemID,
		Name:   req.Name,
		Value:  req.Value,
		Author: claims.AgentName,
	})
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, score)
}

// HandleListScores returns an item's scores.
func (h *Handlers) HandleListScores(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	itemID, err := pathUUID(r, "item_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	scores, err := h.db.ListScores(r.Context(), claims.OrgID, itemID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeList(w, r, scores, len(scores), len(scores), 0, len(scores))
}

// slotError carries either a storage failure or an unresolvable slot.
type slotError struct {
	err        error
	unresolved bool
}

func (e *slotError) write(h *Handlers, w http.ResponseWriter, r *http.Request) {
	if e.unresolved {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "item does not resolve to a configured slot")
		return
	}
	h.writeStorageError(w, r, e.err)
}

// resolveItemSlot re-runs the matching engine over the item's run to
// decide which slot the item filled.
func (h *Handlers) resolveItemSlot(ctx context.Context, orgID, itemID uuid.UUID) (*match.Result, *slotError) {
	item, err := h.db.GetItem(ctx, orgID, itemID)
	if err != nil {
		return nil, &slotError{err: err}
	}
	run, err := h.db.GetRun(ctx, orgID, item.RunID)
	if err != nil {
		return nil, &slotError{err: err}
	}
	ac, err := h.loadAgentConfig(ctx, orgID, run.AgentName)
	if err != nil {
		return nil, &slotError{err: err}
	}
	items, err := h.db.ListRunItems(ctx, orgID, run.ID)
	if err != nil {
		return nil, &slotError{err: err}
	}

	input := firstNonStateContent(items)
	if input == nil {
		return nil, &slotError{unresolved: true}
	}
	rc, err := h.engine.RequireRunConfig(ac, input)
	if err != nil {
		return nil, &slotError{unresolved: true}
	}
	res, ok := h.engine.FindItemConfigByID(rc, items, itemID)
	if !ok {
		return nil, &slotError{unresolved: true}
	}
	return res, nil
}

// declaredScoreConfig looks up a ScoreConfig by name on the item's
// matched slot. Correlated result items carry their scores on the
// call_result config.
func (h *Handlers) declaredScoreConfig(ctx context.Context, orgID, itemID uuid.UUID, name string) (agentconfig.ScoreConfig, bool) {
	res, rerr := h.resolveItemSlot(ctx, orgID, itemID)
	if rerr != nil {
		return agentconfig.ScoreConfig{}, false
	}
	scores := res.Config.Scores
	if res.ToolCallContent != nil && res.Config.CallResult != nil {
		scores = res.Config.CallResult.Scores
	}
	for _, sc := range scores {
		if sc.Name == name {
			return sc, true
		}
	}
	return agentconfig.ScoreConfig{}, false
}

func firstNonStateContent(items []model.SessionItem) map[string]any {
	for _, it := range items {
		if !it.IsState {
			return it.Content
		}
	}
	return nil
}
