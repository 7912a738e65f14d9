package server

import (
	"net/http"

	"github.com/kiroku-ai/kiroku/internal/agentconfig"
	"github.com/kiroku-ai/kiroku/internal/auth"
	"github.com/kiroku-ai/kiroku/internal/model"
)

// HandleCreateOrg creates a new organization, optionally bootstrapping
// an admin agent inside it.
func (h *Handlers) HandleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOrgRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" || req.Slug == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and slug are required")
		return
	}

	org, err := h.db.CreateOrganization(r.Context(), model.Organization{
		Name: req.Name,
		Slug: req.Slug,
	})
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	if req.AdminAPIKey != "" {
		hash, err := auth.HashAPIKey(req.AdminAPIKey)
		if err != nil {
			h.logger.Error("hash org admin key", "error", err, "org", org.Slug)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
			return
		}
		if _, err := h.db.CreateAgent(r.Context(), model.Agent{
			OrgID:      org.ID,
			Name:       "admin",
			Role:       model.RoleAdmin,
			APIKeyHash: &hash,
			Config:     []byte(`{}`),
		}); err != nil {
			h.writeStorageError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusCreated, org)
}

// HandleCreateAgent registers a new agent credential and its run
// configuration.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentName(req.Name); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleAgent
	}
	switch role {
	case model.RoleAdmin, model.RoleAgent, model.RoleReader:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be admin, agent, or reader")
		return
	}

	config := req.Config
	if len(config) == 0 {
		config = []byte(`{}`)
	} else if err := validateAgentConfig(req.Name, config); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.logger.Error("hash agent key", "error", err, "agent", req.Name)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	agent, err := h.db.CreateAgent(r.Context(), model.Agent{
		OrgID:      claims.OrgID,
		Name:       req.Name,
		URL:        req.URL,
		Role:       role,
		APIKeyHash: &hash,
		Config:     config,
	})
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents lists the caller's organization's agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := queryPagination(r)

	agents, total, err := h.db.ListAgents(r.Context(), claims.OrgID, limit, offset)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeList(w, r, agents, total, limit, offset, len(agents))
}

// HandleGetAgent fetches one agent by name.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	agent, err := h.db.GetAgentByName(r.Context(), claims.OrgID, r.PathValue("name"))
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgent updates an agent's URL and run configuration.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	agent, err := h.db.GetAgentByName(r.Context(), claims.OrgID, r.PathValue("name"))
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	var req model.UpdateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.URL != nil {
		agent.URL = req.URL
	}
	if len(req.Config) > 0 {
		if err := validateAgentConfig(agent.Name, req.Config); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		agent.Config = req.Config
	}

	updated, err := h.db.UpdateAgent(r.Context(), agent)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteAgent removes an agent credential. Recorded sessions keep
// the agent's name.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	agent, err := h.db.GetAgentByName(r.Context(), claims.OrgID, r.PathValue("name"))
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	if err := h.db.DeleteAgent(r.Context(), claims.OrgID, agent.ID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateAgentConfig compiles a submitted config document so broken
// schemas are rejected at upload time rather than at first run. The
// empty document is allowed for credentials that never record runs.
func validateAgentConfig(name string, raw []byte) error {
	if string(raw) == `{}` || string(raw) == `null` {
		return nil
	}
	_, err := agentconfig.Parse(name, raw)
	return err
}
