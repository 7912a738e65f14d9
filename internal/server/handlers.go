package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/agentconfig"
	"github.com/kiroku-ai/kiroku/internal/auth"
	"github.com/kiroku-ai/kiroku/internal/match"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/service/runpatch"
	"github.com/kiroku-ai/kiroku/internal/storage"
)

// DefaultOrgSlug is the organization created at first startup; token
// requests without an org slug resolve against it.
const DefaultOrgSlug = "default"

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *storage.DB
	jwtMgr   *auth.JWTManager
	patchSvc *runpatch.Service
	engine   *match.Engine
	logger   *slog.Logger

	startedAt   time.Time
	version     string
	maxBody     int64
	openapiSpec []byte
}

// NewHandlers creates the handler set.
func NewHandlers(db *storage.DB, jwtMgr *auth.JWTManager, patchSvc *runpatch.Service, engine *match.Engine, logger *slog.Logger, version string, maxBody int64, openapiSpec []byte) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		db:          db,
		jwtMgr:      jwtMgr,
		patchSvc:    patchSvc,
		engine:      engine,
		logger:      logger,
		startedAt:   time.Now(),
		version:     version,
		maxBody:     maxBody,
		openapiSpec: openapiSpec,
	}
}

// SeedAdmin ensures the default organization exists and that it has an
// admin agent bound to the configured API key. Called once at startup;
// a changed key replaces the stored hash.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if adminAPIKey == "" {
		h.logger.Warn("no admin API key configured, skipping admin bootstrap")
		return nil
	}

	org, err := h.db.GetOrganizationBySlug(ctx, DefaultOrgSlug)
	if errors.Is(err, storage.ErrNotFound) {
		org, err = h.db.CreateOrganization(ctx, model.Organization{
			Name: "Default",
			Slug: DefaultOrgSlug,
		})
	}
	if err != nil {
		return fmt.Errorf("server: bootstrap default org: %w", err)
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("server: hash admin key: %w", err)
	}

	admin, err := h.db.GetAgentByName(ctx, org.ID, "admin")
	if errors.Is(err, storage.ErrNotFound) {
		_, err = h.db.CreateAgent(ctx, model.Agent{
			OrgID:      org.ID,
			Name:       "admin",
			Role:       model.RoleAdmin,
			APIKeyHash: &hash,
			Config:     json.RawMessage(`{}`),
		})
		if err != nil {
			return fmt.Errorf("server: create admin agent: %w", err)
		}
		h.logger.Info("created admin agent", "org", org.Slug)
		return nil
	}
	if err != nil {
		return fmt.Errorf("server: load admin agent: %w", err)
	}

	ok := false
	if admin.APIKeyHash != nil {
		ok, _ = auth.VerifyAPIKey(adminAPIKey, *admin.APIKeyHash)
	}
	if !ok {
		admin.APIKeyHash = &hash
		if _, err := h.db.UpdateAgent(ctx, admin); err != nil {
			return fmt.Errorf("server: rotate admin key: %w", err)
		}
		h.logger.Info("rotated admin agent API key", "org", org.Slug)
	}
	return nil
}

// HandleAuthToken exchanges an agent name and API key for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentName == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_name and api_key are required")
		return
	}
	orgSlug := req.Org
	if orgSlug == "" {
		orgSlug = DefaultOrgSlug
	}

	org, err := h.db.GetOrganizationBySlug(r.Context(), orgSlug)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	agent, err := h.db.GetAgentByName(r.Context(), org.ID, req.AgentName)
	if err != nil || agent.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, *agent.APIKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent)
	if err != nil {
		h.logger.Error("issue token", "error", err, "agent", agent.Name)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth reports process and storage health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Postgres: "ok",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// loadAgentConfig fetches an agent by name and compiles its stored
// run configuration.
func (h *Handlers) loadAgentConfig(ctx context.Context, orgID uuid.UUID, agentName string) (*agentconfig.AgentConfig, error) {
	agent, err := h.db.GetAgentByName(ctx, orgID, agentName)
	if err != nil {
		return nil, err
	}
	return agentconfig.Parse(agent.Name, agent.Config)
}

// writeStorageError maps storage sentinel errors to API responses.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "resource already exists")
	default:
		h.logger.Error("storage error", "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// pathUUID parses a UUID path parameter.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: must be a UUID", name)
	}
	return id, nil
}

// queryPagination parses limit and offset query parameters with clamps.
func queryPagination(r *http.Request) (limit, offset int) {
	limit = defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxListLimit)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}
