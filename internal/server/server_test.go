package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ai/kiroku/internal/auth"
	"github.com/kiroku-ai/kiroku/internal/match"
	"github.com/kiroku-ai/kiroku/internal/mcp"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/ratelimit"
	"github.com/kiroku-ai/kiroku/internal/server"
	"github.com/kiroku-ai/kiroku/internal/service/runpatch"
	"github.com/kiroku-ai/kiroku/internal/testutil"
)

// testAgentConfig declares one run shape: a prompt input, optional
// thought steps, and an answer output with a declared quality score.
const testAgentConfig = `{
	"runs": [
		{
			"input": {
				"schema": {
					"type": "object",
					"properties": {"prompt": {"type": "string"}},
					"required": ["prompt"]
				}
			},
			"steps": [
				{
					"schema": {
						"type": "object",
						"properties": {"thought": {"type": "string"}},
						"required": ["thought"]
					}
				}
			],
			"output": {
				"schema": {
					"type": "object",
					"properties": {"answer": {"type": "string"}},
					"required": ["answer"]
				},
				"scores": [
					{"name": "quality", "kind": "numeric", "min": 0, "max": 1}
				]
			},
			"validate_steps": true
		}
	]
}`

var (
	testSrv     *httptest.Server
	adminToken  string
	agentToken  string
	readerToken string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	db, err := tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	jwtMgr, _ := auth.NewJWTManager("", "", 24*time.Hour)
	engine := match.NewEngine(logger)
	patchSvc := runpatch.New(db, engine, time.Minute, logger)
	mcpSrv := mcp.New(db, engine, logger)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		PatchSvc:            patchSvc,
		Engine:              engine,
		Logger:              logger,
		Limiter:             ratelimit.NoopLimiter{},
		MCPServer:           mcpSrv.MCPServer(),
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})

	if err := srv.Handlers().SeedAdmin(ctx, "test-admin-key"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	testSrv = httptest.NewServer(srv.Handler())

	adminToken = getToken(testSrv.URL, "", "admin", "test-admin-key")
	createAgent(testSrv.URL, adminToken, "test-agent", "agent", "test-agent-key", testAgentConfig)
	agentToken = getToken(testSrv.URL, "", "test-agent", "test-agent-key")
	createAgent(testSrv.URL, adminToken, "test-reader", "reader", "test-reader-key", "{}")
	readerToken = getToken(testSrv.URL, "", "test-reader", "test-reader-key")

	code := m.Run()

	testSrv.Close()
	db.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func getToken(baseURL, org, agentName, apiKey string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{Org: org, AgentName: agentName, APIKey: apiKey})
	resp, err := http.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("getToken: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("getToken: status %d, body: %s", resp.StatusCode, string(data)))
	}
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("getToken: unmarshal failed: %v, body: %s", err, string(data)))
	}
	if result.Data.Token == "" {
		panic(fmt.Sprintf("getToken: empty token, body: %s", string(data)))
	}
	return result.Data.Token
}

func createAgent(baseURL, token, name, role, apiKey, config string) {
	body, _ := json.Marshal(model.CreateAgentRequest{
		Name: name, Role: model.AgentRole(role), APIKey: apiKey,
		Config: json.RawMessage(config),
	})
	req, _ := http.NewRequest("POST", baseURL+"/v1/agents", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		panic(fmt.Sprintf("createAgent %s: status %d, body: %s", name, resp.StatusCode, string(data)))
	}
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// decodeData reads an envelope response body into out (the "data" field).
func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", string(data))
	require.NoError(t, json.Unmarshal(envelope.Data, out), "body: %s", string(data))
}

// errorCode reads an error envelope and returns the error code.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope model.APIError
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", string(data))
	return envelope.Error.Code
}

// newSession creates a session for test-agent and returns its ID.
func newSession(t *testing.T) uuid.UUID {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/v1/sessions", agentToken,
		model.CreateSessionRequest{})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess model.Session
	decodeData(t, resp, &sess)
	return sess.ID
}

// newRun creates an in-progress run with the given input in a fresh session.
func newRun(t *testing.T, input map[string]any) (sessionID uuid.UUID, run model.Run) {
	t.Helper()
	sessionID = newSession(t)
	resp, err := authedRequest("POST", testSrv.URL+"/v1/sessions/"+sessionID.String()+"/runs", agentToken,
		model.RunPatchRequest{Items: []map[string]any{input}})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeData(t, resp, &run)
	return sessionID, run
}

func patchRun(t *testing.T, sessionID, runID uuid.UUID, patch model.RunPatchRequest) *http.Response {
	t.Helper()
	resp, err := authedRequest("PATCH",
		testSrv.URL+"/v1/sessions/"+sessionID.String()+"/runs/"+runID.String(), agentToken, patch)
	require.NoError(t, err)
	return resp
}

func strPtr(s string) *string { return &s }

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "test", health.Version)
}

func TestAuthFlow(t *testing.T) {
	token := getToken(testSrv.URL, "", "admin", "test-admin-key")
	assert.NotEmpty(t, token)

	// Wrong key.
	body, _ := json.Marshal(model.AuthTokenRequest{AgentName: "admin", APIKey: "wrong"})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unknown org.
	body2, _ := json.Marshal(model.AuthTokenRequest{Org: "no-such-org", AgentName: "admin", APIKey: "test-admin-key"})
	resp2, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body2))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/sessions")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminOnlyEndpoints(t *testing.T) {
	// Agent cannot create agents.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/agents", agentToken,
		model.CreateAgentRequest{Name: "should-fail", APIKey: "key", Config: json.RawMessage("{}")})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admin can list agents.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/agents", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestAgentCRUD(t *testing.T) {
	createAgent(testSrv.URL, adminToken, "crud-agent", "agent", "crud-key", "{}")

	resp, err := authedRequest("GET", testSrv.URL+"/v1/agents/crud-agent", adminToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agent model.Agent
	decodeData(t, resp, &agent)
	assert.Equal(t, "crud-agent", agent.Name)
	assert.Equal(t, model.RoleAgent, agent.Role)

	// Update URL and config.
	resp2, err := authedRequest("PATCH", testSrv.URL+"/v1/agents/crud-agent", adminToken,
		model.UpdateAgentRequest{URL: strPtr("https://example.com/agent"), Config: json.RawMessage(testAgentConfig)})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var updated model.Agent
	decodeData(t, resp2, &updated)
	require.NotNil(t, updated.URL)
	assert.Equal(t, "https://example.com/agent", *updated.URL)

	// A config that does not compile is rejected.
	resp3, err := authedRequest("PATCH", testSrv.URL+"/v1/agents/crud-agent", adminToken,
		model.UpdateAgentRequest{Config: json.RawMessage(`{"runs": [{}]}`)})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	// Duplicate name conflicts.
	body, _ := json.Marshal(model.CreateAgentRequest{Name: "crud-agent", APIKey: "other", Config: json.RawMessage("{}")})
	req, _ := http.NewRequest("POST", testSrv.URL+"/v1/agents", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp4, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp4.StatusCode)

	// Delete, then 404.
	resp5, err := authedRequest("DELETE", testSrv.URL+"/v1/agents/crud-agent", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp5.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp5.StatusCode)

	resp6, err := authedRequest("GET", testSrv.URL+"/v1/agents/crud-agent", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp6.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp6.StatusCode)
}

func TestCreateOrgWithAdmin(t *testing.T) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/orgs", adminToken,
		model.CreateOrgRequest{Name: "Acme", Slug: "acme", AdminAPIKey: "acme-admin-key"})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var org model.Organization
	decodeData(t, resp, &org)
	assert.Equal(t, "acme", org.Slug)

	// The bootstrapped org admin can authenticate against its org.
	token := getToken(testSrv.URL, "acme", "admin", "acme-admin-key")
	assert.NotEmpty(t, token)

	// Sessions are isolated per org: the new org sees none of the
	// default org's sessions.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/sessions", token, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	data, _ := io.ReadAll(resp2.Body)
	var list model.ListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Zero(t, list.Total)
}

func TestSessionLifecycle(t *testing.T) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/sessions", agentToken,
		model.CreateSessionRequest{Name: strPtr("checkout flow"), Metadata: map[string]any{"env": "ci"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess model.Session
	decodeData(t, resp, &sess)
	assert.Equal(t, "test-agent", sess.AgentName)
	require.NotNil(t, sess.Name)
	assert.Equal(t, "checkout flow", *sess.Name)

	// Get it back.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/sessions/"+sess.ID.String(), agentToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var got model.Session
	decodeData(t, resp2, &got)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "ci", got.Metadata["env"])

	// Update metadata.
	resp3, err := authedRequest("PATCH", testSrv.URL+"/v1/sessions/"+sess.ID.String(), agentToken,
		model.UpdateSessionMetadataRequest{Metadata: map[string]any{"env": "prod"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var patched model.Session
	decodeData(t, resp3, &patched)
	assert.Equal(t, "prod", patched.Metadata["env"])

	// Readers can list but not create.
	resp4, err := authedRequest("GET", testSrv.URL+"/v1/sessions?agent=test-agent", readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp4.StatusCode)

	resp5, err := authedRequest("POST", testSrv.URL+"/v1/sessions", readerToken,
		model.CreateSessionRequest{})
	require.NoError(t, err)
	defer func() { _ = resp5.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp5.StatusCode)

	// An agent cannot open sessions for another agent.
	resp6, err := authedRequest("POST", testSrv.URL+"/v1/sessions", agentToken,
		model.CreateSessionRequest{AgentName: "admin"})
	require.NoError(t, err)
	defer func() { _ = resp6.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp6.StatusCode)

	// Admin delete.
	resp7, err := authedRequest("DELETE", testSrv.URL+"/v1/sessions/"+sess.ID.String(), adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp7.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp7.StatusCode)
}

func TestRunLifecycle(t *testing.T) {
	sessionID, run := newRun(t, map[string]any{"prompt": "what is 2+2"})
	assert.Equal(t, model.RunStatusInProgress, run.Status)
	assert.NotNil(t, run.ExpiresAt)

	// Append a step.
	resp := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
		Items: []map[string]any{{"thought": "adding the numbers"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var afterStep model.Run
	decodeData(t, resp, &afterStep)
	assert.Equal(t, model.RunStatusInProgress, afterStep.Status)

	// Complete with the output item.
	resp2 := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
		Items:  []map[string]any{{"answer": "4"}},
		Status: strPtr("completed"),
	})
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var done model.Run
	decodeData(t, resp2, &done)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	assert.NotNil(t, done.FinishedAt)
	assert.Nil(t, done.ExpiresAt)

	// All three items are recorded in order.
	resp3, err := authedRequest("GET", testSrv.URL+"/v1/runs/"+run.ID.String()+"/items", agentToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	data, _ := io.ReadAll(resp3.Body)
	_ = resp3.Body.Close()
	var list struct {
		Data []model.SessionItem `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Data, 3)
	assert.Equal(t, "what is 2+2", list.Data[0].Content["prompt"])
	assert.Equal(t, "4", list.Data[2].Content["answer"])

	// The output item resolves to the output slot.
	resp4, err := authedRequest("GET", testSrv.URL+"/v1/items/"+list.Data[2].ID.String()+"/slot", agentToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp4.StatusCode)
	var slot model.ItemSlotResponse
	decodeData(t, resp4, &slot)
	assert.Equal(t, "output", slot.SlotType)

	// The step resolves with its index.
	resp5, err := authedRequest("GET", testSrv.URL+"/v1/items/"+list.Data[1].ID.String()+"/slot", agentToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp5.StatusCode)
	var stepSlot model.ItemSlotResponse
	decodeData(t, resp5, &stepSlot)
	assert.Equal(t, "step", stepSlot.SlotType)
	require.NotNil(t, stepSlot.StepIndex)
	assert.Equal(t, 0, *stepSlot.StepIndex)

	// A terminal run rejects further items.
	resp6 := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
		Items: []map[string]any{{"thought": "too late"}},
	})
	defer func() { _ = resp6.Body.Close() }()
	assert.Equal(t, http.StatusUnprocessableEntity, resp6.StatusCode)
}

func TestRunStateSnapshots(t *testing.T) {
	sessionID, run := newRun(t, map[string]any{"prompt": "remember things"})

	// Write a state snapshot alongside a step.
	resp := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
		Items: []map[string]any{{"thought": "noting progress"}},
		State: map[string]any{"cursor": float64(7)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp2, err := authedRequest("GET", testSrv.URL+"/v1/runs/"+run.ID.String()+"/items", agentToken, nil)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp2.Body)
	_ = resp2.Body.Close()
	var list struct {
		Data []model.SessionItem `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Data, 3)

	var stateItems int
	for _, it := range list.Data {
		if it.IsState {
			stateItems++
		}
	}
	assert.Equal(t, 1, stateItems)

	// State writes are rejected on terminal runs.
	resp3 := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
		Items:  []map[string]any{{"answer": "done"}},
		Status: strPtr("completed"),
	})
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	_ = resp3.Body.Close()

	resp4 := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
		State: map[string]any{"cursor": float64(8)},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp4.StatusCode)
	assert.Equal(t, match.CodeIllegalStateWrite, errorCode(t, resp4))
}

func TestRunValidation(t *testing.T) {
	t.Run("input matches no run config", func(t *testing.T) {
		sessionID := newSession(t)
		resp, err := authedRequest("POST", testSrv.URL+"/v1/sessions/"+sessionID.String()+"/runs", agentToken,
			model.RunPatchRequest{Items: []map[string]any{{"unexpected": true}}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, match.CodeNoMatchingRunConfig, errorCode(t, resp))
	})

	t.Run("one in-progress run per session", func(t *testing.T) {
		sessionID, _ := newRun(t, map[string]any{"prompt": "first"})
		resp, err := authedRequest("POST", testSrv.URL+"/v1/sessions/"+sessionID.String()+"/runs", agentToken,
			model.RunPatchRequest{Items: []map[string]any{{"prompt": "second"}}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, match.CodeIllegalStatusTransition, errorCode(t, resp))
	})

	t.Run("step mismatch", func(t *testing.T) {
		sessionID, run := newRun(t, map[string]any{"prompt": "strict steps"})
		resp := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
			Items: []map[string]any{{"bogus": "item"}},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, match.CodeStepMismatch, errorCode(t, resp))
	})

	t.Run("completed requires a matching output", func(t *testing.T) {
		sessionID, run := newRun(t, map[string]any{"prompt": "no output"})
		resp := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
			Status: strPtr("completed"),
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, match.CodeOutputMismatch, errorCode(t, resp))
	})

	t.Run("fail_reason requires failed status", func(t *testing.T) {
		sessionID, run := newRun(t, map[string]any{"prompt": "still running"})
		resp := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
			FailReason: strPtr("oops"),
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, match.CodeIllegalFailReason, errorCode(t, resp))
	})

	t.Run("failing records the reason", func(t *testing.T) {
		sessionID, run := newRun(t, map[string]any{"prompt": "doomed"})
		resp := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
			Status:     strPtr("failed"),
			FailReason: strPtr("model unavailable"),
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var failed model.Run
		decodeData(t, resp, &failed)
		assert.Equal(t, model.RunStatusFailed, failed.Status)
		require.NotNil(t, failed.FailReason)
		assert.Equal(t, "model unavailable", *failed.FailReason)
	})
}

func TestCommentsAndScores(t *testing.T) {
	sessionID, run := newRun(t, map[string]any{"prompt": "review me"})
	resp := patchRun(t, sessionID, run.ID, model.RunPatchRequest{
		Items:  []map[string]any{{"answer": "reviewed"}},
		Status: strPtr("completed"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	itemsResp, err := authedRequest("GET", testSrv.URL+"/v1/runs/"+run.ID.String()+"/items", agentToken, nil)
	require.NoError(t, err)
	data, _ := io.ReadAll(itemsResp.Body)
	_ = itemsResp.Body.Close()
	var list struct {
		Data []model.SessionItem `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Data, 2)
	outputID := list.Data[1].ID

	// Comments.
	resp2, err := authedRequest("POST", testSrv.URL+"/v1/items/"+outputID.String()+"/comments", readerToken,
		model.CreateCommentRequest{Body: "solid answer"})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	var comment model.Comment
	decodeData(t, resp2, &comment)
	assert.Equal(t, "test-reader", comment.Author)

	resp3, err := authedRequest("GET", testSrv.URL+"/v1/items/"+outputID.String()+"/comments", agentToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	// Declared score within range.
	resp4, err := authedRequest("POST", testSrv.URL+"/v1/items/"+outputID.String()+"/scores", readerToken,
		model.CreateScoreRequest{Name: "quality", Value: 0.8})
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusCreated, resp4.StatusCode)

	// Declared score out of range.
	resp5, err := authedRequest("POST", testSrv.URL+"/v1/items/"+outputID.String()+"/scores", readerToken,
		model.CreateScoreRequest{Name: "quality", Value: 2.0})
	require.NoError(t, err)
	defer func() { _ = resp5.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp5.StatusCode)

	// Undeclared scores are stored free-form.
	resp6, err := authedRequest("POST", testSrv.URL+"/v1/items/"+outputID.String()+"/scores", readerToken,
		model.CreateScoreRequest{Name: "vibes", Value: "good"})
	require.NoError(t, err)
	defer func() { _ = resp6.Body.Close() }()
	assert.Equal(t, http.StatusCreated, resp6.StatusCode)

	resp7, err := authedRequest("GET", testSrv.URL+"/v1/items/"+outputID.String()+"/scores", agentToken, nil)
	require.NoError(t, err)
	data7, _ := io.ReadAll(resp7.Body)
	_ = resp7.Body.Close()
	var scores struct {
		Data []model.Score `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data7, &scores))
	assert.Len(t, scores.Data, 2)

	// Comment delete is admin-only.
	resp8, err := authedRequest("DELETE", testSrv.URL+"/v1/comments/"+comment.ID.String(), readerToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp8.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp8.StatusCode)

	resp9, err := authedRequest("DELETE", testSrv.URL+"/v1/comments/"+comment.ID.String(), adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp9.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp9.StatusCode)
}

// newMCPClient connects to the test server's /mcp endpoint with the
// given bearer token.
func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	return c
}

func initMCP(t *testing.T, c *mcpclient.Client) {
	t.Helper()
	_, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
}

func TestMCPInitialize(t *testing.T) {
	c := newMCPClient(t, agentToken)
	defer func() { _ = c.Close() }()

	initResult, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "kiroku", initResult.ServerInfo.Name)
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t, agentToken)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 4)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	assert.True(t, toolNames["kiroku_list_sessions"])
	assert.True(t, toolNames["kiroku_get_session"])
	assert.True(t, toolNames["kiroku_list_runs"])
	assert.True(t, toolNames["kiroku_resolve_item"])
}

func TestMCPListSessions(t *testing.T) {
	newSession(t)

	c := newMCPClient(t, agentToken)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	result, err := c.CallTool(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "kiroku_list_sessions",
			Arguments: map[string]any{"agent": "test-agent"},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "list_sessions returned error: %v", result.Content)
	assert.NotEmpty(t, result.Content)
}
