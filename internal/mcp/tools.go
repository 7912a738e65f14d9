package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kiroku-ai/kiroku/internal/agentconfig"
	"github.com/kiroku-ai/kiroku/internal/ctxutil"
	"github.com/kiroku-ai/kiroku/internal/match"
	"github.com/kiroku-ai/kiroku/internal/model"
)

func (s *Server) registerTools() {
	// kiroku_list_sessions: browse recorded sessions.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_list_sessions",
			mcplib.WithDescription(`List recorded agent sessions, newest first.

Use this to discover what has been recorded before drilling into a
specific session with kiroku_get_session.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent",
				mcplib.Description("Optional: only sessions recorded by this agent name"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum sessions to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListSessions,
	)

	// kiroku_get_session: full session view with runs and items.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_get_session",
			mcplib.WithDescription(`Fetch one session with its runs and the full ordered item history.

Items appear in recording order: the input first, then steps, tool
calls, results, and the output. State snapshot items are marked
is_state and reflect the run's working state at that point.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("Session UUID"),
				mcplib.Required(),
			),
		),
		s.handleGetSession,
	)

	// kiroku_list_runs: a session's run lifecycle view.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_list_runs",
			mcplib.WithDescription(`List a session's runs in start order, with status, fail reason, and timing.

Useful to spot failed or expired runs before fetching their items.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("Session UUID"),
				mcplib.Required(),
			),
		),
		s.handleListRuns,
	)

	// kiroku_resolve_item: which configured slot did an item fill.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_resolve_item",
			mcplib.WithDescription(`Resolve which configured slot a recorded item filled.

Re-runs the matching engine over the item's run and reports the slot
type (input, step, or output), the step index for steps, the
normalized content, and the originating call for correlated tool
results.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("item_id",
				mcplib.Description("Item UUID"),
				mcplib.Required(),
			),
		),
		s.handleResolveItem,
	)
}

func (s *Server) handleListSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	orgID := ctxutil.OrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		return errorResult("not authenticated"), nil
	}

	agent := request.GetString("agent", "")
	limit := request.GetInt("limit", 20)

	sessions, total, err := s.db.ListSessions(ctx, orgID, agent, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list sessions: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"sessions": sessions,
		"total":    total,
	})
}

func (s *Server) handleGetSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	orgID := ctxutil.OrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		return errorResult("not authenticated"), nil
	}

	sessionID, err := uuid.Parse(request.GetString("session_id", ""))
	if err != nil {
		return errorResult("session_id must be a UUID"), nil
	}

	sess, err := s.db.GetSession(ctx, orgID, sessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("get session: %v", err)), nil
	}
	runs, err := s.db.ListRuns(ctx, orgID, sessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs: %v", err)), nil
	}
	items, err := s.db.ListSessionItems(ctx, orgID, sessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("list items: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"session": sess,
		"runs":    runs,
		"items":   items,
	})
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	orgID := ctxutil.OrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		return errorResult("not authenticated"), nil
	}

	sessionID, err := uuid.Parse(request.GetString("session_id", ""))
	if err != nil {
		return errorResult("session_id must be a UUID"), nil
	}

	if _, err := s.db.GetSession(ctx, orgID, sessionID); err != nil {
		return errorResult(fmt.Sprintf("get session: %v", err)), nil
	}
	runs, err := s.db.ListRuns(ctx, orgID, sessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs: %v", err)), nil
	}
	return jsonResult(map[string]any{"runs": runs})
}

func (s *Server) handleResolveItem(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	orgID := ctxutil.OrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		return errorResult("not authenticated"), nil
	}

	itemID, err := uuid.Parse(request.GetString("item_id", ""))
	if err != nil {
		return errorResult("item_id must be a UUID"), nil
	}

	item, err := s.db.GetItem(ctx, orgID, itemID)
	if err != nil {
		return errorResult(fmt.Sprintf("get item: %v", err)), nil
	}
	run, err := s.db.GetRun(ctx, orgID, item.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("get run: %v", err)), nil
	}
	agent, err := s.db.GetAgentByName(ctx, orgID, run.AgentName)
	if err != nil {
		return errorResult(fmt.Sprintf("get agent: %v", err)), nil
	}
	ac, err := agentconfig.Parse(agent.Name, agent.Config)
	if err != nil {
		return errorResult(fmt.Sprintf("agent config does not compile: %v", err)), nil
	}
	items, err := s.db.ListRunItems(ctx, orgID, run.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("list run items: %v", err)), nil
	}

	input := firstNonState(items)
	if input == nil {
		return errorResult("run has no input item"), nil
	}
	rc, err := s.engine.RequireRunConfig(ac, input)
	if err != nil {
		return errorResult(fmt.Sprintf("resolve run config: %v", err)), nil
	}
	res, ok := s.engine.FindItemConfigByID(rc, items, itemID)
	if !ok {
		return errorResult("item does not resolve to a configured slot"), nil
	}

	out := map[string]any{
		"item_id":   itemID,
		"slot_type": string(res.Type),
		"content":   res.Content,
	}
	if res.Type == match.ItemTypeStep {
		out["step_index"] = res.StepIndex
	}
	if res.ToolCallContent != nil {
		out["tool_call_content"] = res.ToolCallContent
	}
	return jsonResult(out)
}

func firstNonState(items []model.SessionItem) map[string]any {
	for _, it := range items {
		if !it.IsState {
			return it.Content
		}
	}
	return nil
}
