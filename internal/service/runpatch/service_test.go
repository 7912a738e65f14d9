package runpatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ai/kiroku/internal/agentconfig"
	"github.com/kiroku-ai/kiroku/internal/match"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/service/runpatch"
)

const chatConfig = `{
	"metadata": {
		"model": {"type": "string"}
	},
	"runs": [{
		"input": {"schema": {
			"type": "object",
			"properties": {"type": {"const": "message"}, "text": {"type": "string"}},
			"required": ["type", "text"]
		}},
		"output": {"schema": {
			"type": "object",
			"properties": {"type": {"const": "reply"}, "text": {"type": "string"}},
			"required": ["type", "text"]
		}},
		"steps": [{"schema": {
			"type": "object",
			"properties": {"type": {"const": "thought"}, "text": {"type": "string"}},
			"required": ["type", "text"]
		}}],
		"metadata": {
			"temperature": {"type": "number", "minimum": 0}
		}
	}]
}`

// fakeStore keeps runs and items in memory and ignores the
// transaction handle.
type fakeStore struct {
	runs  map[uuid.UUID]model.Run
	items []model.SessionItem
	busy  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[uuid.UUID]model.Run{}}
}

func (f *fakeStore) ItemsForRun(_ context.Context, _ pgx.Tx, _, runID uuid.UUID) ([]model.SessionItem, error) {
	var out []model.SessionItem
	for _, it := range f.items {
		if it.RunID == runID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeStore) SessionHasRunInProgress(_ context.Context, _ pgx.Tx, _, _ uuid.UUID) (bool, error) {
	return f.busy, nil
}

func (f *fakeStore) InsertRun(_ context.Context, _ pgx.Tx, run model.Run) error {
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) UpdateRun(_ context.Context, _ pgx.Tx, run model.Run) error {
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) InsertItems(_ context.Context, _ pgx.Tx, items []model.SessionItem) error {
	f.items = append(f.items, items...)
	return nil
}

func newService(t *testing.T, store *fakeStore) (*runpatch.Service, *agentconfig.AgentConfig) {
	t.Helper()
	ac, err := agentconfig.Parse("chat-agent", []byte(chatConfig))
	require.NoError(t, err)
	svc := runpatch.New(store, match.NewEngine(nil), 30*time.Second, nil)
	return svc, ac
}

func strp(s string) *string { return &s }

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	verr, ok := match.AsValidation(err)
	require.True(t, ok, "expected validation error, got %v", err)
	assert.Equal(t, code, verr.Code)
}

func TestApplyRunPatch_CreateCompleted(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)
	orgID, sessionID := uuid.New(), uuid.New()

	run, err := svc.ApplyRunPatch(context.Background(), nil, orgID, sessionID, nil, ac, model.RunPatchRequest{
		Items: []map[string]any{
			{"type": "message", "text": "hi"},
			{"type": "reply", "text": "hello"},
		},
		Status: strp("completed"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)
	assert.Nil(t, run.ExpiresAt)
	assert.Equal(t, "chat-agent", run.AgentName)

	require.Len(t, store.items, 2)
	assert.Equal(t, 0, store.items[0].SortOrder)
	assert.Equal(t, 1, store.items[1].SortOrder)
	assert.Equal(t, run.ID, store.items[0].RunID)
	require.Contains(t, store.runs, run.ID)
}

func TestApplyRunPatch_CreateInProgressSetsExpiry(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)

	before := time.Now().UTC()
	run, err := svc.ApplyRunPatch(context.Background(), nil, uuid.New(), uuid.New(), nil, ac, model.RunPatchRequest{
		Items: []map[string]any{{"type": "message", "text": "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusInProgress, run.Status)
	assert.Nil(t, run.FinishedAt)
	require.NotNil(t, run.ExpiresAt)
	assert.False(t, run.ExpiresAt.Before(before.Add(30*time.Second)))
}

func TestApplyRunPatch_CreateRequiresInput(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)

	_, err := svc.ApplyRunPatch(context.Background(), nil, uuid.New(), uuid.New(), nil, ac, model.RunPatchRequest{})
	requireCode(t, err, match.CodeNoMatchingRunConfig)
	assert.Empty(t, store.runs)
}

func TestApplyRunPatch_CreateRejectsSecondInProgress(t *testing.T) {
	store := newFakeStore()
	store.busy = true
	svc, ac := newService(t, store)

	_, err := svc.ApplyRunPatch(context.Background(), nil, uuid.New(), uuid.New(), nil, ac, model.RunPatchRequest{
		Items: []map[string]any{{"type": "message", "text": "hi"}},
	})
	requireCode(t, err, match.CodeIllegalStatusTransition)
}

func TestApplyRunPatch_CompletedWithoutOutputPersistsNothing(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)

	_, err := svc.ApplyRunPatch(context.Background(), nil, uuid.New(), uuid.New(), nil, ac, model.RunPatchRequest{
		Items: []map[string]any{
			{"type": "message", "text": "hi"},
			{"type": "thought", "text": "hmm"},
		},
		Status: strp("completed"),
	})
	requireCode(t, err, match.CodeOutputMismatch)
	assert.Empty(t, store.runs)
	assert.Empty(t, store.items)
}

func TestApplyRunPatch_AppendThenComplete(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)
	orgID, sessionID := uuid.New(), uuid.New()
	ctx := context.Background()

	run, err := svc.ApplyRunPatch(ctx, nil, orgID, sessionID, nil, ac, model.RunPatchRequest{
		Items: []map[string]any{{"type": "message", "text": "hi"}},
	})
	require.NoError(t, err)

	run, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Items: []map[string]any{{"type": "thought", "text": "thinking"}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusInProgress, run.Status)

	run, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Items:  []map[string]any{{"type": "reply", "text": "done"}},
		Status: strp("completed"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)

	require.Len(t, store.items, 3)
	for i, it := range store.items {
		assert.Equal(t, i, it.SortOrder)
	}
}

func TestApplyRunPatch_TerminalRunRejectsMutation(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)
	orgID, sessionID := uuid.New(), uuid.New()
	ctx := context.Background()

	run, err := svc.ApplyRunPatch(ctx, nil, orgID, sessionID, nil, ac, model.RunPatchRequest{
		Items: []map[string]any{
			{"type": "message", "text": "hi"},
			{"type": "reply", "text": "bye"},
		},
		Status: strp("completed"),
	})
	require.NoError(t, err)

	_, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Items: []map[string]any{{"type": "thought", "text": "late"}},
	})
	requireCode(t, err, match.CodeIllegalStatusTransition)

	_, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Status: strp("failed"),
	})
	requireCode(t, err, match.CodeIllegalStatusTransition)

	_, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		State: map[string]any{"step": 1},
	})
	requireCode(t, err, match.CodeIllegalStateWrite)

	_, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		FailReason: strp("oops"),
	})
	requireCode(t, err, match.CodeIllegalFailReason)

	// A retried terminal patch with nothing new is accepted as a no-op.
	same, err := svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Status: strp("completed"),
	})
	require.NoError(t, err)
	assert.Equal(t, run.ID, same.ID)
	require.Len(t, store.items, 2)
}

func TestApplyRunPatch_FailReason(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)
	orgID, sessionID := uuid.New(), uuid.New()
	ctx := context.Background()

	run, err := svc.ApplyRunPatch(ctx, nil, orgID, sessionID, nil, ac, model.RunPatchRequest{
		Items: []map[string]any{{"type": "message", "text": "hi"}},
	})
	require.NoError(t, err)

	_, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		FailReason: strp("tool exploded"),
	})
	requireCode(t, err, match.CodeIllegalFailReason)

	run, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Status:     strp("failed"),
		FailReason: strp("tool exploded"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.FailReason)
	assert.Equal(t, "tool exploded", *run.FailReason)
}

func TestApplyRunPatch_StateSnapshot(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)
	orgID, sessionID := uuid.New(), uuid.New()
	ctx := context.Background()

	run, err := svc.ApplyRunPatch(ctx, nil, orgID, sessionID, nil, ac, model.RunPatchRequest{
		Items: []map[string]any{{"type": "message", "text": "hi"}},
		State: map[string]any{"turn": float64(1)},
	})
	require.NoError(t, err)

	require.Len(t, store.items, 2)
	assert.False(t, store.items[0].IsState)
	assert.True(t, store.items[1].IsState)
	assert.Equal(t, 1, store.items[1].SortOrder)

	// Snapshots do not participate in matching: the run still
	// completes with an output even though the snapshot content
	// matches no item schema.
	run, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Items:  []map[string]any{{"type": "reply", "text": "bye"}},
		Status: strp("completed"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, store.items[2].SortOrder)

	// Terminal transitions cannot carry a snapshot.
	_, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		State: map[string]any{"turn": float64(2)},
	})
	requireCode(t, err, match.CodeIllegalStateWrite)
}

func TestApplyRunPatch_StateWithTerminalTransition(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)

	_, err := svc.ApplyRunPatch(context.Background(), nil, uuid.New(), uuid.New(), nil, ac, model.RunPatchRequest{
		Items: []map[string]any{
			{"type": "message", "text": "hi"},
			{"type": "reply", "text": "bye"},
		},
		Status: strp("completed"),
		State:  map[string]any{"turn": float64(1)},
	})
	requireCode(t, err, match.CodeIllegalStateWrite)
}

func TestApplyRunPatch_Metadata(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)
	orgID, sessionID := uuid.New(), uuid.New()
	ctx := context.Background()

	run, err := svc.ApplyRunPatch(ctx, nil, orgID, sessionID, nil, ac, model.RunPatchRequest{
		Items:    []map[string]any{{"type": "message", "text": "hi"}},
		Metadata: map[string]any{"temperature": float64(0.7), "model": "gpt-4o"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(0.7), run.Metadata["temperature"])
	assert.Equal(t, "gpt-4o", run.Metadata["model"])

	_, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Metadata: map[string]any{"temperature": "hot"},
	})
	requireCode(t, err, match.CodeMetadataMismatch)

	_, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Metadata: map[string]any{"surprise": true},
	})
	requireCode(t, err, match.CodeMetadataMismatch)

	// Later patches merge rather than replace.
	run, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Metadata: map[string]any{"temperature": float64(0.2)},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(0.2), run.Metadata["temperature"])
	assert.Equal(t, "gpt-4o", run.Metadata["model"])
}

func TestApplyRunPatch_AllowUnknownMetadata(t *testing.T) {
	const permissiveConfig = `{
		"runs": [{
			"input": {"schema": {
				"type": "object",
				"properties": {"type": {"const": "message"}, "text": {"type": "string"}},
				"required": ["type", "text"]
			}},
			"output": {"schema": {
				"type": "object",
				"properties": {"type": {"const": "reply"}, "text": {"type": "string"}},
				"required": ["type", "text"]
			}},
			"metadata": {
				"temperature": {"type": "number", "minimum": 0}
			},
			"allow_unknown_metadata": true
		}]
	}`
	ac, err := agentconfig.Parse("chat-agent", []byte(permissiveConfig))
	require.NoError(t, err)
	store := newFakeStore()
	svc := runpatch.New(store, match.NewEngine(nil), 30*time.Second, nil)
	orgID, sessionID := uuid.New(), uuid.New()
	ctx := context.Background()

	// Undeclared fields pass through and merge alongside declared ones.
	run, err := svc.ApplyRunPatch(ctx, nil, orgID, sessionID, nil, ac, model.RunPatchRequest{
		Items:    []map[string]any{{"type": "message", "text": "hi"}},
		Metadata: map[string]any{"temperature": float64(0.7), "surprise": true},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(0.7), run.Metadata["temperature"])
	assert.Equal(t, true, run.Metadata["surprise"])

	// Declared fields are still validated.
	_, err = svc.ApplyRunPatch(ctx, nil, orgID, sessionID, run, ac, model.RunPatchRequest{
		Metadata: map[string]any{"temperature": "hot"},
	})
	requireCode(t, err, match.CodeMetadataMismatch)
}

func TestApplyRunPatch_UnknownStatus(t *testing.T) {
	store := newFakeStore()
	svc, ac := newService(t, store)

	_, err := svc.ApplyRunPatch(context.Background(), nil, uuid.New(), uuid.New(), nil, ac, model.RunPatchRequest{
		Items:  []map[string]any{{"type": "message", "text": "hi"}},
		Status: strp("paused"),
	})
	requireCode(t, err, match.CodeIllegalStatusTransition)
}
