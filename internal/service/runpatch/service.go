// Package runpatch applies partial updates to runs.
//
// A run patch bundles new items, an optional status transition, run
// metadata, and an optional state snapshot. The service delegates all
// matching decisions to the engine (internal/match) and stages the
// resulting writes inside the caller's transaction; it is the only
// component that mutates persisted run state.
//
// Concurrent patches against the same run must be serialized by the
// caller (row-level locking in storage) because every decision here
// depends on reading the current prior-item list.
package runpatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kiroku-ai/kiroku/internal/agentconfig"
	"github.com/kiroku-ai/kiroku/internal/match"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/telemetry"
)

// DefaultIdleTimeout is how long an in_progress run may go without a
// patch before the expiry sweeper fails it.
const DefaultIdleTimeout = 60 * time.Second

// Store is the persistence surface the applier needs. All methods are
// scoped to the caller's transaction; *storage.DB implements this in
// production.
type Store interface {
	ItemsForRun(ctx context.Context, tx pgx.Tx, orgID, runID uuid.UUID) ([]model.SessionItem, error)
	SessionHasRunInProgress(ctx context.Context, tx pgx.Tx, orgID, sessionID uuid.UUID) (bool, error)
	InsertRun(ctx context.Context, tx pgx.Tx, run model.Run) error
	UpdateRun(ctx context.Context, tx pgx.Tx, run model.Run) error
	InsertItems(ctx context.Context, tx pgx.Tx, items []model.SessionItem) error
}

// Service validates and applies run patches.
type Service struct {
	store       Store
	engine      *match.Engine
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	patchDuration metric.Float64Histogram
	itemsAccepted metric.Int64Counter
}

// New creates a run patch Service. idleTimeout <= 0 selects
// DefaultIdleTimeout.
func New(store Store, engine *match.Engine, idleTimeout time.Duration, logger *slog.Logger) *Service {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("kiroku/runpatch")
	patchDur, _ := meter.Float64Histogram("kiroku.runpatch.duration",
		metric.WithDescription("Time to validate and stage a run patch (ms)"),
		metric.WithUnit("ms"),
	)
	itemsAcc, _ := meter.Int64Counter("kiroku.runpatch.items_accepted",
		metric.WithDescription("Items accepted into runs"),
	)
	return &Service{
		store:         store,
		engine:        engine,
		idleTimeout:   idleTimeout,
		logger:        logger,
		now:           time.Now,
		patchDuration: patchDur,
		itemsAccepted: itemsAcc,
	}
}

// ApplyRunPatch validates patch against the agent config and stages
// the writes in tx. A nil run creates a new run; the first patch item
// is then the run's input and selects the run config. The returned run
// reflects the staged update.
//
// Any validation failure aborts the whole patch; the caller rolls the
// transaction back and nothing is persisted.
func (s *Service) ApplyRunPatch(ctx context.Context, tx pgx.Tx, orgID, sessionID uuid.UUID, run *model.Run, ac *agentconfig.AgentConfig, patch model.RunPatchRequest) (*model.Run, error) {
	start := s.now()
	defer func() {
		if s.patchDuration != nil {
			s.patchDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("kiroku.agent", ac.Name)))
		}
	}()

	var target model.RunStatus
	if patch.Status != nil {
		if !model.ValidRunStatus(*patch.Status) {
			return nil, match.NewValidationError(match.CodeIllegalStatusTransition,
				"unknown run status %q", *patch.Status)
		}
		target = model.RunStatus(*patch.Status)
	}

	if run == nil {
		return s.createRun(ctx, tx, orgID, sessionID, ac, patch, target)
	}
	return s.updateRun(ctx, tx, orgID, run, ac, patch, target)
}

func (s *Service) createRun(ctx context.Context, tx pgx.Tx, orgID, sessionID uuid.UUID, ac *agentconfig.AgentConfig, patch model.RunPatchRequest, target model.RunStatus) (*model.Run, error) {
	if len(patch.Items) == 0 {
		return nil, match.NewValidationError(match.CodeNoMatchingRunConfig,
			"run creation requires an input item")
	}
	if target == "" {
		target = model.RunStatusInProgress
	}

	if target == model.RunStatusInProgress {
		busy, err := s.store.SessionHasRunInProgress(ctx, tx, orgID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("runpatch: check in-progress run: %w", err)
		}
		if busy {
			return nil, match.NewValidationError(match.CodeIllegalStatusTransition,
				"session already has a run in progress")
		}
	}

	rc, err := s.engine.RequireRunConfig(ac, patch.Items[0])
	if err != nil {
		return nil, err
	}
	inputRes, ok := s.engine.FindItemConfig(rc, nil, patch.Items[0], match.ItemTypeInput)
	if !ok {
		return nil, itemNoMatch(patch.Items[0])
	}

	normalized, err := s.engine.ValidateNonInputItems(rc,
		[]map[string]any{inputRes.Content}, patch.Items[1:], target)
	if err != nil {
		return nil, err
	}
	contents := append([]map[string]any{inputRes.Content}, normalized...)

	now := s.now().UTC()
	run := &model.Run{
		ID:        uuid.New(),
		SessionID: sessionID,
		OrgID:     orgID,
		AgentName: ac.Name,
		Status:    target,
		Metadata:  map[string]any{},
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.applyRunFields(run, ac, rc, patch, target, now); err != nil {
		return nil, err
	}

	if err := s.store.InsertRun(ctx, tx, *run); err != nil {
		return nil, fmt.Errorf("runpatch: insert run: %w", err)
	}
	items := buildItems(run, 0, contents, patch.State, now)
	if err := s.store.InsertItems(ctx, tx, items); err != nil {
		return nil, fmt.Errorf("runpatch: insert items: %w", err)
	}
	s.recordAccepted(ctx, ac.Name, len(items))
	return run, nil
}

func (s *Service) updateRun(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, run *model.Run, ac *agentconfig.AgentConfig, patch model.RunPatchRequest, target model.RunStatus) (*model.Run, error) {
	if run.Status.Terminal() {
		switch {
		case len(patch.Items) > 0,
			patch.Status != nil && target != run.Status,
			patch.Metadata != nil:
			return nil, match.NewValidationError(match.CodeIllegalStatusTransition,
				"run is already %s", run.Status)
		case patch.State != nil:
			return nil, match.NewValidationError(match.CodeIllegalStateWrite,
				"state can only be written while the run is in progress")
		case patch.FailReason != nil:
			return nil, match.NewValidationError(match.CodeIllegalFailReason,
				"fail_reason can only be set when failing a run")
		}
		// Idempotent no-op (e.g. a retried terminal patch).
		return run, nil
	}
	if target == "" {
		target = run.Status
	}

	stored, err := s.store.ItemsForRun(ctx, tx, orgID, run.ID)
	if err != nil {
		return nil, fmt.Errorf("runpatch: load items: %w", err)
	}
	var prior []map[string]any
	nextOrder := 0
	for _, it := range stored {
		if it.SortOrder >= nextOrder {
			nextOrder = it.SortOrder + 1
		}
		if it.IsState {
			continue
		}
		prior = append(prior, it.Content)
	}
	if len(prior) == 0 {
		return nil, fmt.Errorf("runpatch: run %s has no input item", run.ID)
	}

	rc, err := s.engine.RequireRunConfig(ac, prior[0])
	if err != nil {
		return nil, err
	}
	normalized, err := s.engine.ValidateNonInputItems(rc, prior, patch.Items, target)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updated := *run
	if err := s.applyRunFields(&updated, ac, rc, patch, target, now); err != nil {
		return nil, err
	}

	items := buildItems(&updated, nextOrder, normalized, patch.State, now)
	if len(items) > 0 {
		if err := s.store.InsertItems(ctx, tx, items); err != nil {
			return nil, fmt.Errorf("runpatch: insert items: %w", err)
		}
	}
	if err := s.store.UpdateRun(ctx, tx, updated); err != nil {
		return nil, fmt.Errorf("runpatch: update run: %w", err)
	}
	s.recordAccepted(ctx, ac.Name, len(items))
	return &updated, nil
}

// applyRunFields applies the non-item parts of a patch: metadata,
// fail reason, state write legality, status, and the derived
// finished/expiry timestamps.
func (s *Service) applyRunFields(run *model.Run, ac *agentconfig.AgentConfig, rc *agentconfig.RunConfig, patch model.RunPatchRequest, target model.RunStatus, now time.Time) error {
	if patch.FailReason != nil && target != model.RunStatusFailed {
		return match.NewValidationError(match.CodeIllegalFailReason,
			"fail_reason can only be set together with a failed transition")
	}
	if patch.FailReason != nil {
		run.FailReason = patch.FailReason
	}
	if patch.State != nil && target.Terminal() {
		return match.NewValidationError(match.CodeIllegalStateWrite,
			"state can only be written while the run is in progress")
	}

	if patch.Metadata != nil {
		if err := validateMetadata(ac, rc, patch.Metadata); err != nil {
			return err
		}
		if run.Metadata == nil {
			run.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			run.Metadata[k] = v
		}
	}

	run.Status = target
	run.UpdatedAt = now
	if target.Terminal() {
		run.FinishedAt = &now
		run.ExpiresAt = nil
	} else {
		deadline := now.Add(s.idleTimeout)
		run.ExpiresAt = &deadline
	}
	return nil
}

func validateMetadata(ac *agentconfig.AgentConfig, rc *agentconfig.RunConfig, md map[string]any) error {
	for field, value := range md {
		schema, declared := rc.Metadata[field]
		if !declared {
			schema, declared = ac.Metadata[field]
		}
		if !declared {
			if rc.AllowUnknownMetadata {
				continue
			}
			return match.NewValidationError(match.CodeMetadataMismatch,
				"unknown metadata field %q", field)
		}
		if !schema.TryMatchValue(value) {
			return match.NewValidationError(match.CodeMetadataMismatch,
				"metadata field %q does not match its configured schema", field)
		}
	}
	return nil
}

// buildItems materializes item rows for the accepted contents plus an
// optional trailing state snapshot.
func buildItems(run *model.Run, startOrder int, contents []map[string]any, state map[string]any, now time.Time) []model.SessionItem {
	items := make([]model.SessionItem, 0, len(contents)+1)
	order := startOrder
	for _, content := range contents {
		items = append(items, model.SessionItem{
			ID:        uuid.New(),
			SessionID: run.SessionID,
			RunID:     run.ID,
			OrgID:     run.OrgID,
			SortOrder: order,
			Content:   content,
			CreatedAt: now,
		})
		order++
	}
	if state != nil {
		items = append(items, model.SessionItem{
			ID:        uuid.New(),
			SessionID: run.SessionID,
			RunID:     run.ID,
			OrgID:     run.OrgID,
			SortOrder: order,
			IsState:   true,
			Content:   state,
			CreatedAt: now,
		})
	}
	return items
}

func (s *Service) recordAccepted(ctx context.Context, agent string, n int) {
	if s.itemsAccepted != nil && n > 0 {
		s.itemsAccepted.Add(ctx, int64(n),
			metric.WithAttributes(attribute.String("kiroku.agent", agent)))
	}
}

func itemNoMatch(item map[string]any) error {
	return &match.ValidationError{
		Code:    match.CodeNoMatchingRunConfig,
		Message: "input item does not match the selected run config",
		Item:    item,
	}
}
