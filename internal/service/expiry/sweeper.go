// Package expiry fails runs that stopped receiving patches.
//
// Every in_progress run carries an expires_at deadline refreshed by each
// accepted patch. The sweeper periodically fails runs whose deadline has
// passed, so crashed agents cannot hold a session's in-progress slot
// forever.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kiroku-ai/kiroku/internal/telemetry"
)

// FailReason is written to runs the sweeper fails.
const FailReason = "idle timeout exceeded"

// DefaultInterval is how often the sweeper scans for expired runs.
const DefaultInterval = 10 * time.Second

// Store is the persistence surface the sweeper needs.
type Store interface {
	ExpireIdleRuns(ctx context.Context, failReason string) ([]uuid.UUID, error)
}

// Sweeper periodically fails idle-expired runs.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	expired metric.Int64Counter
}

// New creates a Sweeper. interval <= 0 selects DefaultInterval.
func New(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	expired, _ := telemetry.Meter("kiroku/expiry").Int64Counter("kiroku.runs.expired",
		metric.WithDescription("Runs failed by the idle-expiry sweeper"),
	)
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		expired:  expired,
	}
}

// Run sweeps on a ticker until ctx is cancelled. Always returns nil so
// an errgroup running it only stops on context cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	ids, err := s.store.ExpireIdleRuns(ctx, FailReason)
	if err != nil {
		s.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if s.expired != nil {
		s.expired.Add(ctx, int64(len(ids)))
	}
	s.logger.Info("failed idle-expired runs", "count", len(ids))
}
