// Package cleanup enforces data retention in the background: trimming
// each run's event log and expiring stale pending approvals.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/store"
)

// Service periodically enforces retention policies:
//   - Trims each run's event log to the newest EventsPerRun rows
//   - Expires pending approvals older than ApprovalTTL
//
// All operations are idempotent.
type Service struct {
	config *config.RetentionConfig
	store  store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. A nil config falls back to
// the built-in defaults.
func NewService(cfg *config.RetentionConfig, st store.Store) *Service {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Service{
		config: cfg,
		store:  st,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"events_per_run", s.config.EventsPerRun,
		"approval_ttl", s.config.ApprovalTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.trimEvents(ctx)
	s.expireApprovals(ctx)
}

// trimEvents caps every run's event log. Runs are trimmed one at a
// time so a huge backlog never holds the write connection for long.
func (s *Service) trimEvents(ctx context.Context) {
	runIDs, err := s.store.ListRunIDsWithEvents(ctx)
	if err != nil {
		slog.Error("retention: listing runs with events failed", "error", err)
		return
	}

	total := 0
	for _, runID := range runIDs {
		if ctx.Err() != nil {
			return
		}
		n, err := s.store.TrimEvents(ctx, runID, s.config.EventsPerRun)
		if err != nil {
			slog.Error("retention: event trim failed", "run_id", runID, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		slog.Info("retention: trimmed events", "count", total, "runs", len(runIDs))
	}
}

func (s *Service) expireApprovals(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.ApprovalTTL)
	count, err := s.store.ExpireStaleApprovals(ctx, cutoff)
	if err != nil {
		slog.Error("retention: approval expiry failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: expired stale approvals", "count", count)
	}
}
