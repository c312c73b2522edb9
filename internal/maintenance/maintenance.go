// Package maintenance migrates and cleans up orphan chunks, the legacy rows
// written before every chunk carried a conversation binding.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kaiwa/internal/models"
	"github.com/hyperjump/kaiwa/internal/storage"
)

// Service runs orphan migration and retention cleanup against a store.
type Service struct {
	store     storage.Storage
	retention time.Duration
	logger    *zap.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets a logger for maintenance runs.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a maintenance service. retention bounds how old an
// orphan chunk may be before Cleanup removes it; zero or negative falls back
// to 30 days.
func NewService(store storage.Storage, retention time.Duration, opts ...ServiceOption) *Service {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	s := &Service{store: store, retention: retention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate binds orphan chunks to their parent document's conversation where
// the document has one, and reports what remains orphaned.
func (s *Service) Migrate(ctx context.Context) (*models.MigrateReport, error) {
	backfilled, err := s.store.BackfillOrphanBindings(ctx)
	if err != nil {
		return nil, err
	}
	remaining, err := s.store.CountOrphans(ctx)
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Info("orphan migration finished",
			zap.Int64("backfilled", backfilled),
			zap.Int64("still_orphan", remaining))
	}
	return &models.MigrateReport{Backfilled: backfilled, StillOrphan: remaining}, nil
}

// Cleanup removes orphan chunks older than the retention window. With dryRun
// it only reports the candidate count. Conversation-bound chunks are never
// touched.
func (s *Service) Cleanup(ctx context.Context, dryRun bool) (*models.CleanupReport, error) {
	cutoff := time.Now().Add(-s.retention)
	candidates, err := s.store.CountOrphansOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report := &models.CleanupReport{DryRun: dryRun, Candidates: candidates}
	if dryRun || candidates == 0 {
		return report, nil
	}

	// Log before deleting so an interrupted run still leaves a trace of scale.
	if s.logger != nil {
		s.logger.Info("deleting expired orphan chunks",
			zap.Int64("candidates", candidates),
			zap.Time("cutoff", cutoff))
	}
	deleted, err := s.store.DeleteOrphansOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.Deleted = deleted
	return report, nil
}
