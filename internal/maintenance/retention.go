// Package maintenance prunes stored backup run history.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRetentionSchedule runs the cleanup daily at 03:00 UTC.
const DefaultRetentionSchedule = "0 3 * * *"

// RetentionStore defines the data access needed to prune run history.
type RetentionStore interface {
	DeleteRecordsBefore(ctx context.Context, before time.Time) (int64, error)
}

// RetentionScheduler periodically deletes backup runs older than the
// retention period.
type RetentionScheduler struct {
	store         RetentionStore
	retentionDays int
	now           func() time.Time
	cron          *cron.Cron
	logger        zerolog.Logger
	mu            sync.Mutex
	running       bool
}

// NewRetentionScheduler creates a retention scheduler keeping retentionDays
// days of run history.
func NewRetentionScheduler(store RetentionStore, retentionDays int, logger zerolog.Logger) *RetentionScheduler {
	return &RetentionScheduler{
		store:         store,
		retentionDays: retentionDays,
		now:           time.Now,
		cron:          cron.New(cron.WithLocation(time.UTC)),
		logger:        logger.With().Str("component", "retention").Logger(),
	}
}

// Start begins the daily cleanup schedule.
func (s *RetentionScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("retention scheduler already running")
	}
	if s.retentionDays <= 0 {
		return errors.New("retention period must be at least one day")
	}

	if _, err := s.cron.AddFunc(DefaultRetentionSchedule, s.runCleanup); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Int("retention_days", s.retentionDays).
		Msg("retention scheduler started (daily at 03:00 UTC)")

	return nil
}

// Stop stops the retention scheduler gracefully.
func (s *RetentionScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping retention scheduler")
	return s.cron.Stop()
}

// Cutoff returns the oldest run timestamp kept as of now.
func (s *RetentionScheduler) Cutoff() time.Time {
	return s.now().UTC().AddDate(0, 0, -s.retentionDays)
}

func (s *RetentionScheduler) runCleanup() {
	ctx := context.Background()
	cutoff := s.Cutoff()

	deleted, err := s.store.DeleteRecordsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("backup run cleanup failed")
		return
	}

	s.logger.Info().
		Int64("deleted_rows", deleted).
		Time("cutoff", cutoff).
		Msg("backup run cleanup completed")
}

// RunNow triggers an immediate cleanup.
func (s *RetentionScheduler) RunNow() {
	s.runCleanup()
}
