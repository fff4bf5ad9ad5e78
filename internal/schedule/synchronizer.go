// Package schedule keeps the per-job schedule settings in sync with the
// job definitions found on remote agents.
package schedule

import (
	"context"
	"fmt"
	"sync"

	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/rs/zerolog"
)

// SettingsStore reads and writes the settings blob as a whole. It has no
// partial-update primitive.
type SettingsStore interface {
	ReadAllJobSettings(ctx context.Context) (models.JobSettingsMap, error)
	WriteAllJobSettings(ctx context.Context, settings models.JobSettingsMap) error
}

// SettingsModifier is implemented by stores that can run a read-modify-write
// of the blob atomically. The Synchronizer prefers it over ReadAllJobSettings
// followed by WriteAllJobSettings, which can lose concurrent writes to other
// keys.
type SettingsModifier interface {
	ModifyJobSettings(ctx context.Context, fn func(models.JobSettingsMap) error) error
}

// Synchronizer merges schedule metadata into the settings blob. Updates for
// the same job are serialized; updates for different jobs run concurrently.
type Synchronizer struct {
	store  SettingsStore
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewSynchronizer creates a Synchronizer backed by store.
func NewSynchronizer(store SettingsStore, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		store:    store,
		logger:   logger.With().Str("component", "schedule_sync").Logger(),
		inflight: make(map[string]chan struct{}),
	}
}

// UpdateSchedule replaces the schedule of one job in the settings blob,
// creating the entry from defaults when the job is new. Every other entry is
// written back unchanged.
func (s *Synchronizer) UpdateSchedule(ctx context.Context, serverID, jobName string, meta models.JobScheduleMeta) error {
	return s.UpdateJobSettings(ctx, serverID, jobName, func(entry *models.JobSettings) error {
		entry.Schedule = meta
		return nil
	})
}

// UpdateJobSettings applies mutate to the settings entry of one job under the
// job's lock. The entry is created from defaults when absent. An error from
// mutate leaves the blob unwritten.
func (s *Synchronizer) UpdateJobSettings(ctx context.Context, serverID, jobName string, mutate func(*models.JobSettings) error) error {
	key := models.JobKey{ServerID: serverID, JobName: jobName}.String()

	release, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	var (
		entry   models.JobSettings
		created bool
	)
	apply := func(settings models.JobSettingsMap) error {
		var ok bool
		entry, ok = settings[key]
		if !ok {
			entry = models.DefaultJobSettings()
		}
		created = !ok
		if err := mutate(&entry); err != nil {
			return err
		}
		settings[key] = entry
		return nil
	}

	if m, ok := s.store.(SettingsModifier); ok {
		if err := m.ModifyJobSettings(ctx, apply); err != nil {
			return err
		}
	} else if err := s.readModifyWrite(ctx, apply); err != nil {
		return err
	}

	s.logger.Debug().
		Str("job_key", key).
		Str("interval", entry.Schedule.ExpectedInterval).
		Bool("created", created).
		Msg("job settings updated")
	return nil
}

func (s *Synchronizer) readModifyWrite(ctx context.Context, apply func(models.JobSettingsMap) error) error {
	settings, err := s.store.ReadAllJobSettings(ctx)
	if err != nil {
		return fmt.Errorf("read job settings: %w", err)
	}
	if settings == nil {
		settings = make(models.JobSettingsMap)
	}
	if err := apply(settings); err != nil {
		return err
	}
	if err := s.store.WriteAllJobSettings(ctx, settings); err != nil {
		return fmt.Errorf("write job settings: %w", err)
	}
	return nil
}

// acquire waits for any in-flight update of key to finish and registers a new
// one. The returned release func removes the key and wakes every waiter.
func (s *Synchronizer) acquire(ctx context.Context, key string) (func(), error) {
	for {
		s.mu.Lock()
		done, busy := s.inflight[key]
		if !busy {
			ch := make(chan struct{})
			s.inflight[key] = ch
			s.mu.Unlock()
			return func() {
				s.mu.Lock()
				delete(s.inflight, key)
				s.mu.Unlock()
				close(ch)
			}, nil
		}
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for settings update of %s: %w", key, ctx.Err())
		}
	}
}

func (s *Synchronizer) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
