// Package monitoring detects scheduled backup jobs whose next run is late.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/MacJediWizard/duplimon/internal/notifications"
	"github.com/MacJediWizard/duplimon/internal/schedule"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule is the cron spec used when none is configured.
const DefaultSchedule = "@every 15m"

// Store defines the data access needed by the overdue check.
type Store interface {
	ReadAllJobSettings(ctx context.Context) (models.JobSettingsMap, error)
	LatestRunTimestamps(ctx context.Context) (map[string]time.Time, error)
	GetServer(ctx context.Context, id string) (*models.DiscoveredServer, error)
}

// Notifier sends overdue notifications.
type Notifier interface {
	NotifyOverdue(ctx context.Context, ev notifications.OverdueEvent) error
}

// Gauge receives the number of overdue jobs per server.
type Gauge interface {
	SetOverdueJobs(serverID string, n int)
}

// OverdueJob is a job found late by a check.
type OverdueJob struct {
	ServerID string
	JobName  string
	LastRun  time.Time
	Expected time.Time
	Notified bool
}

// OverdueChecker compares the newest stored run of every scheduled job with
// its expected next run. Each missed deadline is notified once.
type OverdueChecker struct {
	store    Store
	notifier Notifier
	gauge    Gauge
	cron     *cron.Cron
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	notified map[string]time.Time // job key -> deadline already notified
}

// NewOverdueChecker creates an OverdueChecker.
func NewOverdueChecker(store Store, notifier Notifier, logger zerolog.Logger) *OverdueChecker {
	return &OverdueChecker{
		store:    store,
		notifier: notifier,
		cron:     cron.New(),
		logger:   logger.With().Str("component", "overdue_check").Logger(),
		notified: make(map[string]time.Time),
	}
}

// SetGauge registers the metric updated after every check.
func (c *OverdueChecker) SetGauge(g Gauge) {
	c.gauge = g
}

// Start registers the check with the cron scheduler under spec and starts it.
// An empty spec selects DefaultSchedule.
func (c *OverdueChecker) Start(spec string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("overdue checker already running")
	}
	if spec == "" {
		spec = DefaultSchedule
	}

	if err := c.Register(c.cron, spec); err != nil {
		return err
	}

	c.cron.Start()
	c.running = true

	c.logger.Info().Str("schedule", spec).Msg("overdue checker started")
	return nil
}

// Register adds the check to sched under spec without starting sched.
func (c *OverdueChecker) Register(sched *cron.Cron, spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := sched.AddFunc(spec, c.runCheck); err != nil {
		return fmt.Errorf("register overdue check %q: %w", spec, err)
	}
	return nil
}

// Stop stops the scheduler. The returned context is done once a running
// check has finished.
func (c *OverdueChecker) Stop() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	c.running = false
	c.logger.Info().Msg("stopping overdue checker")
	return c.cron.Stop()
}

// HealthCheck fails when the scheduler is not running.
func (c *OverdueChecker) HealthCheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return errors.New("overdue checker not running")
	}
	return nil
}

func (c *OverdueChecker) runCheck() {
	if _, err := c.Check(context.Background(), time.Now()); err != nil {
		c.logger.Error().Err(err).Msg("overdue check failed")
	}
}

// Check finds every overdue job as of now and notifies the ones whose current
// deadline has not been notified yet. Notification failures are logged and
// retried on the next check.
func (c *OverdueChecker) Check(ctx context.Context, now time.Time) ([]OverdueJob, error) {
	settings, err := c.store.ReadAllJobSettings(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := c.store.LatestRunTimestamps(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	servers := make(map[string]*models.DiscoveredServer)
	counts := make(map[string]int)
	var overdue []OverdueJob

	for _, key := range keys {
		entry := settings[key]
		serverID, jobName, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		if _, seen := counts[serverID]; !seen {
			counts[serverID] = 0
		}
		if !entry.OverdueCheckEnabled {
			continue
		}
		last, ok := latest[key]
		if !ok {
			continue
		}

		expected, err := schedule.NextExpected(last, entry.Schedule)
		if err != nil {
			c.logger.Warn().Err(err).Str("job", key).Msg("invalid job schedule")
			continue
		}
		if !now.After(expected.Add(entry.Tolerance())) {
			delete(c.notified, key)
			continue
		}

		counts[serverID]++
		job := OverdueJob{ServerID: serverID, JobName: jobName, LastRun: last, Expected: expected}

		if prev, done := c.notified[key]; done && prev.Equal(expected) {
			job.Notified = true
			overdue = append(overdue, job)
			continue
		}

		server, ok := servers[serverID]
		if !ok {
			server, err = c.store.GetServer(ctx, serverID)
			if err != nil {
				c.logger.Warn().Err(err).Str("server_id", serverID).Msg("skipping overdue jobs of unknown server")
				overdue = append(overdue, job)
				continue
			}
			servers[serverID] = server
		}

		err = c.notifier.NotifyOverdue(ctx, notifications.OverdueEvent{
			Server:   server,
			JobName:  jobName,
			LastRun:  last,
			Expected: expected,
			Interval: entry.Schedule.ExpectedInterval,
			Now:      now,
		})
		if err != nil {
			c.logger.Warn().Err(err).
				Str("server_id", serverID).
				Str("job_name", jobName).
				Msg("overdue notification failed")
		} else {
			c.notified[key] = expected
			job.Notified = true
		}
		overdue = append(overdue, job)
	}

	if c.gauge != nil {
		for serverID, n := range counts {
			c.gauge.SetOverdueJobs(serverID, n)
		}
	}

	c.logger.Debug().Int("overdue", len(overdue)).Msg("overdue check completed")
	return overdue, nil
}
