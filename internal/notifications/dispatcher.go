package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/MacJediWizard/duplimon/internal/config"
	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/rs/zerolog"
)

// Sender delivers a rendered notification to a push endpoint.
type Sender interface {
	Send(ctx context.Context, cfg config.NtfyConfig, n models.RenderedNotification) error
}

// EmailSender delivers a rendered notification by email.
type EmailSender interface {
	SendNotification(ctx context.Context, to []string, n models.RenderedNotification) error
}

// DeliveryObserver is told about every delivery attempt.
type DeliveryObserver interface {
	ObserveDelivery(channel string, err error)
}

// RunEvent describes a newly stored backup run.
type RunEvent struct {
	Server *models.DiscoveredServer
	Record *models.BackupRunRecord
}

// OverdueEvent describes a job whose next run is late.
type OverdueEvent struct {
	Server   *models.DiscoveredServer
	JobName  string
	LastRun  time.Time
	Expected time.Time
	Interval string
	Now      time.Time
}

// DispatcherConfig holds the default delivery targets.
type DispatcherConfig struct {
	Ntfy      config.NtfyConfig
	PublicURL string
}

// Dispatcher resolves, renders and delivers notifications.
type Dispatcher struct {
	resolver *Resolver
	engine   *Engine
	ntfy     Sender
	email    EmailSender
	observer DeliveryObserver
	cfg      DispatcherConfig
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher. email may be nil when no SMTP relay is
// configured.
func NewDispatcher(resolver *Resolver, engine *Engine, ntfy Sender, email EmailSender, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		resolver: resolver,
		engine:   engine,
		ntfy:     ntfy,
		email:    email,
		cfg:      cfg,
		logger:   logger.With().Str("component", "notification_dispatcher").Logger(),
	}
}

// SetObserver registers an observer for delivery attempts.
func (d *Dispatcher) SetObserver(o DeliveryObserver) {
	d.observer = o
}

// NotifyRun sends the notification for a stored run if the job's effective
// policy asks for one. Delivery failures are returned joined.
func (d *Dispatcher) NotifyRun(ctx context.Context, ev RunEvent) error {
	rec := ev.Record
	outcome := RunOutcome{Status: rec.Status, ErrorCount: rec.ErrorsCount}

	decision, err := d.resolver.Resolve(ctx, ev.Server.ID, rec.JobName, outcome)
	if err != nil {
		return fmt.Errorf("resolve notification policy: %w", err)
	}
	if !decision.ShouldNotify {
		d.logger.Debug().
			Str("server_id", ev.Server.ID).
			Str("job_name", rec.JobName).
			Str("status", string(rec.Status)).
			Str("event_filter", string(decision.Policy.EventFilter)).
			Msg("notification filtered")
		return nil
	}

	rendered := d.engine.Render(d.engine.Template(decision.Template), d.runContext(ev))
	return d.deliver(ctx, decision.Policy, rendered)
}

// NotifyOverdue sends the overdue notification for a job. Jobs whose
// effective filter is off are skipped.
func (d *Dispatcher) NotifyOverdue(ctx context.Context, ev OverdueEvent) error {
	policy, err := d.resolver.Policy(ctx, ev.Server.ID, ev.JobName)
	if err != nil {
		return fmt.Errorf("resolve notification policy: %w", err)
	}
	if policy.EventFilter == models.EventFilterOff {
		return nil
	}

	nc := d.serverContext(ev.Server)
	nc.Status = "Overdue"
	nc.BackupName = ev.JobName
	nc.LastBackupDate = ev.LastRun
	nc.ExpectedDate = ev.Expected
	nc.ExpectedInterval = ev.Interval
	nc.Now = ev.Now

	rendered := d.engine.Render(d.engine.Template(models.TemplateOverdue), nc)
	return d.deliver(ctx, policy, rendered)
}

// SendTest renders a template of the given kind with sample values and sends
// it to the default targets.
func (d *Dispatcher) SendTest(ctx context.Context, kind models.TemplateKind) (models.RenderedNotification, error) {
	now := time.Now()
	nc := NotificationContext{
		Status:            "Success",
		ServerID:          "test-server",
		ServerName:        "test-server",
		BackupName:        "test-backup",
		BackupDate:        now,
		Duration:          5 * time.Minute,
		UploadedBytes:     1 << 20,
		ExaminedBytes:     10 << 20,
		StorageBytes:      100 << 20,
		ExaminedFiles:     1250,
		AddedFiles:        12,
		ModifiedFiles:     3,
		AvailableVersions: 7,
		LastBackupDate:    now.Add(-26 * time.Hour),
		ExpectedDate:      now.Add(-2 * time.Hour),
		ExpectedInterval:  "1D",
		DashboardURL:      d.cfg.PublicURL,
		Now:               now,
	}
	switch kind {
	case models.TemplateWarning:
		nc.Status = string(models.RunStatusWarning)
		nc.WarningsCount = 2
	case models.TemplateOverdue:
		nc.Status = "Overdue"
	}

	rendered := d.engine.Render(d.engine.Template(kind), nc)
	return rendered, d.deliver(ctx, models.EffectivePolicy{EventFilter: models.EventFilterAll}, rendered)
}

func (d *Dispatcher) deliver(ctx context.Context, policy models.EffectivePolicy, n models.RenderedNotification) error {
	var errs []error

	if d.cfg.Ntfy.Enabled() {
		errs = append(errs, d.sendNtfy(ctx, d.cfg.Ntfy, n))
	}
	if policy.AdditionalTopic != "" && policy.AdditionalTopic != d.cfg.Ntfy.Topic && d.cfg.Ntfy.URL != "" {
		extra := d.cfg.Ntfy
		extra.Topic = policy.AdditionalTopic
		errs = append(errs, d.sendNtfy(ctx, extra, n))
	}
	if d.email != nil && len(policy.AdditionalEmails) > 0 {
		err := d.email.SendNotification(ctx, policy.AdditionalEmails, n)
		d.observe("email", err)
		if err != nil {
			d.logger.Error().Err(err).
				Strs("to", policy.AdditionalEmails).
				Msg("failed to send notification email")
			err = fmt.Errorf("email: %w", err)
		}
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) sendNtfy(ctx context.Context, cfg config.NtfyConfig, n models.RenderedNotification) error {
	err := d.ntfy.Send(ctx, cfg, n)
	d.observe("ntfy", err)
	if err != nil {
		d.logger.Error().Err(err).
			Str("topic", cfg.Topic).
			Msg("failed to send ntfy notification")
	}
	return err
}

func (d *Dispatcher) observe(channel string, err error) {
	if d.observer != nil {
		d.observer.ObserveDelivery(channel, err)
	}
}

func (d *Dispatcher) serverContext(s *models.DiscoveredServer) NotificationContext {
	nc := NotificationContext{
		ServerID:    s.ID,
		ServerName:  s.Name,
		ServerAlias: s.Alias,
		ServerURL:   s.BaseURL,
	}
	if d.cfg.PublicURL != "" {
		nc.DashboardURL = d.cfg.PublicURL + "/servers/" + url.PathEscape(s.ID)
	}
	return nc
}

func (d *Dispatcher) runContext(ev RunEvent) NotificationContext {
	rec := ev.Record
	nc := d.serverContext(ev.Server)
	nc.Status = string(rec.Status)
	nc.BackupName = rec.JobName
	nc.BackupDate = rec.Timestamp
	nc.Duration = rec.Duration()
	nc.UploadedBytes = rec.Sizes.BytesUploaded
	nc.ExaminedBytes = rec.Sizes.SizeOfExaminedFiles
	nc.StorageBytes = rec.Sizes.KnownFileSize
	nc.ExaminedFiles = rec.Files.ExaminedFiles
	nc.AddedFiles = rec.Files.AddedFiles
	nc.ModifiedFiles = rec.Files.ModifiedFiles
	nc.DeletedFiles = rec.Files.DeletedFiles
	nc.MessagesCount = rec.MessagesCount
	nc.WarningsCount = rec.WarningsCount
	nc.ErrorsCount = rec.ErrorsCount
	nc.AvailableVersions = len(rec.AvailableVersions)
	return nc
}
