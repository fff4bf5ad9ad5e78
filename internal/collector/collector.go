// Package collector pulls backup results from remote agents and stores them
// as backup run records.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/MacJediWizard/duplimon/internal/crypto"
	"github.com/MacJediWizard/duplimon/internal/duplicati"
	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/MacJediWizard/duplimon/internal/notifications"
	"github.com/MacJediWizard/duplimon/internal/schedule"
	"github.com/rs/zerolog"
)

// DefaultPageSize is the number of log entries requested per job.
const DefaultPageSize = 100

// Store defines the persistence operations needed by the collector.
type Store interface {
	ExistsRecord(ctx context.Context, serverID, jobName string, ts time.Time) (bool, error)
	InsertRecord(ctx context.Context, rec *models.BackupRunRecord) error
	UpsertServer(ctx context.Context, server *models.DiscoveredServer) error
	GetServer(ctx context.Context, id string) (*models.DiscoveredServer, error)
}

// ScheduleUpdater receives the schedule metadata of every discovered job.
type ScheduleUpdater interface {
	UpdateSchedule(ctx context.Context, serverID, jobName string, meta models.JobScheduleMeta) error
}

// PasswordCipher seals and opens stored agent passwords.
type PasswordCipher interface {
	EncryptPassword(password string) ([]byte, error)
	DecryptPassword(sealed []byte) (string, error)
}

// Notifier is told about newly stored runs.
type Notifier interface {
	NotifyRun(ctx context.Context, ev notifications.RunEvent) error
}

// Metrics records collection outcomes.
type Metrics interface {
	RecordCollection(result string, d time.Duration)
	RecordEntries(processed, skipped, errors int)
	RecordRunStatus(status string)
}

// CollectRequest selects the agent to collect from. Either ServerID alone
// (the stored credential is used) or Hostname, Port and Password must be set.
type CollectRequest struct {
	ServerID        string `json:"server_id,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	Port            int    `json:"port,omitempty"`
	Password        string `json:"password,omitempty"`
	DownloadRawJSON bool   `json:"download_raw_json,omitempty"`
}

// Stats counts the log entries handled during a collection.
type Stats struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Result is the outcome of a collection.
type Result struct {
	Success          bool            `json:"success"`
	ServerID         string          `json:"server_id"`
	ServerName       string          `json:"server_name"`
	ServerAlias      string          `json:"server_alias,omitempty"`
	Stats            Stats           `json:"stats"`
	Failures         []JobFailure    `json:"failures,omitempty"`
	DeliveryFailures []JobFailure    `json:"delivery_failures,omitempty"`
	RawJSON          json.RawMessage `json:"raw_json,omitempty"`
}

func (r *Result) fail(jobName string, kind FailureKind, err error) {
	r.Stats.Errors++
	r.Failures = append(r.Failures, JobFailure{JobName: jobName, Kind: kind, Detail: err.Error()})
}

// Collector runs collections against remote agents.
type Collector struct {
	client    *duplicati.Client
	store     Store
	schedules ScheduleUpdater
	keys      PasswordCipher
	notifier  Notifier
	metrics   Metrics
	pageSize  int
	logger    zerolog.Logger
}

// NewCollector creates a Collector. A pageSize of zero or less selects
// DefaultPageSize.
func NewCollector(client *duplicati.Client, store Store, schedules ScheduleUpdater, keys PasswordCipher, pageSize int, logger zerolog.Logger) *Collector {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Collector{
		client:    client,
		store:     store,
		schedules: schedules,
		keys:      keys,
		pageSize:  pageSize,
		logger:    logger.With().Str("component", "collector").Logger(),
	}
}

// SetNotifier registers the notifier for stored runs.
func (c *Collector) SetNotifier(n Notifier) {
	c.notifier = n
}

// SetMetrics registers the metrics recorder.
func (c *Collector) SetMetrics(m Metrics) {
	c.metrics = m
}

// Collect connects to an agent, stores every backup run not stored yet and
// hands each stored run to the notifier. Failures of a
// single job are recorded in the result and do not stop the collection.
func (c *Collector) Collect(ctx context.Context, req CollectRequest) (*Result, error) {
	start := time.Now()
	res, err := c.collect(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if c.metrics != nil {
		c.metrics.RecordCollection(outcome, time.Since(start))
		if res != nil {
			c.metrics.RecordEntries(res.Stats.Processed, res.Stats.Skipped, res.Stats.Errors)
		}
	}
	if err != nil {
		c.logger.Warn().Err(err).
			Str("server_id", req.ServerID).
			Str("hostname", req.Hostname).
			Msg("collection failed")
		return nil, err
	}
	c.logger.Info().
		Str("server_id", res.ServerID).
		Int("processed", res.Stats.Processed).
		Int("skipped", res.Stats.Skipped).
		Int("errors", res.Stats.Errors).
		Dur("duration", time.Since(start)).
		Msg("collection finished")
	return res, nil
}

func (c *Collector) collect(ctx context.Context, req CollectRequest) (*Result, error) {
	cred, err := c.credential(ctx, req)
	if err != nil {
		return nil, err
	}

	sess, err := c.client.Connect(ctx, cred)
	if err != nil {
		return nil, err
	}

	info, rawInfo, err := sess.SystemInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch system info: %w", err)
	}
	id, name, err := info.Identity()
	if err != nil {
		return nil, err
	}
	if req.ServerID != "" && req.ServerID != id {
		return nil, &IdentityMismatchError{Expected: req.ServerID, Actual: id}
	}

	sealed, err := c.keys.EncryptPassword(cred.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}
	if err := c.store.UpsertServer(ctx, models.NewDiscoveredServer(id, name, sess.BaseURL, sess.Protocol, sealed)); err != nil {
		return nil, fmt.Errorf("upsert server: %w", err)
	}
	server, err := c.store.GetServer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}

	jobs, rawJobs, err := sess.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	res := &Result{
		Success:     true,
		ServerID:    server.ID,
		ServerName:  server.Name,
		ServerAlias: server.Alias,
	}

	var logs map[string]json.RawMessage
	if req.DownloadRawJSON {
		logs = make(map[string]json.RawMessage, len(jobs))
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rawLog, err := c.collectJob(ctx, sess, server, job, res)
		if err != nil {
			c.logger.Error().Err(err).
				Str("server_id", server.ID).
				Str("job_name", job.Name).
				Msg("job collection failed")
			res.fail(job.Name, FailureJob, err)
		}
		if logs != nil && rawLog != nil {
			logs[job.Name] = rawLog
		}
	}

	if req.DownloadRawJSON {
		raw, err := rawExport(rawInfo, rawJobs, logs)
		if err != nil {
			return nil, fmt.Errorf("build raw export: %w", err)
		}
		res.RawJSON = raw
	}
	return res, nil
}

// credential returns the credential to connect with. A request carrying only
// a ServerID uses the password stored for that server.
func (c *Collector) credential(ctx context.Context, req CollectRequest) (models.RemoteAgentCredential, error) {
	if req.Hostname != "" || req.ServerID == "" {
		if req.Hostname == "" {
			return models.RemoteAgentCredential{}, fmt.Errorf("%w: hostname or server_id is required", ErrInvalidRequest)
		}
		return models.RemoteAgentCredential{Hostname: req.Hostname, Port: req.Port, Password: req.Password}, nil
	}

	server, err := c.store.GetServer(ctx, req.ServerID)
	if errors.Is(err, models.ErrServerNotFound) {
		return models.RemoteAgentCredential{}, &CredentialUnavailableError{ServerID: req.ServerID, Reason: "server not found"}
	}
	if err != nil {
		return models.RemoteAgentCredential{}, fmt.Errorf("get server: %w", err)
	}
	if len(server.PasswordEncrypted) == 0 {
		return models.RemoteAgentCredential{}, &CredentialUnavailableError{ServerID: req.ServerID, Reason: "no stored password"}
	}
	password, err := c.keys.DecryptPassword(server.PasswordEncrypted)
	if err != nil {
		return models.RemoteAgentCredential{}, &CredentialUnavailableError{
			ServerID:         req.ServerID,
			Reason:           err.Error(),
			MasterKeyInvalid: errors.Is(err, crypto.ErrDecryptionFailed),
		}
	}

	u, err := url.Parse(server.BaseURL)
	if err != nil || u.Hostname() == "" {
		return models.RemoteAgentCredential{}, &CredentialUnavailableError{ServerID: req.ServerID, Reason: "invalid stored address " + server.BaseURL}
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return models.RemoteAgentCredential{}, &CredentialUnavailableError{ServerID: req.ServerID, Reason: "invalid stored port in " + server.BaseURL}
	}
	return models.RemoteAgentCredential{Hostname: u.Hostname(), Port: port, Password: password}, nil
}

// collectJob stores the new runs of one job. A returned error aborts the job;
// failures that still allow progress are recorded in res directly.
func (c *Collector) collectJob(ctx context.Context, sess *duplicati.Session, server *models.DiscoveredServer, job duplicati.Job, res *Result) (json.RawMessage, error) {
	c.syncSchedule(ctx, server.ID, job, res)

	entries, rawLog, err := sess.JobLog(ctx, job.ID, c.pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch log: %w", err)
	}

	var candidates []*duplicati.RunPayload
	runIDs := make(map[*duplicati.RunPayload]int64)
	for _, entry := range entries {
		// Agents that only return the message carry no entry type.
		if entry.Type != "" && entry.Type != "Result" {
			continue
		}
		if entry.Type == "" && entry.Message == "" {
			continue
		}
		op, err := duplicati.PeekOperation(entry.ID, entry.Message)
		if err != nil {
			res.fail(job.Name, FailureParse, err)
			continue
		}
		if op != duplicati.OperationBackup {
			continue
		}
		payload, err := duplicati.ParseRunPayload(entry.ID, entry.Message)
		if err != nil {
			c.logger.Warn().Err(err).
				Str("server_id", server.ID).
				Str("job_name", job.Name).
				Msg("skipping unparseable log entry")
			res.fail(job.Name, FailureParse, err)
			continue
		}

		exists, err := c.store.ExistsRecord(ctx, server.ID, job.Name, models.NormalizeTimestamp(payload.BeginTime))
		if err != nil {
			return rawLog, fmt.Errorf("check existing record: %w", err)
		}
		if exists {
			res.Stats.Skipped++
			continue
		}
		candidates = append(candidates, payload)
		runIDs[payload] = entry.OperationID
	}
	if len(candidates) == 0 {
		return rawLog, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].BeginTime.Before(candidates[j].BeginTime)
	})

	versions, err := sess.ListVersions(ctx, job.ID)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("server_id", server.ID).
			Str("job_name", job.Name).
			Msg("failed to list versions")
		res.Failures = append(res.Failures, JobFailure{JobName: job.Name, Kind: FailureVersions, Detail: err.Error()})
		versions = nil
	}

	// Insert newest first so the versions land on the newest run actually
	// stored, even when a concurrent collection already stored a newer one.
	inserted := make([]*models.BackupRunRecord, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		p := candidates[i]
		rec := toRecord(server.ID, job, p, runIDs[p])
		if len(inserted) == 0 {
			rec.AvailableVersions = versions
		}
		err := c.store.InsertRecord(ctx, rec)
		if errors.Is(err, models.ErrDuplicateRecord) {
			res.Stats.Skipped++
			continue
		}
		if err != nil {
			c.notifyAll(ctx, server, inserted, res)
			return rawLog, fmt.Errorf("insert record: %w", err)
		}
		res.Stats.Processed++
		inserted = append(inserted, rec)
		if c.metrics != nil {
			c.metrics.RecordRunStatus(string(rec.Status))
		}
	}

	c.notifyAll(ctx, server, inserted, res)
	return rawLog, nil
}

func (c *Collector) syncSchedule(ctx context.Context, serverID string, job duplicati.Job, res *Result) {
	if c.schedules == nil {
		return
	}
	meta, ok, err := schedule.MetaFromJob(job)
	if err == nil && ok {
		err = c.schedules.UpdateSchedule(ctx, serverID, job.Name, meta)
	}
	if err != nil {
		c.logger.Warn().Err(err).
			Str("server_id", serverID).
			Str("job_name", job.Name).
			Msg("failed to update job schedule")
		res.fail(job.Name, FailureSchedule, err)
	}
}

// notifyAll notifies every stored run, oldest first. inserted is ordered
// newest first.
func (c *Collector) notifyAll(ctx context.Context, server *models.DiscoveredServer, inserted []*models.BackupRunRecord, res *Result) {
	for i := len(inserted) - 1; i >= 0; i-- {
		c.notify(ctx, server, inserted[i], res)
	}
}

func (c *Collector) notify(ctx context.Context, server *models.DiscoveredServer, rec *models.BackupRunRecord, res *Result) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyRun(ctx, notifications.RunEvent{Server: server, Record: rec}); err != nil {
		c.logger.Warn().Err(err).
			Str("server_id", server.ID).
			Str("job_name", rec.JobName).
			Msg("notification delivery failed")
		res.DeliveryFailures = append(res.DeliveryFailures, JobFailure{
			JobName: rec.JobName,
			Kind:    FailureNotification,
			Detail:  err.Error(),
		})
	}
}

func toRecord(serverID string, job duplicati.Job, p *duplicati.RunPayload, runID int64) *models.BackupRunRecord {
	rec := models.NewBackupRunRecord(serverID, job.Name, p.BeginTime)
	rec.JobID = job.ID
	if runID != 0 {
		rec.RunID = strconv.FormatInt(runID, 10)
	}
	rec.Status = p.Status()
	rec.DurationSeconds = int64(p.Duration / time.Second)
	rec.Files = p.Files
	rec.Sizes = p.Sizes
	rec.Backend = p.Backend
	rec.MessagesCount = p.MessagesCount
	rec.WarningsCount = p.WarningsCount
	rec.ErrorsCount = p.ErrorsCount
	rec.Messages = p.Messages
	rec.Warnings = p.Warnings
	rec.Errors = p.Errors
	rec.SchemaVariant = string(p.Variant)
	return rec
}

func rawExport(info, jobs json.RawMessage, logs map[string]json.RawMessage) (json.RawMessage, error) {
	export := struct {
		SystemInfo json.RawMessage            `json:"systeminfo"`
		Backups    json.RawMessage            `json:"backups"`
		Logs       map[string]json.RawMessage `json:"logs"`
	}{SystemInfo: info, Backups: jobs, Logs: logs}

	b, err := json.Marshal(export)
	if err != nil {
		return nil, err
	}
	return duplicati.Sanitize(b)
}
