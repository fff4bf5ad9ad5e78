package collector

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/duplimon/internal/crypto"
	"github.com/MacJediWizard/duplimon/internal/duplicati"
	"github.com/MacJediWizard/duplimon/internal/duplicati/duplicatitest"
	"github.com/MacJediWizard/duplimon/internal/httpclient"
	"github.com/MacJediWizard/duplimon/internal/metrics"
	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/MacJediWizard/duplimon/internal/notifications"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory Store with the same uniqueness rules as the
// database.
type memoryStore struct {
	mu        sync.Mutex
	servers   map[string]*models.DiscoveredServer
	records   []*models.BackupRunRecord
	insertErr error
	// duplicateAt makes InsertRecord report a concurrent insert for that run.
	duplicateAt time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{servers: make(map[string]*models.DiscoveredServer)}
}

func (s *memoryStore) ExistsRecord(_ context.Context, serverID, jobName string, ts time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ServerID == serverID && r.JobName == jobName && r.Timestamp.Equal(ts) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) InsertRecord(_ context.Context, rec *models.BackupRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if !s.duplicateAt.IsZero() && rec.Timestamp.Equal(s.duplicateAt) {
		return models.ErrDuplicateRecord
	}
	for _, r := range s.records {
		if r.ServerID == rec.ServerID && r.JobName == rec.JobName && r.Timestamp.Equal(rec.Timestamp) {
			return models.ErrDuplicateRecord
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memoryStore) UpsertServer(_ context.Context, server *models.DiscoveredServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *server
	if existing, ok := s.servers[server.ID]; ok {
		cp.Alias = existing.Alias
		cp.Note = existing.Note
		cp.CreatedAt = existing.CreatedAt
	}
	s.servers[server.ID] = &cp
	return nil
}

func (s *memoryStore) GetServer(_ context.Context, id string) (*models.DiscoveredServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	server, ok := s.servers[id]
	if !ok {
		return nil, models.ErrServerNotFound
	}
	cp := *server
	return &cp, nil
}

func (s *memoryStore) jobRecords(jobName string) []*models.BackupRunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BackupRunRecord
	for _, r := range s.records {
		if r.JobName == jobName {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

type scheduleCall struct {
	serverID string
	jobName  string
	meta     models.JobScheduleMeta
}

type mockSchedules struct {
	mu    sync.Mutex
	calls []scheduleCall
	err   error
}

func (m *mockSchedules) UpdateSchedule(_ context.Context, serverID, jobName string, meta models.JobScheduleMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, scheduleCall{serverID: serverID, jobName: jobName, meta: meta})
	return m.err
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notifications.RunEvent
	err    error
}

func (m *mockNotifier) NotifyRun(_ context.Context, ev notifications.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

type fixture struct {
	agent     *duplicatitest.Agent
	srv       *httptest.Server
	store     *memoryStore
	schedules *mockSchedules
	notifier  *mockNotifier
	metrics   *metrics.PrometheusMetrics
	keys      *crypto.KeyManager
	collector *Collector
}

func newFixture(t *testing.T, jobs ...duplicatitest.Job) *fixture {
	t.Helper()
	f := &fixture{
		agent:     duplicatitest.NewAgent("secret", "machine-1", "nas1"),
		store:     newMemoryStore(),
		schedules: &mockSchedules{},
		notifier:  &mockNotifier{},
	}
	f.agent.SetJobs(jobs...)
	f.srv = httptest.NewTLSServer(f.agent)
	t.Cleanup(f.srv.Close)

	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	f.keys, err = crypto.NewKeyManager(key)
	require.NoError(t, err)

	f.metrics, err = metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	f.collector = f.newCollector(t, f.keys)
	return f
}

func (f *fixture) newCollector(t *testing.T, keys PasswordCipher) *Collector {
	t.Helper()
	client, err := duplicati.NewClient(httpclient.Options{
		ConnectTimeout: 2 * time.Second,
		IdleTimeout:    2 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	c := NewCollector(client, f.store, f.schedules, keys, 0, zerolog.Nop())
	c.SetNotifier(f.notifier)
	c.SetMetrics(f.metrics)
	return c
}

func (f *fixture) request(t *testing.T) CollectRequest {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return CollectRequest{Hostname: u.Hostname(), Port: port, Password: "secret"}
}

var base = time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)

func documentsJob() duplicatitest.Job {
	return duplicatitest.Job{
		ID:        "1",
		Name:      "docs",
		TargetURL: "s3://bucket/docs?auth-username=AKIA&auth-password=topsecret",
		Repeat:    "1D",
		Rule:      "AllowedWeekDays=Monday,Wednesday,Friday",
		Time:      "2024-03-09T02:00:00Z",
		Runs: []duplicatitest.Run{
			{ID: 11, Begin: base.Add(-48 * time.Hour), Uploaded: 2048},
			{ID: 12, Operation: "Restore", Begin: base.Add(-36 * time.Hour)},
			{ID: 13, Begin: base.Add(-24 * time.Hour), Uploaded: 1 << 20, Limited: true},
		},
		Versions: []time.Time{base.Add(-24 * time.Hour), base.Add(-48 * time.Hour)},
	}
}

func TestCollect_StoresNewRunsOnce(t *testing.T) {
	f := newFixture(t, documentsJob())
	ctx := context.Background()

	first, err := f.collector.Collect(ctx, f.request(t))
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "machine-1", first.ServerID)
	assert.Equal(t, "nas1", first.ServerName)
	assert.Equal(t, Stats{Processed: 2, Skipped: 0, Errors: 0}, first.Stats)
	assert.Empty(t, first.Failures)

	records := f.store.jobRecords("docs")
	require.Len(t, records, 2)
	assert.Equal(t, base.Add(-48*time.Hour), records[0].Timestamp)
	assert.Equal(t, "11", records[0].RunID)
	assert.Equal(t, string(duplicati.SchemaClassic), records[0].SchemaVariant)
	assert.Empty(t, records[0].AvailableVersions)

	newest := records[1]
	assert.Equal(t, base.Add(-24*time.Hour), newest.Timestamp)
	assert.Equal(t, string(duplicati.SchemaLimited), newest.SchemaVariant)
	assert.Equal(t, int64(1<<20), newest.Sizes.BytesUploaded)
	assert.Equal(t, int64(300), newest.DurationSeconds)
	assert.Len(t, newest.AvailableVersions, 2)

	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, records[0].ID, f.notifier.events[0].Record.ID)
	assert.Equal(t, newest.ID, f.notifier.events[1].Record.ID)
	assert.Equal(t, "machine-1", f.notifier.events[1].Server.ID)

	second, err := f.collector.Collect(ctx, f.request(t))
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 0, Skipped: first.Stats.Processed, Errors: 0}, second.Stats)
	assert.Len(t, f.store.jobRecords("docs"), 2)
	assert.Len(t, f.notifier.events, 2, "no notification without new runs")

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CollectionCounter.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RunCounter.WithLabelValues("skipped")))
}

func TestCollect_HandsScheduleToSynchronizer(t *testing.T) {
	f := newFixture(t, documentsJob(), duplicatitest.Job{ID: "2", Name: "manual"})

	_, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)

	require.Len(t, f.schedules.calls, 1)
	call := f.schedules.calls[0]
	assert.Equal(t, "machine-1", call.serverID)
	assert.Equal(t, "docs", call.jobName)
	assert.Equal(t, "1D", call.meta.ExpectedInterval)
	assert.Equal(t, []int{1, 3, 5}, call.meta.AllowedWeekdays)
	assert.Equal(t, "02:00", call.meta.TimeOfDay)
}

func TestCollect_ScheduleFailureContinues(t *testing.T) {
	f := newFixture(t, documentsJob())
	f.schedules.err = errors.New("settings unavailable")

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Processed)
	assert.Equal(t, 1, res.Stats.Errors)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, FailureSchedule, res.Failures[0].Kind)
}

func TestCollect_DerivesWarningStatus(t *testing.T) {
	f := newFixture(t, duplicatitest.Job{
		ID:   "1",
		Name: "photos",
		Runs: []duplicatitest.Run{
			{Begin: base, Result: "Success", Warnings: 2},
			{Begin: base.Add(time.Hour), Result: "Error", Errors: 1},
		},
	})

	_, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)

	records := f.store.jobRecords("photos")
	require.Len(t, records, 2)
	assert.Equal(t, models.RunStatusWarning, records[0].Status)
	assert.Equal(t, int64(2), records[0].WarningsCount)
	assert.Equal(t, models.RunStatusError, records[1].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunStatusCounter.WithLabelValues("Warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunStatusCounter.WithLabelValues("Error")))
}

func TestCollect_ParseErrorContinues(t *testing.T) {
	f := newFixture(t, duplicatitest.Job{
		ID:   "1",
		Name: "docs",
		Runs: []duplicatitest.Run{
			{ID: 1, RawMessage: `{"MainOperation":"Backup","ParsedResult":"Success"}`},
			{ID: 2, RawMessage: `not json`},
			{ID: 3, Begin: base},
		},
	})

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Processed)
	assert.Equal(t, 2, res.Stats.Errors)
	require.Len(t, res.Failures, 2)
	for _, failure := range res.Failures {
		assert.Equal(t, FailureParse, failure.Kind)
		assert.Equal(t, "docs", failure.JobName)
	}
	assert.Len(t, f.store.jobRecords("docs"), 1)
}

func TestCollect_JobFailureContinues(t *testing.T) {
	f := newFixture(t,
		duplicatitest.Job{ID: "1", Name: "broken", FailLog: true},
		duplicatitest.Job{ID: "2", Name: "docs", Runs: []duplicatitest.Run{{Begin: base}}},
	)

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Stats.Processed)
	assert.Equal(t, 1, res.Stats.Errors)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "broken", res.Failures[0].JobName)
	assert.Equal(t, FailureJob, res.Failures[0].Kind)
	assert.Len(t, f.store.jobRecords("docs"), 1)
}

func TestCollect_InsertFailureAbortsJob(t *testing.T) {
	f := newFixture(t, documentsJob())
	f.store.insertErr = errors.New("disk full")

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.Processed)
	assert.Equal(t, 1, res.Stats.Errors)
	assert.Empty(t, f.notifier.events)
}

func TestCollect_NotificationFailureIsNotAnError(t *testing.T) {
	f := newFixture(t, documentsJob())
	f.notifier.err = &notifications.DeliveryError{Channel: "ntfy", StatusCode: 500, Message: "delivery failed: Internal Server Error"}

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Processed)
	assert.Equal(t, 0, res.Stats.Errors)
	assert.Empty(t, res.Failures)
	require.Len(t, res.DeliveryFailures, 2)
	assert.Equal(t, FailureNotification, res.DeliveryFailures[0].Kind)
}

func TestCollect_PreservesAliasAndNote(t *testing.T) {
	f := newFixture(t, documentsJob())
	f.store.servers["machine-1"] = &models.DiscoveredServer{
		ID:    "machine-1",
		Name:  "old-name",
		Alias: "Office NAS",
		Note:  "rack 2",
	}

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, "Office NAS", res.ServerAlias)
	assert.Equal(t, "nas1", res.ServerName)

	stored := f.store.servers["machine-1"]
	assert.Equal(t, "Office NAS", stored.Alias)
	assert.Equal(t, "rack 2", stored.Note)
	assert.Equal(t, "nas1", stored.Name)
	assert.Equal(t, models.ProtocolHTTPS, stored.Protocol)
	assert.NotEmpty(t, stored.PasswordEncrypted)
	assert.NotContains(t, string(stored.PasswordEncrypted), "secret")
}

func TestCollect_StoredCredential(t *testing.T) {
	f := newFixture(t, documentsJob())
	ctx := context.Background()

	_, err := f.collector.Collect(ctx, f.request(t))
	require.NoError(t, err)

	res, err := f.collector.Collect(ctx, CollectRequest{ServerID: "machine-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Skipped)
}

func TestCollect_CredentialUnavailable(t *testing.T) {
	f := newFixture(t, documentsJob())
	ctx := context.Background()

	_, err := f.collector.Collect(ctx, CollectRequest{ServerID: "unknown"})
	var credErr *CredentialUnavailableError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "unknown", credErr.ServerID)
	assert.False(t, credErr.MasterKeyInvalid)

	_, err = f.collector.Collect(ctx, f.request(t))
	require.NoError(t, err)

	otherKey, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	otherKeys, err := crypto.NewKeyManager(otherKey)
	require.NoError(t, err)

	_, err = f.newCollector(t, otherKeys).Collect(ctx, CollectRequest{ServerID: "machine-1"})
	require.ErrorAs(t, err, &credErr)
	assert.True(t, credErr.MasterKeyInvalid)

	f.store.servers["machine-1"].PasswordEncrypted = nil
	_, err = f.collector.Collect(ctx, CollectRequest{ServerID: "machine-1"})
	require.ErrorAs(t, err, &credErr)
	assert.False(t, credErr.MasterKeyInvalid)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.CollectionCounter.WithLabelValues("failure")))
}

func TestCollect_IdentityMismatch(t *testing.T) {
	f := newFixture(t, documentsJob())
	req := f.request(t)
	req.ServerID = "machine-2"

	_, err := f.collector.Collect(context.Background(), req)
	var mismatch *IdentityMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "machine-1", mismatch.Actual)
	assert.Empty(t, f.store.servers)
}

func TestCollect_WrongPassword(t *testing.T) {
	f := newFixture(t, documentsJob())
	req := f.request(t)
	req.Password = "wrong"

	_, err := f.collector.Collect(context.Background(), req)
	var authErr *duplicati.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestCollect_MissingIdentity(t *testing.T) {
	f := newFixture(t, documentsJob())
	f.agent.MachineID = ""

	_, err := f.collector.Collect(context.Background(), f.request(t))
	var capErr *duplicati.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, []string{"machine-id"}, capErr.Missing)
}

func TestCollect_RawJSONIsSanitized(t *testing.T) {
	f := newFixture(t, documentsJob())
	req := f.request(t)
	req.DownloadRawJSON = true

	res, err := f.collector.Collect(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.RawJSON)

	raw := string(res.RawJSON)
	assert.Contains(t, raw, `"systeminfo"`)
	assert.Contains(t, raw, `"backups"`)
	assert.Contains(t, raw, `"docs"`)
	assert.Contains(t, raw, `"s3://"`)
	assert.NotContains(t, raw, "hunter2")
	assert.NotContains(t, raw, "topsecret")
	assert.NotContains(t, raw, "AKIA")
}

func TestCollect_RawJSONOmittedByDefault(t *testing.T) {
	f := newFixture(t, documentsJob())

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Empty(t, res.RawJSON)
}

func TestCollect_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.collector.Collect(context.Background(), CollectRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.True(t, strings.Contains(err.Error(), "required"))
}

func TestCollect_NotifiesEveryStoredRun(t *testing.T) {
	f := newFixture(t, duplicatitest.Job{
		ID:   "1",
		Name: "docs",
		Runs: []duplicatitest.Run{
			{ID: 2, Begin: base},
			{ID: 1, Begin: base.Add(-time.Hour), Result: "Fatal", Errors: 2},
		},
	})

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Processed)

	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, models.RunStatusFatal, f.notifier.events[0].Record.Status)
	assert.Equal(t, int64(2), f.notifier.events[0].Record.ErrorsCount)
	assert.Equal(t, models.RunStatusSuccess, f.notifier.events[1].Record.Status)
}

func TestCollect_AcceptsMessageOnlyEntries(t *testing.T) {
	f := newFixture(t, duplicatitest.Job{
		ID:   "1",
		Name: "docs",
		Runs: []duplicatitest.Run{
			{ID: 1, Begin: base, MessageOnly: true},
			{ID: 2, Operation: "Restore", Begin: base.Add(time.Hour), MessageOnly: true},
		},
	})

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Skipped: 0, Errors: 0}, res.Stats)

	records := f.store.jobRecords("docs")
	require.Len(t, records, 1)
	assert.Equal(t, base, records[0].Timestamp)
	assert.Empty(t, records[0].RunID)
}

func TestCollect_VersionsFollowNewestStoredRun(t *testing.T) {
	f := newFixture(t, documentsJob())
	f.store.duplicateAt = base.Add(-24 * time.Hour)

	res, err := f.collector.Collect(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Processed)
	assert.Equal(t, 1, res.Stats.Skipped)

	records := f.store.jobRecords("docs")
	require.Len(t, records, 1)
	assert.Equal(t, base.Add(-48*time.Hour), records[0].Timestamp)
	assert.Len(t, records[0].AvailableVersions, 2)

	require.Len(t, f.notifier.events, 1)
	assert.Len(t, f.notifier.events[0].Record.AvailableVersions, 2)
}

func TestCollect_InvalidAddress(t *testing.T) {
	f := newFixture(t)

	_, err := f.collector.Collect(context.Background(), CollectRequest{Hostname: "nas.local", Password: "x"})
	require.ErrorIs(t, err, duplicati.ErrInvalidAddress)

	_, err = f.collector.Collect(context.Background(), CollectRequest{Hostname: "nas.local/path", Port: 8200, Password: "x"})
	require.ErrorIs(t, err, duplicati.ErrInvalidAddress)
	assert.Empty(t, f.store.servers)
}
