package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxRunsLimit caps the number of runs returned by a single request.
const maxRunsLimit = 500

// ServerStore defines the persistence operations needed by the server routes.
type ServerStore interface {
	ListServers(ctx context.Context) ([]*models.DiscoveredServer, error)
	GetServer(ctx context.Context, id string) (*models.DiscoveredServer, error)
	UpdateServerRegistry(ctx context.Context, id, alias, note string) error
	GetServerPolicy(ctx context.Context, serverID string) (*models.ServerDefaultPolicy, error)
	SetServerPolicy(ctx context.Context, serverID string, p models.ServerDefaultPolicy) error
	ListRecords(ctx context.Context, serverID, jobName string, limit int) ([]*models.BackupRunRecord, error)
	ReadAllJobSettings(ctx context.Context) (models.JobSettingsMap, error)
}

// JobSettingsUpdater serializes read-modify-write cycles on a job's settings.
type JobSettingsUpdater interface {
	UpdateJobSettings(ctx context.Context, serverID, jobName string, mutate func(*models.JobSettings) error) error
}

// PolicyResolver computes the policy applied to a job.
type PolicyResolver interface {
	Policy(ctx context.Context, serverID, jobName string) (models.EffectivePolicy, error)
}

// ServersHandler handles the server registry, run history and job settings.
type ServersHandler struct {
	store    ServerStore
	settings JobSettingsUpdater
	policies PolicyResolver
	logger   zerolog.Logger
}

// NewServersHandler creates a new ServersHandler.
func NewServersHandler(store ServerStore, settings JobSettingsUpdater, policies PolicyResolver, logger zerolog.Logger) *ServersHandler {
	return &ServersHandler{
		store:    store,
		settings: settings,
		policies: policies,
		logger:   logger.With().Str("component", "servers_handler").Logger(),
	}
}

// RegisterRoutes registers server routes on the given router group.
func (h *ServersHandler) RegisterRoutes(r *gin.RouterGroup) {
	servers := r.Group("/servers")
	{
		servers.GET("", h.List)
		servers.GET("/:id", h.Get)
		servers.PUT("/:id", h.UpdateRegistry)
		servers.GET("/:id/runs", h.ListRuns)
		servers.GET("/:id/policy", h.GetPolicy)
		servers.PUT("/:id/policy", h.SetPolicy)
		servers.GET("/:id/jobs", h.ListJobs)
		servers.PUT("/:id/jobs/:job", h.UpdateJob)
	}
}

// UpdateRegistryRequest is the request body for updating a server's alias and note.
type UpdateRegistryRequest struct {
	Alias string `json:"alias" binding:"max=255"`
	Note  string `json:"note" binding:"max=2000"`
}

// UpdateJobRequest is the request body for changing a job's settings. Nil
// fields are left unchanged. ClearNotification removes the job's override
// so that it inherits the server default again.
type UpdateJobRequest struct {
	OverdueCheckEnabled *bool                     `json:"overdue_check_enabled"`
	OverdueTolerance    *string                   `json:"overdue_tolerance"`
	Notification        *models.JobPolicyOverride `json:"notification"`
	ClearNotification   bool                      `json:"clear_notification"`
}

// JobResponse describes a job's stored settings and effective policy.
type JobResponse struct {
	JobName  string                 `json:"job_name"`
	Settings models.JobSettings     `json:"settings"`
	Policy   models.EffectivePolicy `json:"policy"`
}

// List returns every known server.
// GET /api/v1/servers
func (h *ServersHandler) List(c *gin.Context) {
	servers, err := h.store.ListServers(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list servers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list servers"})
		return
	}
	if servers == nil {
		servers = []*models.DiscoveredServer{}
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

// Get returns a single server.
// GET /api/v1/servers/:id
func (h *ServersHandler) Get(c *gin.Context) {
	server, ok := h.server(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, server)
}

// UpdateRegistry changes a server's alias and note.
// PUT /api/v1/servers/:id
func (h *ServersHandler) UpdateRegistry(c *gin.Context) {
	var req UpdateRegistryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	id := c.Param("id")
	err := h.store.UpdateServerRegistry(c.Request.Context(), id, strings.TrimSpace(req.Alias), strings.TrimSpace(req.Note))
	if errors.Is(err, models.ErrServerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("server_id", id).Msg("failed to update server")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update server"})
		return
	}

	h.logger.Info().Str("server_id", id).Msg("server registry updated")
	h.Get(c)
}

// ListRuns returns the newest stored runs of a server.
// GET /api/v1/servers/:id/runs?job=&limit=
func (h *ServersHandler) ListRuns(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRunsLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit must be between 1 and %d", maxRunsLimit)})
			return
		}
		limit = n
	}
	if _, ok := h.server(c); !ok {
		return
	}

	runs, err := h.store.ListRecords(c.Request.Context(), c.Param("id"), c.Query("job"), limit)
	if err != nil {
		h.logger.Error().Err(err).Str("server_id", c.Param("id")).Msg("failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []*models.BackupRunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetPolicy returns a server's default notification policy. A server without
// one reports the "all" filter.
// GET /api/v1/servers/:id/policy
func (h *ServersHandler) GetPolicy(c *gin.Context) {
	if _, ok := h.server(c); !ok {
		return
	}
	policy, err := h.store.GetServerPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error().Err(err).Str("server_id", c.Param("id")).Msg("failed to get policy")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get policy"})
		return
	}
	if policy == nil {
		policy = &models.ServerDefaultPolicy{EventFilter: models.EventFilterAll}
	}
	c.JSON(http.StatusOK, policy)
}

// SetPolicy replaces a server's default notification policy.
// PUT /api/v1/servers/:id/policy
func (h *ServersHandler) SetPolicy(c *gin.Context) {
	var req models.ServerDefaultPolicy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.EventFilter == "" {
		req.EventFilter = models.EventFilterAll
	}
	if err := validatePolicy(&req.EventFilter, &req.AdditionalEmails); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	err := h.store.SetServerPolicy(c.Request.Context(), id, req)
	if errors.Is(err, models.ErrServerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("server_id", id).Msg("failed to set policy")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set policy"})
		return
	}

	h.logger.Info().Str("server_id", id).Str("event_filter", string(req.EventFilter)).Msg("server policy updated")
	c.JSON(http.StatusOK, req)
}

// ListJobs returns the settings and effective policy of every job of a server.
// GET /api/v1/servers/:id/jobs
func (h *ServersHandler) ListJobs(c *gin.Context) {
	server, ok := h.server(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	all, err := h.store.ReadAllJobSettings(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read job settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job settings"})
		return
	}

	jobs := []JobResponse{}
	prefix := server.ID + ":"
	for key, entry := range all {
		jobName, found := strings.CutPrefix(key, prefix)
		if !found {
			continue
		}
		policy, err := h.policies.Policy(ctx, server.ID, jobName)
		if err != nil {
			h.logger.Error().Err(err).Str("job", key).Msg("failed to resolve policy")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve policy"})
			return
		}
		jobs = append(jobs, JobResponse{JobName: jobName, Settings: entry, Policy: policy})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobName < jobs[j].JobName })

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// UpdateJob changes the overdue check and notification override of a job.
// The schedule itself is owned by collection and cannot be changed here.
// PUT /api/v1/servers/:id/jobs/:job
func (h *ServersHandler) UpdateJob(c *gin.Context) {
	var req UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.OverdueTolerance != nil {
		if d, err := time.ParseDuration(*req.OverdueTolerance); err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "overdue_tolerance must be a non-negative duration such as 1h30m"})
			return
		}
	}
	if req.Notification != nil {
		if err := validatePolicy(req.Notification.EventFilter, req.Notification.AdditionalEmails); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	server, ok := h.server(c)
	if !ok {
		return
	}
	jobName := c.Param("job")

	var updated models.JobSettings
	err := h.settings.UpdateJobSettings(c.Request.Context(), server.ID, jobName, func(s *models.JobSettings) error {
		if req.OverdueCheckEnabled != nil {
			s.OverdueCheckEnabled = *req.OverdueCheckEnabled
		}
		if req.OverdueTolerance != nil {
			s.OverdueTolerance = *req.OverdueTolerance
		}
		switch {
		case req.ClearNotification:
			s.Notification = nil
		case req.Notification != nil:
			s.Notification = req.Notification
		}
		updated = *s
		return nil
	})
	if err != nil {
		h.logger.Error().Err(err).Str("server_id", server.ID).Str("job_name", jobName).Msg("failed to update job settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update job settings"})
		return
	}

	policy, err := h.policies.Policy(c.Request.Context(), server.ID, jobName)
	if err != nil {
		h.logger.Error().Err(err).Str("server_id", server.ID).Str("job_name", jobName).Msg("failed to resolve policy")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve policy"})
		return
	}

	h.logger.Info().Str("server_id", server.ID).Str("job_name", jobName).Msg("job settings updated")
	c.JSON(http.StatusOK, JobResponse{JobName: jobName, Settings: updated, Policy: policy})
}

// server loads the server named by the :id parameter, writing the error
// response itself when it cannot.
func (h *ServersHandler) server(c *gin.Context) (*models.DiscoveredServer, bool) {
	id := c.Param("id")
	server, err := h.store.GetServer(c.Request.Context(), id)
	if errors.Is(err, models.ErrServerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error().Err(err).Str("server_id", id).Msg("failed to get server")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get server"})
		return nil, false
	}
	return server, true
}

func validatePolicy(filter *models.EventFilter, emails *[]string) error {
	if filter != nil && !filter.IsValid() {
		return fmt.Errorf("invalid event_filter %q: must be one of all, warnings, errors, off", *filter)
	}
	if emails == nil {
		return nil
	}
	for _, addr := range *emails {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("invalid email address %q", addr)
		}
	}
	return nil
}
