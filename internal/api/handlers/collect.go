package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MacJediWizard/duplimon/internal/collector"
	"github.com/MacJediWizard/duplimon/internal/duplicati"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Collector runs a collection against a remote agent.
type Collector interface {
	Collect(ctx context.Context, req collector.CollectRequest) (*collector.Result, error)
}

// CollectHandler handles collection requests.
type CollectHandler struct {
	collector Collector
	logger    zerolog.Logger
}

// NewCollectHandler creates a new CollectHandler.
func NewCollectHandler(c Collector, logger zerolog.Logger) *CollectHandler {
	return &CollectHandler{
		collector: c,
		logger:    logger.With().Str("component", "collect_handler").Logger(),
	}
}

// RegisterRoutes registers collection routes on the given router group.
func (h *CollectHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/collect", h.Collect)
}

// Collect connects to an agent and stores its new backup runs.
// POST /api/v1/collect
//
// With ?format=raw and download_raw_json set, the sanitized agent export is
// returned as a file instead of the collection result.
func (h *CollectHandler) Collect(c *gin.Context) {
	var req collector.CollectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Port < 0 || req.Port > 65535 || (req.Hostname != "" && req.Port == 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "port must be between 1 and 65535"})
		return
	}

	res, err := h.collector.Collect(c.Request.Context(), req)
	if err != nil {
		status, body := collectErrorResponse(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("hostname", req.Hostname).Str("server_id", req.ServerID).Msg("collection failed")
		}
		c.JSON(status, body)
		return
	}

	if c.Query("format") == "raw" && len(res.RawJSON) > 0 {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="duplicati-%s.json"`, res.ServerID))
		c.Data(http.StatusOK, "application/json", res.RawJSON)
		return
	}
	c.JSON(http.StatusOK, res)
}

// collectErrorResponse maps a collection error to an HTTP status and body.
func collectErrorResponse(err error) (int, gin.H) {
	var (
		authErr     *duplicati.AuthError
		transErr    *duplicati.TransportError
		capErr      *duplicati.CapabilityError
		credErr     *collector.CredentialUnavailableError
		mismatchErr *collector.IdentityMismatchError
	)

	switch {
	case errors.Is(err, collector.ErrInvalidRequest), errors.Is(err, duplicati.ErrInvalidAddress):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.As(err, &credErr):
		return http.StatusConflict, gin.H{
			"error":              err.Error(),
			"server_id":          credErr.ServerID,
			"master_key_invalid": credErr.MasterKeyInvalid,
		}
	case errors.As(err, &mismatchErr):
		return http.StatusConflict, gin.H{
			"error":    err.Error(),
			"expected": mismatchErr.Expected,
			"actual":   mismatchErr.Actual,
		}
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, gin.H{"error": err.Error()}
	case errors.As(err, &capErr):
		return http.StatusUnprocessableEntity, gin.H{
			"error":     err.Error(),
			"missing":   capErr.Missing,
			"available": capErr.Available,
		}
	case errors.As(err, &transErr):
		attempts := make([]string, 0, len(transErr.Attempts))
		for _, a := range transErr.Attempts {
			attempts = append(attempts, a.Error())
		}
		return http.StatusBadGateway, gin.H{"error": "unable to reach agent", "attempts": attempts}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, gin.H{"error": "collection timed out"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "collection failed"}
	}
}
