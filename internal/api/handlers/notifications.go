package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TestSender sends a sample notification to the default targets.
type TestSender interface {
	SendTest(ctx context.Context, kind models.TemplateKind) (models.RenderedNotification, error)
}

// TemplateSource returns the active template of a kind.
type TemplateSource interface {
	Language() string
	Template(kind models.TemplateKind) models.NotificationTemplate
}

// NotificationsHandler handles notification test and template routes.
type NotificationsHandler struct {
	sender    TestSender
	templates TemplateSource
	logger    zerolog.Logger
}

// NewNotificationsHandler creates a new NotificationsHandler.
func NewNotificationsHandler(sender TestSender, templates TemplateSource, logger zerolog.Logger) *NotificationsHandler {
	return &NotificationsHandler{
		sender:    sender,
		templates: templates,
		logger:    logger.With().Str("component", "notifications_handler").Logger(),
	}
}

// RegisterRoutes registers notification routes on the given router group.
func (h *NotificationsHandler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.GET("/templates", h.ListTemplates)
		notifications.POST("/test", h.SendTest)
	}
}

// TestNotificationRequest is the request body for sending a test notification.
type TestNotificationRequest struct {
	Kind models.TemplateKind `json:"kind"`
}

var templateKinds = []models.TemplateKind{models.TemplateSuccess, models.TemplateWarning, models.TemplateOverdue}

// ListTemplates returns the active template of every kind.
// GET /api/v1/notifications/templates
func (h *NotificationsHandler) ListTemplates(c *gin.Context) {
	templates := make(map[models.TemplateKind]models.NotificationTemplate, len(templateKinds))
	for _, kind := range templateKinds {
		templates[kind] = h.templates.Template(kind)
	}
	c.JSON(http.StatusOK, gin.H{
		"language":  h.templates.Language(),
		"templates": templates,
	})
}

// SendTest renders a template with sample values and sends it.
// POST /api/v1/notifications/test
func (h *NotificationsHandler) SendTest(c *gin.Context) {
	var req TestNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = models.TemplateSuccess
	}
	if !validKind(req.Kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be one of success, warning, overdue"})
		return
	}

	rendered, err := h.sender.SendTest(c.Request.Context(), req.Kind)
	if err != nil {
		h.logger.Warn().Err(err).Str("kind", string(req.Kind)).Msg("test notification failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"error":        "failed to deliver test notification: " + err.Error(),
			"notification": rendered,
		})
		return
	}

	h.logger.Info().Str("kind", string(req.Kind)).Msg("test notification sent")
	c.JSON(http.StatusOK, gin.H{"notification": rendered})
}

func validKind(kind models.TemplateKind) bool {
	for _, k := range templateKinds {
		if k == kind {
			return true
		}
	}
	return false
}
