package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTestSender struct {
	kind models.TemplateKind
	err  error
}

func (m *mockTestSender) SendTest(_ context.Context, kind models.TemplateKind) (models.RenderedNotification, error) {
	m.kind = kind
	return models.RenderedNotification{Title: "Duplicati " + string(kind), Body: "test"}, m.err
}

type staticTemplates struct{}

func (staticTemplates) Language() string { return "en" }

func (staticTemplates) Template(kind models.TemplateKind) models.NotificationTemplate {
	return models.NotificationTemplate{Title: "{status} " + string(kind), Body: "{backup_name}", Priority: "default"}
}

func setupNotificationsTestRouter(sender TestSender) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewNotificationsHandler(sender, staticTemplates{}, zerolog.Nop()).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func TestNotifications_SendTest(t *testing.T) {
	sender := &mockTestSender{}
	r := setupNotificationsTestRouter(sender)

	w := doJSON(r, "POST", "/api/v1/notifications/test", `{"kind":"overdue"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.TemplateOverdue, sender.kind)
	assert.Contains(t, w.Body.String(), "Duplicati overdue")

	w = doJSON(r, "POST", "/api/v1/notifications/test", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.TemplateSuccess, sender.kind, "kind defaults to success")
}

func TestNotifications_SendTestInvalidKind(t *testing.T) {
	sender := &mockTestSender{}
	r := setupNotificationsTestRouter(sender)

	w := doJSON(r, "POST", "/api/v1/notifications/test", `{"kind":"error"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, sender.kind)
}

func TestNotifications_SendTestDeliveryFailure(t *testing.T) {
	r := setupNotificationsTestRouter(&mockTestSender{err: errors.New("ntfy: 42901 too many requests")})

	w := doJSON(r, "POST", "/api/v1/notifications/test", `{"kind":"warning"}`)
	require.Equal(t, http.StatusBadGateway, w.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, string(body["error"]), "42901")
	assert.Contains(t, string(body["notification"]), "Duplicati warning")
}

func TestNotifications_ListTemplates(t *testing.T) {
	r := setupNotificationsTestRouter(&mockTestSender{})

	w := doJSON(r, "GET", "/api/v1/notifications/templates", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Language  string                                              `json:"language"`
		Templates map[models.TemplateKind]models.NotificationTemplate `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "en", resp.Language)
	assert.Len(t, resp.Templates, 3)
	assert.Equal(t, "{status} warning", resp.Templates[models.TemplateWarning].Title)
}
