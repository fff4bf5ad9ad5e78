package models

// EventFilter decides which run outcomes produce a notification.
type EventFilter string

const (
	EventFilterAll      EventFilter = "all"
	EventFilterWarnings EventFilter = "warnings"
	EventFilterErrors   EventFilter = "errors"
	EventFilterOff      EventFilter = "off"
)

// IsValid reports whether f is one of the known filters.
func (f EventFilter) IsValid() bool {
	switch f {
	case EventFilterAll, EventFilterWarnings, EventFilterErrors, EventFilterOff:
		return true
	}
	return false
}

// ServerDefaultPolicy is the notification policy applied to every job of a
// server that has no override of its own.
type ServerDefaultPolicy struct {
	EventFilter      EventFilter `json:"event_filter"`
	AdditionalEmails []string    `json:"additional_emails,omitempty"`
	AdditionalTopic  string      `json:"additional_topic,omitempty"`
}

// JobPolicyOverride overrides a server default for a single job. A nil field
// inherits the corresponding server default field.
type JobPolicyOverride struct {
	EventFilter      *EventFilter `json:"event_filter,omitempty"`
	AdditionalEmails *[]string    `json:"additional_emails,omitempty"`
	AdditionalTopic  *string      `json:"additional_topic,omitempty"`
}

// EffectivePolicy is the policy actually applied to a job.
type EffectivePolicy struct {
	EventFilter      EventFilter `json:"event_filter"`
	AdditionalEmails []string    `json:"additional_emails,omitempty"`
	AdditionalTopic  string      `json:"additional_topic,omitempty"`
	Inherited        bool        `json:"inherited"`
}

// TemplateKind selects which notification template is used.
type TemplateKind string

const (
	TemplateSuccess TemplateKind = "success"
	TemplateWarning TemplateKind = "warning"
	TemplateOverdue TemplateKind = "overdue"
)

// NotificationTemplate is a title/body pair with ntfy delivery hints.
type NotificationTemplate struct {
	Title    string `json:"title" yaml:"title"`
	Body     string `json:"body" yaml:"body"`
	Priority string `json:"priority" yaml:"priority"`
	Tags     string `json:"tags" yaml:"tags"`
}

// RenderedNotification is a template after placeholder substitution.
type RenderedNotification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
	Tags     string `json:"tags"`
}
