package notifications

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/duplimon/internal/models"
)

// PolicyStore defines the data access needed to resolve notification policies.
type PolicyStore interface {
	GetServerPolicy(ctx context.Context, serverID string) (*models.ServerDefaultPolicy, error)
	ReadAllJobSettings(ctx context.Context) (models.JobSettingsMap, error)
}

// RunOutcome is the part of a run the event filter looks at.
type RunOutcome struct {
	Status     models.RunStatus
	ErrorCount int64
}

// Decision is the result of resolving the policy for a run.
type Decision struct {
	ShouldNotify bool
	Template     models.TemplateKind
	Policy       models.EffectivePolicy
}

// Resolver merges server defaults with job overrides and applies the event
// filter.
type Resolver struct {
	store PolicyStore
}

// NewResolver creates a Resolver.
func NewResolver(store PolicyStore) *Resolver {
	return &Resolver{store: store}
}

// Policy returns the effective policy of a job.
func (r *Resolver) Policy(ctx context.Context, serverID, jobName string) (models.EffectivePolicy, error) {
	server, err := r.store.GetServerPolicy(ctx, serverID)
	if err != nil {
		return models.EffectivePolicy{}, fmt.Errorf("get server policy: %w", err)
	}
	settings, err := r.store.ReadAllJobSettings(ctx)
	if err != nil {
		return models.EffectivePolicy{}, fmt.Errorf("read job settings: %w", err)
	}

	var override *models.JobPolicyOverride
	if entry, ok := settings[models.JobKey{ServerID: serverID, JobName: jobName}.String()]; ok {
		override = entry.Notification
	}
	return MergePolicy(server, override), nil
}

// Resolve decides whether a run produces a notification and which template
// renders it.
func (r *Resolver) Resolve(ctx context.Context, serverID, jobName string, outcome RunOutcome) (Decision, error) {
	policy, err := r.Policy(ctx, serverID, jobName)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Policy: policy}
	if !ShouldNotify(policy.EventFilter, outcome) {
		return d, nil
	}
	d.ShouldNotify = true
	d.Template = TemplateFor(outcome.Status)
	return d, nil
}

// MergePolicy resolves a job override against the server default field by
// field. A nil override field inherits the server value; a missing or invalid
// filter on both layers means "all".
func MergePolicy(server *models.ServerDefaultPolicy, override *models.JobPolicyOverride) models.EffectivePolicy {
	p := models.EffectivePolicy{EventFilter: models.EventFilterAll, Inherited: true}
	if server != nil {
		if server.EventFilter.IsValid() {
			p.EventFilter = server.EventFilter
		}
		p.AdditionalEmails = append([]string(nil), server.AdditionalEmails...)
		p.AdditionalTopic = server.AdditionalTopic
	}
	if override == nil {
		return p
	}

	if override.EventFilter != nil && override.EventFilter.IsValid() {
		p.EventFilter = *override.EventFilter
		p.Inherited = false
	}
	if override.AdditionalEmails != nil {
		p.AdditionalEmails = append([]string(nil), (*override.AdditionalEmails)...)
		p.Inherited = false
	}
	if override.AdditionalTopic != nil {
		p.AdditionalTopic = *override.AdditionalTopic
		p.Inherited = false
	}
	return p
}

// ShouldNotify applies an event filter to a run outcome.
//
//	off      never
//	errors   Error or Fatal, or any error counted
//	warnings everything but a clean Success
//	all      always
func ShouldNotify(filter models.EventFilter, outcome RunOutcome) bool {
	switch filter {
	case models.EventFilterOff:
		return false
	case models.EventFilterErrors:
		return outcome.Status.IsFailure() || outcome.ErrorCount > 0
	case models.EventFilterWarnings:
		return outcome.Status != models.RunStatusSuccess || outcome.ErrorCount > 0
	default:
		return true
	}
}

// TemplateFor selects the template for a run status.
func TemplateFor(status models.RunStatus) models.TemplateKind {
	if status == models.RunStatusSuccess {
		return models.TemplateSuccess
	}
	return models.TemplateWarning
}
