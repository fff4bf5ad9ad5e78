package models

import (
	"fmt"
	"time"
)

// JobKey identifies a job on a specific server.
type JobKey struct {
	ServerID string
	JobName  string
}

// String returns the key in the "serverID:jobName" form used in the settings blob.
func (k JobKey) String() string {
	return fmt.Sprintf("%s:%s", k.ServerID, k.JobName)
}

// JobScheduleMeta is the recurrence metadata extracted from a job definition.
type JobScheduleMeta struct {
	ExpectedInterval string `json:"expected_interval"`     // e.g. "1D", "12h", "1W"
	AllowedWeekdays  []int  `json:"allowed_weekdays"`      // 0 = Sunday .. 6 = Saturday
	TimeOfDay        string `json:"time_of_day,omitempty"` // HH:MM
}

// DefaultOverdueTolerance is the grace period before a job is considered overdue.
const DefaultOverdueTolerance = time.Hour

// JobSettings is one entry of the settings blob.
type JobSettings struct {
	Schedule            JobScheduleMeta    `json:"schedule"`
	OverdueCheckEnabled bool               `json:"overdue_check_enabled"`
	OverdueTolerance    string             `json:"overdue_tolerance"`
	Notification        *JobPolicyOverride `json:"notification,omitempty"`
}

// DefaultJobSettings returns settings for a job seen for the first time.
func DefaultJobSettings() JobSettings {
	return JobSettings{
		Schedule: JobScheduleMeta{
			ExpectedInterval: "1D",
			AllowedWeekdays:  []int{0, 1, 2, 3, 4, 5, 6},
		},
		OverdueCheckEnabled: true,
		OverdueTolerance:    DefaultOverdueTolerance.String(),
	}
}

// Tolerance parses OverdueTolerance, falling back to DefaultOverdueTolerance.
func (s JobSettings) Tolerance() time.Duration {
	d, err := time.ParseDuration(s.OverdueTolerance)
	if err != nil || d < 0 {
		return DefaultOverdueTolerance
	}
	return d
}

// JobSettingsMap is the full settings blob keyed by JobKey.String().
type JobSettingsMap map[string]JobSettings
