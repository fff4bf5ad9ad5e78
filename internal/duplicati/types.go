package duplicati

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Option is one entry of the agent's advertised option list.
type Option struct {
	Name         string `json:"Name"`
	Value        string `json:"Value,omitempty"`
	DefaultValue string `json:"DefaultValue,omitempty"`
}

func (o Option) value() string {
	if o.Value != "" {
		return o.Value
	}
	return o.DefaultValue
}

// SystemInfo is the subset of /systeminfo used to identify an agent.
type SystemInfo struct {
	MachineName       string   `json:"MachineName"`
	ServerVersion     string   `json:"ServerVersion,omitempty"`
	ServerVersionName string   `json:"ServerVersionName,omitempty"`
	Options           []Option `json:"Options"`
}

// Identity returns the stable machine-id and display name of the agent.
// Either being absent yields a *CapabilityError listing the available options.
func (si *SystemInfo) Identity() (id, name string, err error) {
	for _, o := range si.Options {
		n := strings.ToLower(strings.TrimLeft(o.Name, "-"))
		switch {
		case n == "machine-id" && id == "":
			id = strings.TrimSpace(o.value())
		case n == "machine-name" && name == "":
			name = strings.TrimSpace(o.value())
		}
	}
	if strings.TrimSpace(si.MachineName) != "" {
		name = strings.TrimSpace(si.MachineName)
	}

	var missing []string
	if id == "" {
		missing = append(missing, "machine-id")
	}
	if name == "" {
		missing = append(missing, "machine-name")
	}
	if len(missing) > 0 {
		available := make([]string, 0, len(si.Options))
		for _, o := range si.Options {
			available = append(available, o.Name)
		}
		sort.Strings(available)
		return "", "", &CapabilityError{Missing: missing, Available: available}
	}
	return id, name, nil
}

// JobSchedule is the recurrence attached to a job definition.
type JobSchedule struct {
	ID      int64    `json:"ID"`
	Time    FlexTime `json:"Time"`
	Repeat  string   `json:"Repeat"`
	Rule    string   `json:"Rule"`
	LastRun FlexTime `json:"LastRun"`
}

// Job is a backup configuration defined on the agent.
type Job struct {
	ID          string
	Name        string
	Description string
	TargetURL   string
	Schedule    *JobSchedule
}

type jobEnvelope struct {
	Backup struct {
		ID          flexID `json:"ID"`
		Name        string `json:"Name"`
		Description string `json:"Description"`
		TargetURL   string `json:"TargetURL"`
	} `json:"Backup"`
	Schedule *JobSchedule `json:"Schedule"`
}

func (e jobEnvelope) job() Job {
	return Job{
		ID:          string(e.Backup.ID),
		Name:        e.Backup.Name,
		Description: e.Backup.Description,
		TargetURL:   e.Backup.TargetURL,
		Schedule:    e.Schedule,
	}
}

// LogEntry is one row of a job's log. Message holds a JSON-encoded result
// payload for entries written by completed operations.
type LogEntry struct {
	ID          int64  `json:"ID"`
	OperationID int64  `json:"OperationID"`
	Timestamp   int64  `json:"Timestamp"`
	Type        string `json:"Type"`
	Message     string `json:"Message"`
	Exception   string `json:"Exception"`
}

// Fileset is one version held by a job's destination.
type Fileset struct {
	Version      int64    `json:"Version"`
	IsFullBackup int      `json:"IsFullBackup"`
	Time         FlexTime `json:"Time"`
	FileCount    int64    `json:"FileCount"`
	FileSizes    int64    `json:"FileSizes"`
}

// flexID accepts identifiers sent either as JSON strings or numbers.
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s", b)
	}
	*id = flexID(n.String())
	return nil
}

// FlexTime decodes the timestamp formats agents emit: RFC 3339 with or
// without fractional seconds, zone-less local times (read as UTC), Unix
// seconds, and the compact "20060102T150405Z" form.
type FlexTime struct {
	time.Time
}

var flexLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"20060102T150405Z",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *FlexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if !strings.HasPrefix(s, `"`) {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid timestamp %s", s)
		}
		t.Time = time.Unix(n, 0).UTC()
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseTime(str)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTime parses one of the timestamp formats accepted by FlexTime.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range flexLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func sortTimesDesc(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].After(ts[j]) })
}
