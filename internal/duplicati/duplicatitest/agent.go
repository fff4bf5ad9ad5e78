// Package duplicatitest provides an in-memory Duplicati agent for tests.
package duplicatitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Token is the access token handed out by a successful login.
const Token = "test-access-token"

// Run describes one backup run to embed in a job's log.
type Run struct {
	ID        int64
	Operation string // defaults to "Backup"
	Result    string // defaults to "Success"
	Begin     time.Time
	Duration  time.Duration
	Warnings  int64
	Errors    int64
	Uploaded  int64
	Examined  int64
	// Limited emits the LimitedMessages/LimitedWarnings/LimitedErrors arrays.
	Limited bool
	// RawMessage replaces the generated payload verbatim.
	RawMessage string
	// MessageOnly serves the log entry with just its ID and Message.
	MessageOnly bool
}

// Job is a job definition served by the agent.
type Job struct {
	ID        string
	Name      string
	TargetURL string
	Repeat    string
	Rule      string
	Time      string
	Runs      []Run
	Versions  []time.Time
	// FailLog makes the log endpoint answer 500.
	FailLog bool
}

// Agent is an http.Handler emulating the agent REST API.
type Agent struct {
	Password    string
	MachineID   string
	MachineName string
	Extra       []map[string]string // additional systeminfo options

	mu       sync.Mutex
	jobs     []Job
	requests []string
}

// NewAgent creates an agent with the given identity.
func NewAgent(password, machineID, machineName string) *Agent {
	return &Agent{Password: password, MachineID: machineID, MachineName: machineName}
}

// SetJobs replaces the job list.
func (a *Agent) SetJobs(jobs ...Job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = jobs
}

// Requests returns the "METHOD path" of every request served so far.
func (a *Agent) Requests() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.requests...)
}

// ServeHTTP implements http.Handler.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, r.Method+" "+r.URL.Path)
	jobs := append([]Job(nil), a.jobs...)
	a.mu.Unlock()

	if r.URL.Path == "/api/v1/auth/login" && r.Method == http.MethodPost {
		a.login(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+Token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"Error": "Not logged in"})
		return
	}

	switch {
	case r.URL.Path == "/api/v1/systeminfo":
		writeJSON(w, http.StatusOK, a.systemInfo())
	case r.URL.Path == "/api/v1/backups":
		writeJSON(w, http.StatusOK, jobList(jobs))
	case strings.HasPrefix(r.URL.Path, "/api/v1/backup/"):
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/backup/")
		id, action, _ := strings.Cut(rest, "/")
		job, ok := findJob(jobs, id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"Error": "backup not found"})
			return
		}
		switch action {
		case "log":
			if job.FailLog {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"Error": "log unavailable"})
				return
			}
			writeJSON(w, http.StatusOK, logEntries(job))
		case "filesets":
			writeJSON(w, http.StatusOK, filesets(job))
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (a *Agent) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"Password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"Error": "bad request"})
		return
	}
	if req.Password != a.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"Error": "Invalid password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"AccessToken": Token})
}

func (a *Agent) systemInfo() map[string]any {
	options := []map[string]string{
		{"Name": "dbpath", "DefaultValue": "/data"},
	}
	if a.MachineID != "" {
		options = append(options, map[string]string{"Name": "machine-id", "DefaultValue": a.MachineID})
	}
	options = append(options, a.Extra...)
	info := map[string]any{
		"ServerVersion": "2.1.0.5",
		"Options":       options,
	}
	if a.MachineName != "" {
		info["MachineName"] = a.MachineName
	}
	return info
}

func jobList(jobs []Job) []map[string]any {
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		entry := map[string]any{
			"Backup": map[string]any{
				"ID":        j.ID,
				"Name":      j.Name,
				"TargetURL": j.TargetURL,
				"Settings": []map[string]string{
					{"Name": "passphrase", "Value": "hunter2"},
					{"Name": "keep-versions", "Value": "5"},
				},
			},
		}
		if j.Repeat != "" {
			entry["Schedule"] = map[string]any{
				"ID":     1,
				"Time":   j.Time,
				"Repeat": j.Repeat,
				"Rule":   j.Rule,
			}
		}
		out = append(out, entry)
	}
	return out
}

func findJob(jobs []Job, id string) (Job, bool) {
	for _, j := range jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

func logEntries(job Job) []map[string]any {
	out := make([]map[string]any, 0, len(job.Runs))
	for i, run := range job.Runs {
		id := run.ID
		if id == 0 {
			id = int64(i + 1)
		}
		msg := run.RawMessage
		if msg == "" {
			msg = Message(run)
		}
		if run.MessageOnly {
			out = append(out, map[string]any{"ID": id, "Message": msg})
			continue
		}
		out = append(out, map[string]any{
			"ID":          id,
			"OperationID": id,
			"Timestamp":   run.Begin.Add(run.Duration).Unix(),
			"Type":        "Result",
			"Message":     msg,
		})
	}
	return out
}

func filesets(job Job) []map[string]any {
	out := make([]map[string]any, 0, len(job.Versions))
	for i, v := range job.Versions {
		out = append(out, map[string]any{
			"Version":      i,
			"IsFullBackup": 1,
			"Time":         v.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// Message renders the JSON result payload for a run.
func Message(run Run) string {
	op := run.Operation
	if op == "" {
		op = "Backup"
	}
	result := run.Result
	if result == "" {
		result = "Success"
	}
	duration := run.Duration
	if duration == 0 {
		duration = 5 * time.Minute
	}
	prefix := ""
	if run.Limited {
		prefix = "Limited"
	}

	payload := map[string]any{
		"MainOperation":        op,
		"ParsedResult":         result,
		"Version":              "2.1.0.5 (2.1.0.5_stable_2025-03-04)",
		"BeginTime":            run.Begin.UTC().Format(time.RFC3339Nano),
		"EndTime":              run.Begin.Add(duration).UTC().Format(time.RFC3339Nano),
		"Duration":             formatTimeSpan(duration),
		"ExaminedFiles":        run.Examined,
		"OpenedFiles":          0,
		"AddedFiles":           1,
		"ModifiedFiles":        0,
		"DeletedFiles":         0,
		"SizeOfExaminedFiles":  4096,
		"SizeOfAddedFiles":     1024,
		"SizeOfModifiedFiles":  0,
		"MessagesActualLength": 1,
		"WarningsActualLength": run.Warnings,
		"ErrorsActualLength":   run.Errors,
		prefix + "Messages":    []string{"backup started"},
		prefix + "Warnings":    repeat("warning", run.Warnings),
		prefix + "Errors":      repeat("error", run.Errors),
		"BackendStatistics": map[string]any{
			"BytesUploaded":   run.Uploaded,
			"BytesDownloaded": 0,
			"FilesUploaded":   3,
			"KnownFileCount":  12,
			"KnownFileSize":   1 << 20,
			"BackupListCount": 4,
		},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func repeat(s string, n int64) []string {
	out := make([]string, 0, n)
	for i := int64(0); i < n; i++ {
		out = append(out, fmt.Sprintf("%s %d", s, i+1))
	}
	return out
}

func formatTimeSpan(d time.Duration) string {
	h := int64(d / time.Hour)
	m := int64(d%time.Hour) / int64(time.Minute)
	s := int64(d%time.Minute) / int64(time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
