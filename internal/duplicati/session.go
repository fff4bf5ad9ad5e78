package duplicati

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MacJediWizard/duplimon/internal/httpclient"
	"github.com/MacJediWizard/duplimon/internal/models"
)

// Session is an authenticated connection to one agent.
type Session struct {
	BaseURL  string
	Protocol models.ServerProtocol

	token string
	http  *httpclient.Client
}

// GetRaw performs an authenticated GET and returns the raw body.
func (s *Session) GetRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{BaseURL: s.BaseURL, Status: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if !resp.OK() {
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp.Body, nil
}

// Get performs an authenticated GET and decodes the JSON body into out.
func (s *Session) Get(ctx context.Context, path string, out any) error {
	body, err := s.GetRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// SystemInfo fetches the agent's identity and capability information.
func (s *Session) SystemInfo(ctx context.Context) (*SystemInfo, json.RawMessage, error) {
	raw, err := s.GetRaw(ctx, systemInfoPath)
	if err != nil {
		return nil, nil, err
	}
	var info SystemInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, nil, fmt.Errorf("decode system info: %w", err)
	}
	return &info, raw, nil
}

// ListJobs enumerates the job definitions configured on the agent.
func (s *Session) ListJobs(ctx context.Context) ([]Job, json.RawMessage, error) {
	raw, err := s.GetRaw(ctx, backupsPath)
	if err != nil {
		return nil, nil, err
	}
	var entries []jobEnvelope
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("decode job list: %w", err)
	}
	jobs := make([]Job, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, e.job())
	}
	return jobs, raw, nil
}

// JobLog fetches the most recent page of a job's log.
func (s *Session) JobLog(ctx context.Context, jobID string, pageSize int) ([]LogEntry, json.RawMessage, error) {
	path := fmt.Sprintf("/api/v1/backup/%s/log?pagesize=%s", url.PathEscape(jobID), strconv.Itoa(pageSize))
	raw, err := s.GetRaw(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	var entries []LogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("decode job log: %w", err)
	}
	return entries, raw, nil
}

// ListVersions returns the timestamps of the versions held by a job's
// destination, newest first.
func (s *Session) ListVersions(ctx context.Context, jobID string) ([]time.Time, error) {
	var filesets []Fileset
	if err := s.Get(ctx, fmt.Sprintf("/api/v1/backup/%s/filesets", url.PathEscape(jobID)), &filesets); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(filesets))
	for _, f := range filesets {
		if f.Time.IsZero() {
			continue
		}
		out = append(out, f.Time.UTC())
	}
	sortTimesDesc(out)
	return out, nil
}
