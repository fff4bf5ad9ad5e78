package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the outcome of a single backup run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "Success"
	RunStatusWarning RunStatus = "Warning"
	RunStatusError   RunStatus = "Error"
	RunStatusFatal   RunStatus = "Fatal"
	RunStatusUnknown RunStatus = "Unknown"
)

// ParseRunStatus maps a vendor result string onto a RunStatus. Unrecognized
// values map to RunStatusUnknown.
func ParseRunStatus(s string) RunStatus {
	switch RunStatus(s) {
	case RunStatusSuccess, RunStatusWarning, RunStatusError, RunStatusFatal:
		return RunStatus(s)
	default:
		return RunStatusUnknown
	}
}

// IsFailure reports whether the status represents a failed run.
func (s RunStatus) IsFailure() bool {
	return s == RunStatusError || s == RunStatusFatal
}

// DeriveRunStatus returns Warning for a run reported as Success that still
// produced warnings. Every other status is returned unchanged.
func DeriveRunStatus(raw RunStatus, warningsCount int64) RunStatus {
	if raw == RunStatusSuccess && warningsCount > 0 {
		return RunStatusWarning
	}
	return raw
}

// FileCounters holds the file, folder and symlink counters of a run.
type FileCounters struct {
	ExaminedFiles     int64 `json:"examined_files"`
	OpenedFiles       int64 `json:"opened_files"`
	AddedFiles        int64 `json:"added_files"`
	ModifiedFiles     int64 `json:"modified_files"`
	DeletedFiles      int64 `json:"deleted_files"`
	NotProcessedFiles int64 `json:"not_processed_files"`
	TooLargeFiles     int64 `json:"too_large_files"`
	FilesWithError    int64 `json:"files_with_error"`
	AddedFolders      int64 `json:"added_folders"`
	ModifiedFolders   int64 `json:"modified_folders"`
	DeletedFolders    int64 `json:"deleted_folders"`
	AddedSymlinks     int64 `json:"added_symlinks"`
	ModifiedSymlinks  int64 `json:"modified_symlinks"`
	DeletedSymlinks   int64 `json:"deleted_symlinks"`
}

// SizeCounters holds byte counts of a run and of its backend.
type SizeCounters struct {
	SizeOfExaminedFiles int64 `json:"size_of_examined_files"`
	SizeOfOpenedFiles   int64 `json:"size_of_opened_files"`
	SizeOfAddedFiles    int64 `json:"size_of_added_files"`
	SizeOfModifiedFiles int64 `json:"size_of_modified_files"`
	BytesUploaded       int64 `json:"bytes_uploaded"`
	BytesDownloaded     int64 `json:"bytes_downloaded"`
	KnownFileSize       int64 `json:"known_file_size"`
	TotalQuotaSpace     int64 `json:"total_quota_space"`
	FreeQuotaSpace      int64 `json:"free_quota_space"`
}

// BackendCounters holds the remote storage statistics reported with a run.
type BackendCounters struct {
	KnownFileCount  int64 `json:"known_file_count"`
	BackupListCount int64 `json:"backup_list_count"`
	FilesUploaded   int64 `json:"files_uploaded"`
	FilesDownloaded int64 `json:"files_downloaded"`
	FilesDeleted    int64 `json:"files_deleted"`
}

// BackupRunRecord is one stored execution of a named job on a server.
// Records are never updated; no two records share (ServerID, JobName, Timestamp).
type BackupRunRecord struct {
	ID              uuid.UUID       `json:"id"`
	ServerID        string          `json:"server_id"`
	JobName         string          `json:"job_name"`
	JobID           string          `json:"job_id"`
	RunID           string          `json:"run_id,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Status          RunStatus       `json:"status"`
	DurationSeconds int64           `json:"duration_seconds"`
	Files           FileCounters    `json:"files"`
	Sizes           SizeCounters    `json:"sizes"`
	Backend         BackendCounters `json:"backend"`
	MessagesCount   int64           `json:"messages_count"`
	WarningsCount   int64           `json:"warnings_count"`
	ErrorsCount     int64           `json:"errors_count"`
	Messages        json.RawMessage `json:"messages,omitempty"`
	Warnings        json.RawMessage `json:"warnings,omitempty"`
	Errors          json.RawMessage `json:"errors,omitempty"`
	// AvailableVersions holds the version timestamps the run reported, newest first.
	AvailableVersions []time.Time `json:"available_versions,omitempty"`
	SchemaVariant     string      `json:"schema_variant"`
	CreatedAt         time.Time   `json:"created_at"`
}

// NewBackupRunRecord creates a record with a fresh ID. The timestamp is
// truncated to whole seconds in UTC so that it compares equal across
// re-collections of the same run.
func NewBackupRunRecord(serverID, jobName string, ts time.Time) *BackupRunRecord {
	return &BackupRunRecord{
		ID:        uuid.New(),
		ServerID:  serverID,
		JobName:   jobName,
		Timestamp: NormalizeTimestamp(ts),
		Status:    RunStatusUnknown,
		CreatedAt: time.Now(),
	}
}

// NormalizeTimestamp returns ts in UTC with sub-second precision dropped.
func NormalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Second)
}

// Duration returns the run duration.
func (r *BackupRunRecord) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}
