package duplicati

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/duplimon/internal/models"
)

// SchemaVariant names a known shape of the result payload.
type SchemaVariant string

const (
	// SchemaClassic carries full Messages/Warnings/Errors arrays.
	SchemaClassic SchemaVariant = "classic"
	// SchemaLimited carries truncated LimitedMessages/LimitedWarnings/LimitedErrors
	// arrays, as written by newer agents.
	SchemaLimited SchemaVariant = "limited"
)

// OperationBackup is the MainOperation of backup runs.
const OperationBackup = "Backup"

var requiredFields = []string{
	"MainOperation",
	"ParsedResult",
	"BeginTime",
	"EndTime",
	"ExaminedFiles",
	"OpenedFiles",
	"AddedFiles",
	"ModifiedFiles",
	"DeletedFiles",
	"SizeOfExaminedFiles",
	"SizeOfAddedFiles",
	"SizeOfModifiedFiles",
	"WarningsActualLength",
	"ErrorsActualLength",
	"BackendStatistics",
}

var requiredBackendFields = []string{
	"BytesUploaded",
	"KnownFileSize",
	"BackupListCount",
}

// RunPayload is a decoded backup result.
type RunPayload struct {
	Variant       SchemaVariant
	MainOperation string
	RawResult     string
	Result        models.RunStatus
	BeginTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
	Files         models.FileCounters
	Sizes         models.SizeCounters
	Backend       models.BackendCounters
	MessagesCount int64
	WarningsCount int64
	ErrorsCount   int64
	Messages      json.RawMessage
	Warnings      json.RawMessage
	Errors        json.RawMessage
	AgentVersion  string
}

// Status returns the status to store: Success with warnings becomes Warning.
func (p *RunPayload) Status() models.RunStatus {
	return models.DeriveRunStatus(p.Result, p.WarningsCount)
}

type backendStatistics struct {
	BytesUploaded   int64 `json:"BytesUploaded"`
	BytesDownloaded int64 `json:"BytesDownloaded"`
	FilesUploaded   int64 `json:"FilesUploaded"`
	FilesDownloaded int64 `json:"FilesDownloaded"`
	FilesDeleted    int64 `json:"FilesDeleted"`
	KnownFileCount  int64 `json:"KnownFileCount"`
	KnownFileSize   int64 `json:"KnownFileSize"`
	BackupListCount int64 `json:"BackupListCount"`
	TotalQuotaSpace int64 `json:"TotalQuotaSpace"`
	FreeQuotaSpace  int64 `json:"FreeQuotaSpace"`
}

type rawPayload struct {
	MainOperation        string            `json:"MainOperation"`
	ParsedResult         string            `json:"ParsedResult"`
	Version              string            `json:"Version"`
	BeginTime            FlexTime          `json:"BeginTime"`
	EndTime              FlexTime          `json:"EndTime"`
	Duration             string            `json:"Duration"`
	ExaminedFiles        int64             `json:"ExaminedFiles"`
	OpenedFiles          int64             `json:"OpenedFiles"`
	AddedFiles           int64             `json:"AddedFiles"`
	ModifiedFiles        int64             `json:"ModifiedFiles"`
	DeletedFiles         int64             `json:"DeletedFiles"`
	NotProcessedFiles    int64             `json:"NotProcessedFiles"`
	TooLargeFiles        int64             `json:"TooLargeFiles"`
	FilesWithError       int64             `json:"FilesWithError"`
	AddedFolders         int64             `json:"AddedFolders"`
	ModifiedFolders      int64             `json:"ModifiedFolders"`
	DeletedFolders       int64             `json:"DeletedFolders"`
	AddedSymlinks        int64             `json:"AddedSymlinks"`
	ModifiedSymlinks     int64             `json:"ModifiedSymlinks"`
	DeletedSymlinks      int64             `json:"DeletedSymlinks"`
	SizeOfExaminedFiles  int64             `json:"SizeOfExaminedFiles"`
	SizeOfOpenedFiles    int64             `json:"SizeOfOpenedFiles"`
	SizeOfAddedFiles     int64             `json:"SizeOfAddedFiles"`
	SizeOfModifiedFiles  int64             `json:"SizeOfModifiedFiles"`
	MessagesActualLength *int64            `json:"MessagesActualLength"`
	WarningsActualLength int64             `json:"WarningsActualLength"`
	ErrorsActualLength   int64             `json:"ErrorsActualLength"`
	BackendStatistics    backendStatistics `json:"BackendStatistics"`
}

// PeekOperation returns the MainOperation of an encoded payload without
// validating the rest of it.
func PeekOperation(entryID int64, message string) (string, error) {
	var v struct {
		MainOperation *string `json:"MainOperation"`
	}
	if err := json.Unmarshal([]byte(message), &v); err != nil {
		return "", &ParseError{EntryID: entryID, Err: fmt.Errorf("decode payload: %w", err)}
	}
	if v.MainOperation == nil {
		return "", &ParseError{EntryID: entryID, Missing: []string{"MainOperation"}}
	}
	return *v.MainOperation, nil
}

// ParseRunPayload decodes an encoded result payload. Payloads that match no
// known schema, or lack a required field, fail with *ParseError; missing
// counters are never defaulted to zero.
func ParseRunPayload(entryID int64, message string) (*RunPayload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(message), &fields); err != nil {
		return nil, &ParseError{EntryID: entryID, Err: fmt.Errorf("decode payload: %w", err)}
	}

	variant, ok := detectVariant(fields)
	if !ok {
		return nil, &ParseError{EntryID: entryID, Err: errors.New("unrecognized payload shape: no message arrays")}
	}

	missing := missingFields(fields, requiredFields)
	if backend, ok := fields["BackendStatistics"]; ok && !isNull(backend) {
		var bfields map[string]json.RawMessage
		if err := json.Unmarshal(backend, &bfields); err != nil {
			return nil, &ParseError{EntryID: entryID, Err: fmt.Errorf("decode BackendStatistics: %w", err)}
		}
		for _, f := range missingFields(bfields, requiredBackendFields) {
			missing = append(missing, "BackendStatistics."+f)
		}
	}
	if len(missing) > 0 {
		return nil, &ParseError{EntryID: entryID, Missing: missing}
	}

	var raw rawPayload
	if err := json.Unmarshal([]byte(message), &raw); err != nil {
		return nil, &ParseError{EntryID: entryID, Err: fmt.Errorf("decode payload: %w", err)}
	}
	if raw.BeginTime.IsZero() {
		return nil, &ParseError{EntryID: entryID, Err: errors.New("BeginTime is empty")}
	}

	p := &RunPayload{
		Variant:       variant,
		MainOperation: raw.MainOperation,
		RawResult:     raw.ParsedResult,
		Result:        models.ParseRunStatus(raw.ParsedResult),
		BeginTime:     raw.BeginTime.UTC(),
		EndTime:       raw.EndTime.UTC(),
		AgentVersion:  raw.Version,
		Files: models.FileCounters{
			ExaminedFiles:     raw.ExaminedFiles,
			OpenedFiles:       raw.OpenedFiles,
			AddedFiles:        raw.AddedFiles,
			ModifiedFiles:     raw.ModifiedFiles,
			DeletedFiles:      raw.DeletedFiles,
			NotProcessedFiles: raw.NotProcessedFiles,
			TooLargeFiles:     raw.TooLargeFiles,
			FilesWithError:    raw.FilesWithError,
			AddedFolders:      raw.AddedFolders,
			ModifiedFolders:   raw.ModifiedFolders,
			DeletedFolders:    raw.DeletedFolders,
			AddedSymlinks:     raw.AddedSymlinks,
			ModifiedSymlinks:  raw.ModifiedSymlinks,
			DeletedSymlinks:   raw.DeletedSymlinks,
		},
		Sizes: models.SizeCounters{
			SizeOfExaminedFiles: raw.SizeOfExaminedFiles,
			SizeOfOpenedFiles:   raw.SizeOfOpenedFiles,
			SizeOfAddedFiles:    raw.SizeOfAddedFiles,
			SizeOfModifiedFiles: raw.SizeOfModifiedFiles,
			BytesUploaded:       raw.BackendStatistics.BytesUploaded,
			BytesDownloaded:     raw.BackendStatistics.BytesDownloaded,
			KnownFileSize:       raw.BackendStatistics.KnownFileSize,
			TotalQuotaSpace:     raw.BackendStatistics.TotalQuotaSpace,
			FreeQuotaSpace:      raw.BackendStatistics.FreeQuotaSpace,
		},
		Backend: models.BackendCounters{
			KnownFileCount:  raw.BackendStatistics.KnownFileCount,
			BackupListCount: raw.BackendStatistics.BackupListCount,
			FilesUploaded:   raw.BackendStatistics.FilesUploaded,
			FilesDownloaded: raw.BackendStatistics.FilesDownloaded,
			FilesDeleted:    raw.BackendStatistics.FilesDeleted,
		},
		WarningsCount: raw.WarningsActualLength,
		ErrorsCount:   raw.ErrorsActualLength,
	}

	prefix := ""
	if variant == SchemaLimited {
		prefix = "Limited"
	}
	p.Messages = arrayOrNil(fields[prefix+"Messages"])
	p.Warnings = arrayOrNil(fields[prefix+"Warnings"])
	p.Errors = arrayOrNil(fields[prefix+"Errors"])

	if raw.MessagesActualLength != nil {
		p.MessagesCount = *raw.MessagesActualLength
	} else {
		p.MessagesCount = int64(arrayLen(p.Messages))
	}

	if d, err := ParseTimeSpan(raw.Duration); err == nil && raw.Duration != "" {
		p.Duration = d
	} else if !p.EndTime.IsZero() && p.EndTime.After(p.BeginTime) {
		p.Duration = p.EndTime.Sub(p.BeginTime)
	}

	return p, nil
}

func detectVariant(fields map[string]json.RawMessage) (SchemaVariant, bool) {
	for _, k := range []string{"LimitedMessages", "LimitedWarnings", "LimitedErrors"} {
		if _, ok := fields[k]; ok {
			return SchemaLimited, true
		}
	}
	for _, k := range []string{"Messages", "Warnings", "Errors"} {
		if _, ok := fields[k]; ok {
			return SchemaClassic, true
		}
	}
	return "", false
}

func missingFields(fields map[string]json.RawMessage, required []string) []string {
	var missing []string
	for _, f := range required {
		v, ok := fields[f]
		if !ok || isNull(v) {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

func arrayOrNil(v json.RawMessage) json.RawMessage {
	if len(v) == 0 || isNull(v) {
		return nil
	}
	return v
}

func arrayLen(v json.RawMessage) int {
	if v == nil {
		return 0
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(v, &arr); err != nil {
		return 0
	}
	return len(arr)
}

// ParseTimeSpan parses a .NET TimeSpan string: [-][d.]hh:mm:ss[.fffffff].
func ParseTimeSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty time span")
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var days int64
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time span %q", s)
	}
	if i := strings.Index(parts[0], "."); i >= 0 {
		d, err := strconv.ParseInt(parts[0][:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time span days %q", s)
		}
		days = d
		parts[0] = parts[0][i+1:]
	}

	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time span hours %q", s)
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time span minutes %q", s)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time span seconds %q", s)
	}

	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	if neg {
		d = -d
	}
	return d, nil
}
