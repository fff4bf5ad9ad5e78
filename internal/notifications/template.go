package notifications

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/MacJediWizard/duplimon/internal/config"
	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Placeholder names a value that can be substituted into a template as
// {name}.
type Placeholder string

const (
	PhStatus            Placeholder = "status"
	PhServerID          Placeholder = "server_id"
	PhServerName        Placeholder = "server_name"
	PhServerAlias       Placeholder = "server_alias"
	PhServerURL         Placeholder = "server_url"
	PhBackupName        Placeholder = "backup_name"
	PhBackupDate        Placeholder = "backup_date"
	PhDuration          Placeholder = "duration"
	PhUploadedSize      Placeholder = "uploaded_size"
	PhExaminedSize      Placeholder = "examined_size"
	PhStorageSize       Placeholder = "storage_size"
	PhExaminedFiles     Placeholder = "examined_files"
	PhAddedFiles        Placeholder = "added_files"
	PhModifiedFiles     Placeholder = "modified_files"
	PhDeletedFiles      Placeholder = "deleted_files"
	PhMessagesCount     Placeholder = "messages_count"
	PhWarningsCount     Placeholder = "warnings_count"
	PhErrorsCount       Placeholder = "errors_count"
	PhAvailableVersions Placeholder = "available_versions"
	PhLastBackupDate    Placeholder = "last_backup_date"
	PhLastElapsed       Placeholder = "last_elapsed"
	PhExpectedDate      Placeholder = "expected_date"
	PhExpectedInterval  Placeholder = "expected_interval"
	PhDashboardURL      Placeholder = "dashboard_url"
)

// Placeholders is the closed set of supported placeholders.
var Placeholders = []Placeholder{
	PhStatus, PhServerID, PhServerName, PhServerAlias, PhServerURL,
	PhBackupName, PhBackupDate, PhDuration,
	PhUploadedSize, PhExaminedSize, PhStorageSize,
	PhExaminedFiles, PhAddedFiles, PhModifiedFiles, PhDeletedFiles,
	PhMessagesCount, PhWarningsCount, PhErrorsCount, PhAvailableVersions,
	PhLastBackupDate, PhLastElapsed, PhExpectedDate, PhExpectedInterval,
	PhDashboardURL,
}

var knownPlaceholders = func() map[Placeholder]bool {
	m := make(map[Placeholder]bool, len(Placeholders))
	for _, p := range Placeholders {
		m[p] = true
	}
	return m
}()

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// NotificationContext is the flat record templates are rendered against.
// Dates and byte counts are formatted at render time.
type NotificationContext struct {
	Status       string
	ServerID     string
	ServerName   string
	ServerAlias  string
	ServerURL    string
	BackupName   string
	BackupDate   time.Time
	Duration     time.Duration
	DashboardURL string

	UploadedBytes int64
	ExaminedBytes int64
	StorageBytes  int64

	ExaminedFiles     int64
	AddedFiles        int64
	ModifiedFiles     int64
	DeletedFiles      int64
	MessagesCount     int64
	WarningsCount     int64
	ErrorsCount       int64
	AvailableVersions int

	// Overdue alerts.
	LastBackupDate   time.Time
	ExpectedDate     time.Time
	ExpectedInterval string
	Now              time.Time
}

var supportedLanguages = []language.Tag{
	language.English,
	language.German,
	language.French,
	language.Spanish,
	language.Portuguese,
	language.Italian,
	language.Dutch,
}

var languageMatcher = language.NewMatcher(supportedLanguages)

var dateLayouts = map[string]string{
	"en": "Jan 2, 2006 3:04 PM MST",
	"de": "02.01.2006 15:04 MST",
	"fr": "02/01/2006 15:04 MST",
	"es": "02/01/2006 15:04 MST",
	"pt": "02/01/2006 15:04 MST",
	"it": "02/01/2006 15:04 MST",
	"nl": "02-01-2006 15:04 MST",
}

// Engine renders notification templates for one language and time zone.
type Engine struct {
	lang       string
	loc        *time.Location
	printer    *message.Printer
	dateLayout string
	overrides  config.TemplateSet
}

// NewEngine creates an Engine. Unsupported languages fall back to the closest
// supported one; overrides replace the built-in templates per language.
func NewEngine(lang, timeZone string, overrides config.TemplateSet) (*Engine, error) {
	requested, err := language.Parse(lang)
	if err != nil {
		return nil, fmt.Errorf("parse language %q: %w", lang, err)
	}
	_, idx, _ := languageMatcher.Match(requested)
	tag := supportedLanguages[idx]
	base, _ := tag.Base()

	loc := time.UTC
	if timeZone != "" {
		loc, err = time.LoadLocation(timeZone)
		if err != nil {
			return nil, fmt.Errorf("load time zone %q: %w", timeZone, err)
		}
	}

	for _, byKind := range overrides {
		for kind, tmpl := range byKind {
			if err := ValidateTemplate(tmpl); err != nil {
				return nil, fmt.Errorf("%s template: %w", kind, err)
			}
		}
	}

	return &Engine{
		lang:       base.String(),
		loc:        loc,
		printer:    message.NewPrinter(tag),
		dateLayout: dateLayouts[base.String()],
		overrides:  overrides,
	}, nil
}

// Language returns the base language templates are rendered in.
func (e *Engine) Language() string {
	return e.lang
}

// Template returns the template of the given kind, preferring an override for
// the engine's language.
func (e *Engine) Template(kind models.TemplateKind) models.NotificationTemplate {
	if byKind, ok := e.overrides[e.lang]; ok {
		if t, ok := byKind[kind]; ok {
			return t
		}
	}
	if byKind, ok := defaultTemplates[e.lang]; ok {
		if t, ok := byKind[kind]; ok {
			return t
		}
	}
	return defaultTemplates["en"][kind]
}

// Render substitutes every known placeholder. Unknown placeholders are left
// as they are.
func (e *Engine) Render(tmpl models.NotificationTemplate, nc NotificationContext) models.RenderedNotification {
	values := e.values(nc)
	replace := func(s string) string {
		return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
			name := Placeholder(m[1 : len(m)-1])
			if v, ok := values[name]; ok {
				return v
			}
			return m
		})
	}
	return models.RenderedNotification{
		Title:    replace(tmpl.Title),
		Body:     replace(tmpl.Body),
		Priority: tmpl.Priority,
		Tags:     tmpl.Tags,
	}
}

func (e *Engine) values(nc NotificationContext) map[Placeholder]string {
	alias := nc.ServerAlias
	if alias == "" {
		alias = nc.ServerName
	}
	now := nc.Now
	if now.IsZero() {
		now = time.Now()
	}

	v := map[Placeholder]string{
		PhStatus:            nc.Status,
		PhServerID:          nc.ServerID,
		PhServerName:        nc.ServerName,
		PhServerAlias:       alias,
		PhServerURL:         nc.ServerURL,
		PhBackupName:        nc.BackupName,
		PhBackupDate:        e.formatDate(nc.BackupDate),
		PhDuration:          FormatDuration(nc.Duration),
		PhUploadedSize:      formatBytes(nc.UploadedBytes),
		PhExaminedSize:      formatBytes(nc.ExaminedBytes),
		PhStorageSize:       formatBytes(nc.StorageBytes),
		PhExaminedFiles:     e.printer.Sprintf("%d", nc.ExaminedFiles),
		PhAddedFiles:        e.printer.Sprintf("%d", nc.AddedFiles),
		PhModifiedFiles:     e.printer.Sprintf("%d", nc.ModifiedFiles),
		PhDeletedFiles:      e.printer.Sprintf("%d", nc.DeletedFiles),
		PhMessagesCount:     e.printer.Sprintf("%d", nc.MessagesCount),
		PhWarningsCount:     e.printer.Sprintf("%d", nc.WarningsCount),
		PhErrorsCount:       e.printer.Sprintf("%d", nc.ErrorsCount),
		PhAvailableVersions: e.printer.Sprintf("%d", nc.AvailableVersions),
		PhLastBackupDate:    e.formatDate(nc.LastBackupDate),
		PhExpectedDate:      e.formatDate(nc.ExpectedDate),
		PhExpectedInterval:  nc.ExpectedInterval,
		PhDashboardURL:      nc.DashboardURL,
	}
	if nc.LastBackupDate.IsZero() {
		v[PhLastElapsed] = "never"
	} else {
		v[PhLastElapsed] = humanize.RelTime(nc.LastBackupDate, now, "ago", "from now")
	}
	return v
}

func (e *Engine) formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	layout := e.dateLayout
	if layout == "" {
		layout = dateLayouts["en"]
	}
	return t.In(e.loc).Format(layout)
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// FormatDuration formats d as HH:MM:SS. Hours are not wrapped at 24.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int64(d / time.Hour)
	m := int64(d%time.Hour) / int64(time.Minute)
	s := int64(d%time.Minute) / int64(time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ValidateTemplate reports placeholders that are not part of the supported
// set.
func ValidateTemplate(tmpl models.NotificationTemplate) error {
	unknown := make(map[string]bool)
	for _, s := range []string{tmpl.Title, tmpl.Body} {
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			if !knownPlaceholders[Placeholder(m[1])] {
				unknown[m[1]] = true
			}
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	names := make([]string, 0, len(unknown))
	for n := range unknown {
		names = append(names, "{"+n+"}")
	}
	sort.Strings(names)
	return fmt.Errorf("unknown placeholders: %s", strings.Join(names, ", "))
}
