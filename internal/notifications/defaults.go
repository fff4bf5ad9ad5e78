package notifications

import "github.com/MacJediWizard/duplimon/internal/models"

var defaultTemplates = map[string]map[models.TemplateKind]models.NotificationTemplate{
	"en": {
		models.TemplateSuccess: {
			Title:    "✅ {status} - {backup_name} @ {server_alias}",
			Body:     "Backup {backup_name} on {server_alias} finished at {backup_date}.\nDuration: {duration}\nUploaded: {uploaded_size} ({added_files} added, {modified_files} modified, {deleted_files} deleted)\nStorage: {storage_size}, {available_versions} versions\n{dashboard_url}",
			Priority: "default",
			Tags:     "white_check_mark,backup",
		},
		models.TemplateWarning: {
			Title:    "⚠️ {status} - {backup_name} @ {server_alias}",
			Body:     "Backup {backup_name} on {server_alias} finished at {backup_date} with {warnings_count} warnings and {errors_count} errors.\nDuration: {duration}\nUploaded: {uploaded_size}\n{dashboard_url}",
			Priority: "high",
			Tags:     "warning,backup",
		},
		models.TemplateOverdue: {
			Title:    "⏰ Overdue - {backup_name} @ {server_alias}",
			Body:     "Backup {backup_name} on {server_alias} has not run since {last_backup_date} ({last_elapsed}).\nExpected by {expected_date} (every {expected_interval}).\n{dashboard_url}",
			Priority: "high",
			Tags:     "alarm_clock,backup",
		},
	},
	"de": {
		models.TemplateSuccess: {
			Title:    "✅ {status} - {backup_name} @ {server_alias}",
			Body:     "Sicherung {backup_name} auf {server_alias} beendet am {backup_date}.\nDauer: {duration}\nHochgeladen: {uploaded_size} ({added_files} neu, {modified_files} geändert, {deleted_files} gelöscht)\nSpeicher: {storage_size}, {available_versions} Versionen\n{dashboard_url}",
			Priority: "default",
			Tags:     "white_check_mark,backup",
		},
		models.TemplateWarning: {
			Title:    "⚠️ {status} - {backup_name} @ {server_alias}",
			Body:     "Sicherung {backup_name} auf {server_alias} beendet am {backup_date} mit {warnings_count} Warnungen und {errors_count} Fehlern.\nDauer: {duration}\nHochgeladen: {uploaded_size}\n{dashboard_url}",
			Priority: "high",
			Tags:     "warning,backup",
		},
		models.TemplateOverdue: {
			Title:    "⏰ Überfällig - {backup_name} @ {server_alias}",
			Body:     "Sicherung {backup_name} auf {server_alias} lief zuletzt am {last_backup_date}.\nErwartet bis {expected_date} (alle {expected_interval}).\n{dashboard_url}",
			Priority: "high",
			Tags:     "alarm_clock,backup",
		},
	},
}
