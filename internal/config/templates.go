package config

import (
	"fmt"
	"os"

	"github.com/MacJediWizard/duplimon/internal/models"
	"gopkg.in/yaml.v3"
)

// TemplateSet maps a language tag to the templates for that language.
type TemplateSet map[string]map[models.TemplateKind]models.NotificationTemplate

// templatesFile is the on-disk shape of NOTIFICATION_TEMPLATES_FILE:
//
//	en:
//	  success:
//	    title: "..."
//	    body: "..."
type templatesFile map[string]map[string]models.NotificationTemplate

// LoadTemplates reads notification template overrides from a YAML file.
// A missing path returns an empty set.
func LoadTemplates(path string) (TemplateSet, error) {
	if path == "" {
		return TemplateSet{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TemplateSet{}, nil
		}
		return nil, fmt.Errorf("read templates file: %w", err)
	}

	var raw templatesFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse templates file: %w", err)
	}

	set := make(TemplateSet, len(raw))
	for lang, byKind := range raw {
		set[lang] = make(map[models.TemplateKind]models.NotificationTemplate, len(byKind))
		for kind, tmpl := range byKind {
			k := models.TemplateKind(kind)
			switch k {
			case models.TemplateSuccess, models.TemplateWarning, models.TemplateOverdue:
			default:
				return nil, fmt.Errorf("templates file: unknown template %q for language %q", kind, lang)
			}
			set[lang][k] = tmpl
		}
	}
	return set, nil
}
