package duplicati

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const redacted = "[redacted]"

var sensitiveMarkers = []string{
	"passphrase",
	"password",
	"secret",
	"token",
	"auth-",
	"access-key",
	"accesskey",
	"api-key",
	"apikey",
}

func isSensitiveName(name string) bool {
	n := strings.ToLower(strings.TrimLeft(name, "-"))
	for _, m := range sensitiveMarkers {
		if strings.Contains(n, m) {
			return true
		}
	}
	return false
}

// SchemeOnly reduces a destination URL to its scheme, e.g. "s3://".
func SchemeOnly(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i > 0 {
		return rawURL[:i+3]
	}
	if rawURL == "" {
		return ""
	}
	return redacted
}

// Sanitize returns a copy of a JSON document with credentials removed.
// Destination URLs keep only their scheme; option values and fields whose
// names mark them as secrets are replaced.
func Sanitize(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return json.Marshal(sanitizeValue(v))
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return sanitizeObject(t)
	case []any:
		for i := range t {
			t[i] = sanitizeValue(t[i])
		}
		return t
	case string:
		return sanitizeArgument(t)
	default:
		return v
	}
}

func sanitizeObject(obj map[string]any) map[string]any {
	// {"Name": "passphrase", "Value": "..."} option pairs.
	if name, ok := obj["Name"].(string); ok && isSensitiveName(name) {
		for _, k := range []string{"Value", "DefaultValue"} {
			if s, ok := obj[k].(string); ok && s != "" {
				obj[k] = redacted
			}
		}
	}

	for k, val := range obj {
		lk := strings.ToLower(k)
		switch {
		case lk == "targeturl":
			if s, ok := val.(string); ok {
				obj[k] = SchemeOnly(s)
			}
		case lk == "name" || lk == "value" || lk == "defaultvalue":
			if _, ok := val.(string); !ok {
				obj[k] = sanitizeValue(val)
			}
		case isSensitiveName(k):
			if s, ok := val.(string); ok && s != "" {
				obj[k] = redacted
			} else if !ok {
				obj[k] = sanitizeValue(val)
			}
		default:
			obj[k] = sanitizeValue(val)
		}
	}
	return obj
}

// sanitizeArgument redacts "--passphrase=..." style command line arguments
// and credentials embedded in URLs.
func sanitizeArgument(s string) string {
	if strings.HasPrefix(s, "--") {
		if i := strings.Index(s, "="); i > 0 && isSensitiveName(s[:i]) {
			return s[:i+1] + redacted
		}
	}
	if i := strings.Index(s, "://"); i > 0 && !strings.ContainsAny(s[:i], " \t") {
		return SchemeOnly(s)
	}
	return s
}
