package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// Secret is a string that redacts itself when printed or marshaled.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString redacts %#v output.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"[REDACTED]"`
}

// MarshalYAML redacts YAML output.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return "[REDACTED]", nil
}

// MarshalJSON redacts JSON output.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// Reveal returns the raw value, resolving indirection:
//
//	file:/path/to/secret  reads the file, trailing newline trimmed
//	base64:BASE64         decodes the payload
//
// Anything else is taken literally.
func (s Secret) Reveal() (string, error) {
	raw := string(s)
	switch {
	case strings.HasPrefix(raw, "file:"):
		data, err := os.ReadFile(strings.TrimPrefix(raw, "file:"))
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	case strings.HasPrefix(raw, "base64:"):
		data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, "base64:"))
		if err != nil {
			return "", fmt.Errorf("decode base64 secret: %w", err)
		}
		return string(data), nil
	default:
		return raw, nil
	}
}
