package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SecretKeys are removed from payloads before they are stored for audit.
var SecretKeys = []string{"password"}

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
)

// MaskEmail keeps the first character of the local part and the domain: "j***@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "[email_redacted]"
	}
	return email[:1] + "***" + email[at:]
}

func MaskPIIString(value string) string {
	masked := emailPattern.ReplaceAllStringFunc(value, MaskEmail)
	return phonePattern.ReplaceAllString(masked, "[phone_redacted]")
}

// MaskPIIJSON masks emails and phone numbers in every string of a JSON document, and drops secret keys.
// Bodies that are not JSON are masked as plain text.
func MaskPIIJSON(payload json.RawMessage) json.RawMessage {
	if strings.TrimSpace(string(payload)) == "" {
		return append(json.RawMessage(nil), payload...)
	}

	decoded, err := decode(payload)
	if err != nil {
		return json.RawMessage(MaskPIIString(string(payload)))
	}
	redacted := scrub{drop: keySet(SecretKeys), text: MaskPIIString}
	encoded, err := json.Marshal(redacted.walk(decoded))
	if err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return encoded
}

// StripKeys removes the given keys at any depth of a JSON document.
func StripKeys(payload json.RawMessage, keys ...string) (json.RawMessage, error) {
	decoded, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	encoded, err := json.Marshal(scrub{drop: keySet(keys)}.walk(decoded))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return encoded, nil
}

// decode keeps numbers as json.Number so re-encoding reproduces their literal text.
func decode(payload json.RawMessage) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, errors.New("unexpected data after top-level value")
	}
	return decoded, nil
}

func keySet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}
	return set
}

// scrub rebuilds a decoded JSON value without the dropped keys, rewriting strings through text when set.
type scrub struct {
	drop map[string]bool
	text func(string) string
}

func (s scrub) walk(value any) any {
	switch node := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for key, child := range node {
			if !s.drop[key] {
				out[key] = s.walk(child)
			}
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = s.walk(child)
		}
		return out
	case string:
		if s.text != nil {
			return s.text(node)
		}
		return node
	default:
		return value
	}
}
