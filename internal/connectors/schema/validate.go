package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError lists every violation reported for a value.
type ValidationError struct {
	Subject string
	Issues  []string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	subject := strings.TrimSpace(e.Subject)
	if subject == "" {
		subject = "value"
	}
	if len(e.Issues) == 0 {
		return subject + " is invalid"
	}
	return fmt.Sprintf("%s is invalid: %s", subject, strings.Join(e.Issues, "; "))
}

// Validate checks value against a JSON-schema document. An empty schema
// accepts anything; an empty value is validated as an empty object.
func Validate(subject string, schemaDoc, value json.RawMessage) error {
	if isEmptyJSON(schemaDoc) {
		return nil
	}
	if isEmptyJSON(value) {
		value = json.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaDoc),
		gojsonschema.NewBytesLoader(value),
	)
	if err != nil {
		return &ValidationError{Subject: subject, Issues: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, e.String())
	}
	return &ValidationError{Subject: subject, Issues: issues}
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

// ObjectOrEmpty returns raw, or "{}" when raw is empty or null.
func ObjectOrEmpty(raw json.RawMessage) json.RawMessage {
	if isEmptyJSON(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}
