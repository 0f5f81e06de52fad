package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

const apiKeySettingsSchema = `{
	"type": "object",
	"required": ["api_key"],
	"properties": {
		"api_key": {"type": "string", "minLength": 1},
		"site": {"type": "string"}
	}
}`

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		schema  string
		value   string
		wantErr bool
	}{
		{name: "empty schema accepts anything", schema: "", value: `{"x":1}`},
		{name: "null schema accepts anything", schema: "null", value: `[]`},
		{name: "valid value", schema: apiKeySettingsSchema, value: `{"api_key":"k"}`},
		{name: "missing required", schema: apiKeySettingsSchema, value: `{"site":"eu"}`, wantErr: true},
		{name: "empty value is an empty object", schema: apiKeySettingsSchema, value: ``, wantErr: true},
		{name: "wrong type", schema: apiKeySettingsSchema, value: `{"api_key":3}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate("settings", json.RawMessage(tt.schema), json.RawMessage(tt.value))
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Validate() err = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() err = %v, want *ValidationError", err)
			}
			if len(verr.Issues) == 0 {
				t.Fatal("ValidationError has no issues")
			}
			if !strings.HasPrefix(verr.Error(), "settings is invalid") {
				t.Fatalf("Error() = %q", verr.Error())
			}
		})
	}
}

func TestOAuthSettings_RoundTripPreservesOtherKeys(t *testing.T) {
	t.Parallel()

	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	settings := json.RawMessage(`{"installation_id":"42"}`)
	out, err := WithOAuthSettings(settings, OAuthSettings{Credentials: OAuthCredentials{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    &exp,
	}})
	if err != nil {
		t.Fatalf("WithOAuthSettings() err = %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("json.Unmarshal() err = %v", err)
	}
	if doc["installation_id"] != "42" {
		t.Fatalf("installation_id = %v, want 42", doc["installation_id"])
	}

	parsed, ok := ParseOAuthSettings(out)
	if !ok {
		t.Fatal("ParseOAuthSettings() ok = false")
	}
	if !parsed.Credentials.Refreshable() {
		t.Fatal("Refreshable() = false, want true")
	}
	if !parsed.Credentials.ExpiresBefore(exp.Add(time.Minute)) {
		t.Fatal("ExpiresBefore() = false, want true")
	}
	if parsed.Credentials.ExpiresBefore(exp.Add(-time.Minute)) {
		t.Fatal("ExpiresBefore() = true, want false")
	}
}

func TestParseOAuthSettings_Missing(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "null", `{"api_key":"x"}`, `not json`} {
		if _, ok := ParseOAuthSettings(json.RawMessage(raw)); ok {
			t.Fatalf("ParseOAuthSettings(%q) ok = true, want false", raw)
		}
	}
}
