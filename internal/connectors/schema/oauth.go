package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// OAuthCredentials is the token set stored under settings.oauth.credentials.
type OAuthCredentials struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	TokenType    string          `json:"token_type,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	Scope        string          `json:"scope,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// OAuthSettings is the settings.oauth sub-document.
type OAuthSettings struct {
	Credentials   OAuthCredentials `json:"credentials"`
	LastFetchedAt *time.Time       `json:"last_fetched_at,omitempty"`
}

// Refreshable reports whether the credentials carry both a refresh token and
// an expiry.
func (c OAuthCredentials) Refreshable() bool {
	return strings.TrimSpace(c.RefreshToken) != "" && c.ExpiresAt != nil && !c.ExpiresAt.IsZero()
}

// ExpiresBefore reports whether the credentials expire before cutoff.
func (c OAuthCredentials) ExpiresBefore(cutoff time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(cutoff)
}

// ParseOAuthSettings reads settings.oauth. ok is false when the settings have
// no oauth section or it cannot be decoded.
func ParseOAuthSettings(settings json.RawMessage) (OAuthSettings, bool) {
	if isEmptyJSON(settings) {
		return OAuthSettings{}, false
	}
	var envelope struct {
		OAuth *OAuthSettings `json:"oauth"`
	}
	if err := json.Unmarshal(settings, &envelope); err != nil || envelope.OAuth == nil {
		return OAuthSettings{}, false
	}
	return *envelope.OAuth, true
}

// WithOAuthSettings returns settings with the oauth section replaced. Other
// top-level keys are preserved.
func WithOAuthSettings(settings json.RawMessage, oauth OAuthSettings) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if !isEmptyJSON(settings) {
		if err := json.Unmarshal(settings, &doc); err != nil {
			return nil, err
		}
	}
	encoded, err := json.Marshal(oauth)
	if err != nil {
		return nil, err
	}
	doc["oauth"] = encoded
	return json.Marshal(doc)
}
