// Package google is the Google account connector. A Workspace account's
// hosted domain is recorded as its integration.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/oauth"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

const Name = configstore.KindGoogle

const defaultTimeout = 30 * time.Second

var defaultScopes = []string{"openid", "email", "profile"}

var configSchema = json.RawMessage(`{
  "type": "object",
  "required": ["client_id", "client_secret"],
  "properties": {
    "client_id": {"type": "string", "minLength": 1},
    "client_secret": {"type": "string", "minLength": 1},
    "scopes": {"type": "array", "items": {"type": "string"}},
    "revoke_url": {"type": "string"},
    "userinfo_url": {"type": "string"}
  }
}`)

var errUnauthorized = errors.New("google rejected the access token")

type Connector struct {
	HTTPClient *http.Client
}

type UserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	HostedDomain  string `json:"hd"`
}

func (c Connector) provider() oauth.Provider {
	return oauth.Provider{
		Connector: Name,
		Endpoint:  googleoauth.Endpoint,
		AuthCodeOptions: []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("prompt", "consent"),
			oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		},
		HTTPClient: c.HTTPClient,
	}
}

func (c Connector) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func decodeApp(raw json.RawMessage) (configstore.OAuthAppConfig, error) {
	cfg, err := configstore.DecodeGoogleConfig(raw)
	if err != nil {
		return configstore.OAuthAppConfig{}, err
	}
	app := cfg.OAuthAppConfig
	if len(app.Scopes) == 0 {
		app.Scopes = defaultScopes
	}
	return app, nil
}

func (c Connector) Bundle() registry.Bundle {
	b := registry.Bundle{
		Definition: schema.Definition{
			Name: Name,
			Metadata: schema.Metadata{
				DisplayName: "Google",
				Stage:       schema.StageBeta,
				LogoURL:     "https://www.gstatic.com/images/branding/product/1x/googleg_48dp.png",
				Verticals:   []string{"productivity", "identity"},
			},
			Schemas: schema.Schemas{ConnectorConfig: configSchema},
		},
		PostConnect:      c.postConnect,
		CheckConnection:  c.check,
		RevokeConnection: c.revoke,
	}
	return c.provider().Capabilities(b, decodeApp)
}

func (c Connector) postConnect(ctx context.Context, in registry.PostConnectInput) (schema.ConnectionUpdate, error) {
	cfg, err := configstore.DecodeGoogleConfig(in.Config)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	app, _ := decodeApp(in.Config)
	update, tok, err := c.provider().Exchange(ctx, app, in.Context, in.Output)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	info, err := c.userInfo(ctx, cfg.UserInfoURL, tok.AccessToken)
	if err != nil {
		return schema.ConnectionUpdate{}, fmt.Errorf("fetch google userinfo: %w", err)
	}
	if in.Context.ConnectionExternalID == "" && info.Subject != "" {
		update.ExternalID = info.Subject
	}
	update.DisplayName = info.Email
	if update.Metadata, err = json.Marshal(info); err != nil {
		return schema.ConnectionUpdate{}, err
	}
	if info.HostedDomain != "" {
		update.Integration = &schema.Integration{ExternalID: info.HostedDomain, Name: info.HostedDomain}
	}
	return update, nil
}

func (c Connector) check(ctx context.Context, in registry.ConnectionInput) (schema.ConnectionUpdate, error) {
	cfg, err := configstore.DecodeGoogleConfig(in.Config)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	tok, err := oauth.Token(in.Connection.Settings)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	info, err := c.userInfo(ctx, cfg.UserInfoURL, tok.AccessToken)
	if errors.Is(err, errUnauthorized) {
		msg := "Google rejected the access token"
		return schema.ConnectionUpdate{Status: schema.StatusError, StatusMessage: &msg}, nil
	}
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	msg := ""
	return schema.ConnectionUpdate{Status: schema.StatusHealthy, StatusMessage: &msg, DisplayName: info.Email}, nil
}

// revoke revokes the refresh token when there is one, which also
// invalidates its access tokens.
func (c Connector) revoke(ctx context.Context, in registry.ConnectionInput) error {
	cfg, err := configstore.DecodeGoogleConfig(in.Config)
	if err != nil {
		return err
	}
	tok, err := oauth.Token(in.Connection.Settings)
	if err != nil {
		return err
	}
	token := tok.RefreshToken
	if token == "" {
		token = tok.AccessToken
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	// invalid_token means the grant is already gone.
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error == "invalid_token" {
		return nil
	}
	return fmt.Errorf("google revoke failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

func (c Connector) userInfo(ctx context.Context, endpoint, accessToken string) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return UserInfo{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return UserInfo{}, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return UserInfo{}, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("google userinfo failed: %s", resp.Status)
	}
	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return UserInfo{}, err
	}
	return info, nil
}
