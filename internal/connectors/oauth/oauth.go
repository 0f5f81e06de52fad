// Package oauth implements the authorization-code capabilities shared by
// OAuth connectors on top of golang.org/x/oauth2.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/handshake"
	"github.com/open-sspm/open-connect/internal/ids"
	"golang.org/x/oauth2"
)

var (
	ConnectInputSchema = json.RawMessage(`{
  "type": "object",
  "required": ["authorization_url", "state", "connection_id"],
  "properties": {
    "authorization_url": {"type": "string"},
    "state": {"type": "string"},
    "connection_id": {"type": "string"}
  }
}`)

	ConnectOutputSchema = json.RawMessage(`{
  "type": "object",
  "required": ["code", "state"],
  "properties": {
    "code": {"type": "string", "minLength": 1},
    "state": {"type": "string", "minLength": 1}
  }
}`)

	PreConnectInputSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "scopes": {"type": "array", "items": {"type": "string"}}
  }
}`)

	SettingsSchema = json.RawMessage(`{
  "type": "object",
  "required": ["oauth"],
  "properties": {
    "oauth": {
      "type": "object",
      "required": ["credentials"],
      "properties": {
        "credentials": {
          "type": "object",
          "required": ["access_token"],
          "properties": {"access_token": {"type": "string", "minLength": 1}}
        }
      }
    }
  }
}`)
)

// ErrNoRefreshToken is returned when refresh is asked of credentials that
// cannot be refreshed.
var ErrNoRefreshToken = errors.New("oauth credentials have no refresh token")

type ConnectInput struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
	ConnectionID     string `json:"connection_id"`
}

type ConnectOutput struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type preConnectInput struct {
	Scopes []string `json:"scopes"`
}

// Provider is one OAuth authorization server.
type Provider struct {
	Connector       string
	Endpoint        oauth2.Endpoint
	AuthCodeOptions []oauth2.AuthCodeOption
	// HTTPClient is used for token calls when set.
	HTTPClient *http.Client
	Now        func() time.Time
}

func (p Provider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Provider) context(ctx context.Context) context.Context {
	if p.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	return ctx
}

// Config builds the oauth2 client config. App URLs override the endpoint;
// redirectURL is used when the app does not pin one.
func (p Provider) Config(app configstore.OAuthAppConfig, redirectURL string, extraScopes ...string) *oauth2.Config {
	app = app.Normalized()
	endpoint := p.Endpoint
	if app.AuthURL != "" {
		endpoint.AuthURL = app.AuthURL
	}
	if app.TokenURL != "" {
		endpoint.TokenURL = app.TokenURL
	}
	redirect := app.RedirectURL
	if redirect == "" {
		redirect = strings.TrimSpace(redirectURL)
	}
	scopes := append([]string(nil), app.Scopes...)
	for _, s := range extraScopes {
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirect,
		Scopes:       scopes,
	}
}

// PreConnect allocates the connection id the handshake is for and returns
// the authorization URL with that id encoded in state.
func (p Provider) PreConnect(app configstore.OAuthAppConfig, cc schema.ConnectContext, input json.RawMessage) (ConnectInput, error) {
	if err := app.Validate(); err != nil {
		return ConnectInput{}, err
	}
	var in preConnectInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return ConnectInput{}, fmt.Errorf("decode pre-connect input: %w", err)
		}
	}
	connID := p.connectionID(cc.ConnectionExternalID)
	state := ids.EncodeState(connID)
	cfg := p.Config(app, cc.RedirectURL, in.Scopes...)
	opts := append([]oauth2.AuthCodeOption{oauth2.AccessTypeOffline}, p.AuthCodeOptions...)
	return ConnectInput{
		AuthorizationURL: cfg.AuthCodeURL(state, opts...),
		State:            state,
		ConnectionID:     connID,
	}, nil
}

func (p Provider) connectionID(reconnect string) string {
	reconnect = strings.TrimSpace(reconnect)
	if reconnect == "" {
		return ids.New(ids.PrefixConnection, p.Connector)
	}
	if id, err := ids.ParseWithPrefix(reconnect, ids.PrefixConnection); err == nil && id.ConnectorName == p.Connector {
		return id.String()
	}
	return ids.Make(ids.PrefixConnection, p.Connector, reconnect)
}

// Exchange validates state and trades the code for a token. The returned
// update targets the connection named in state.
func (p Provider) Exchange(ctx context.Context, app configstore.OAuthAppConfig, cc schema.ConnectContext, output json.RawMessage) (schema.ConnectionUpdate, *oauth2.Token, error) {
	var out ConnectOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return schema.ConnectionUpdate{}, nil, fmt.Errorf("decode connect output: %w", err)
	}
	if err := handshake.ValidateState(out.State, ""); err != nil {
		return schema.ConnectionUpdate{}, nil, err
	}
	connID, _ := ids.DecodeState(out.State)
	id, err := ids.ParseWithPrefix(connID, ids.PrefixConnection)
	if err != nil {
		return schema.ConnectionUpdate{}, nil, err
	}
	if id.ConnectorName != p.Connector {
		return schema.ConnectionUpdate{}, nil, fmt.Errorf("state is for connector %q, not %q", id.ConnectorName, p.Connector)
	}

	tok, err := p.Config(app, cc.RedirectURL).Exchange(p.context(ctx), strings.TrimSpace(out.Code))
	if err != nil {
		return schema.ConnectionUpdate{}, nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	settings, err := schema.WithOAuthSettings(nil, p.settingsFromToken(tok))
	if err != nil {
		return schema.ConnectionUpdate{}, nil, err
	}
	return schema.ConnectionUpdate{
		ExternalID: id.External,
		CustomerID: cc.CustomerID,
		Settings:   settings,
		Status:     schema.StatusHealthy,
	}, tok, nil
}

// Refresh trades the stored refresh token for a new token set and returns
// settings with the oauth section replaced.
func (p Provider) Refresh(ctx context.Context, app configstore.OAuthAppConfig, settings json.RawMessage) (json.RawMessage, error) {
	current, ok := schema.ParseOAuthSettings(settings)
	if !ok || strings.TrimSpace(current.Credentials.RefreshToken) == "" {
		return nil, ErrNoRefreshToken
	}
	// An expiry in the past forces the token source to refresh.
	stale := &oauth2.Token{
		AccessToken:  current.Credentials.AccessToken,
		RefreshToken: current.Credentials.RefreshToken,
		TokenType:    current.Credentials.TokenType,
		Expiry:       p.now().Add(-time.Minute),
	}
	tok, err := p.Config(app, "").TokenSource(p.context(ctx), stale).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	next := p.settingsFromToken(tok)
	if next.Credentials.RefreshToken == "" {
		next.Credentials.RefreshToken = current.Credentials.RefreshToken
	}
	if next.Credentials.Scope == "" {
		next.Credentials.Scope = current.Credentials.Scope
	}
	return schema.WithOAuthSettings(settings, next)
}

// Token returns the stored access token, or an error when the settings hold
// none.
func Token(settings json.RawMessage) (*oauth2.Token, error) {
	current, ok := schema.ParseOAuthSettings(settings)
	if !ok || strings.TrimSpace(current.Credentials.AccessToken) == "" {
		return nil, errors.New("connection has no oauth access token")
	}
	tok := &oauth2.Token{
		AccessToken:  current.Credentials.AccessToken,
		RefreshToken: current.Credentials.RefreshToken,
		TokenType:    current.Credentials.TokenType,
	}
	if current.Credentials.ExpiresAt != nil {
		tok.Expiry = *current.Credentials.ExpiresAt
	}
	return tok, nil
}

// Client returns an HTTP client that sends the stored access token. It never
// refreshes; that is the scheduler's job.
func (p Provider) Client(ctx context.Context, settings json.RawMessage) (*http.Client, error) {
	tok, err := Token(settings)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(p.context(ctx), oauth2.StaticTokenSource(tok)), nil
}

func (p Provider) settingsFromToken(tok *oauth2.Token) schema.OAuthSettings {
	creds := schema.OAuthCredentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		creds.ExpiresAt = &exp
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		creds.Scope = scope
	}
	now := p.now().UTC()
	return schema.OAuthSettings{Credentials: creds, LastFetchedAt: &now}
}

// Capabilities wires PreConnect, PostConnect and RefreshConnection into b.
// decode reads the app registration from the connector config.
func (p Provider) Capabilities(b registry.Bundle, decode func(json.RawMessage) (configstore.OAuthAppConfig, error)) registry.Bundle {
	b.Definition.Metadata.AuthType = schema.AuthTypeOAuth2
	if len(b.Definition.Schemas.PreConnectInput) == 0 {
		b.Definition.Schemas.PreConnectInput = PreConnectInputSchema
	}
	if len(b.Definition.Schemas.ConnectInput) == 0 {
		b.Definition.Schemas.ConnectInput = ConnectInputSchema
	}
	if len(b.Definition.Schemas.ConnectOutput) == 0 {
		b.Definition.Schemas.ConnectOutput = ConnectOutputSchema
	}
	if len(b.Definition.Schemas.ConnectionSettings) == 0 {
		b.Definition.Schemas.ConnectionSettings = SettingsSchema
	}
	b.PreConnect = func(_ context.Context, in registry.PreConnectInput) (json.RawMessage, error) {
		app, err := decode(in.Config)
		if err != nil {
			return nil, err
		}
		out, err := p.PreConnect(app, in.Context, in.Input)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
	if b.PostConnect == nil {
		b.PostConnect = func(ctx context.Context, in registry.PostConnectInput) (schema.ConnectionUpdate, error) {
			app, err := decode(in.Config)
			if err != nil {
				return schema.ConnectionUpdate{}, err
			}
			u, _, err := p.Exchange(ctx, app, in.Context, in.Output)
			return u, err
		}
	}
	b.RefreshConnection = func(ctx context.Context, in registry.ConnectionInput) (json.RawMessage, error) {
		app, err := decode(in.Config)
		if err != nil {
			return nil, err
		}
		return p.Refresh(ctx, app, in.Connection.Settings)
	}
	return b
}
