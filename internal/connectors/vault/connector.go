// Package vault is the HashiCorp Vault connector. A connection holds either
// a static token or AppRole credentials; the current client token is also
// mirrored into the oauth settings section so the refresh scheduler renews
// it before it expires.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/pipeline"
)

const Name = configstore.KindVault

var (
	configSchema = json.RawMessage(`{
  "type": "object",
  "required": ["address"],
  "properties": {
    "address": {"type": "string", "minLength": 1},
    "namespace": {"type": "string"},
    "tls_skip_verify": {"type": "boolean"},
    "tls_ca_cert_pem": {"type": "string"}
  }
}`)

	credentialsSchema = json.RawMessage(`{
  "type": "object",
  "required": ["auth_type"],
  "properties": {
    "auth_type": {"enum": ["token", "approle"]},
    "token": {"type": "string"},
    "approle_mount_path": {"type": "string"},
    "approle_role_id": {"type": "string"},
    "approle_secret_id": {"type": "string"}
  }
}`)
)

type Connector struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

func (c Connector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Connector) Bundle() registry.Bundle {
	return registry.Bundle{
		Definition: schema.Definition{
			Name: Name,
			Metadata: schema.Metadata{
				DisplayName: "HashiCorp Vault",
				AuthType:    schema.AuthTypeCustom,
				Stage:       schema.StageBeta,
				LogoURL:     "https://www.vaultproject.io/img/logo-hashicorp.svg",
				Verticals:   []string{"security"},
			},
			Schemas: schema.Schemas{
				ConnectorConfig:    configSchema,
				ConnectionSettings: credentialsSchema,
				ConnectOutput:      credentialsSchema,
			},
		},
		NewInstance:       c.newInstance,
		PostConnect:       c.postConnect,
		CheckConnection:   c.check,
		RefreshConnection: c.refresh,
		RevokeConnection:  c.revoke,
		SourceSync:        c.sourceSync,
	}
}

func (c Connector) client(config, settings json.RawMessage) (*Client, error) {
	cfg, err := configstore.DecodeVaultConfig(config)
	if err != nil {
		return nil, err
	}
	creds, err := configstore.DecodeVaultSettings(settings)
	if err != nil {
		return nil, err
	}
	return New(cfg, creds, c.HTTPClient)
}

func (c Connector) newInstance(_ context.Context, in registry.InstanceInput) (registry.Instance, error) {
	if len(in.Settings) == 0 {
		return nil, nil
	}
	return c.client(in.Config, in.Settings)
}

func clientOf(i registry.Instance) (*Client, error) {
	client, ok := i.(*Client)
	if !ok || client == nil {
		return nil, errors.New("vault: connection has no credentials")
	}
	return client, nil
}

// ensureToken logs in with AppRole when the connection holds no token yet.
func ensureToken(ctx context.Context, client *Client) error {
	if client.client.Token() != "" {
		return nil
	}
	_, err := client.Login(ctx)
	return err
}

func (c Connector) postConnect(ctx context.Context, in registry.PostConnectInput) (schema.ConnectionUpdate, error) {
	client, err := c.client(in.Config, in.Output)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	if client.settings.AuthType == configstore.VaultAuthTypeAppRole {
		if _, err := client.Login(ctx); err != nil {
			return schema.ConnectionUpdate{}, err
		}
	}
	tok, err := client.LookupSelf(ctx)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	settings, err := c.settingsWithToken(client.settings, tok)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	metadata, err := json.Marshal(map[string]any{
		"display_name": tok.DisplayName,
		"entity_id":    tok.EntityID,
		"policies":     tok.Policies,
	})
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	cfg, _ := configstore.DecodeVaultConfig(in.Config)
	update := schema.ConnectionUpdate{
		CustomerID:  in.Context.CustomerID,
		DisplayName: cfg.SourceName(),
		Settings:    settings,
		Metadata:    metadata,
		Status:      schema.StatusHealthy,
	}
	// Keying by entity keeps AppRole re-logins on the same connection.
	if in.Context.ConnectionExternalID == "" {
		update.ExternalID = tok.EntityID
	}
	return update, nil
}

func (c Connector) check(ctx context.Context, in registry.ConnectionInput) (schema.ConnectionUpdate, error) {
	client, err := clientOf(in.Instance)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	if err := ensureToken(ctx, client); err != nil && !errors.Is(err, ErrPermissionDenied) {
		return schema.ConnectionUpdate{}, err
	}
	_, err = client.LookupSelf(ctx)
	if errors.Is(err, ErrPermissionDenied) {
		msg := "Vault rejected the token"
		return schema.ConnectionUpdate{Status: schema.StatusError, StatusMessage: &msg}, nil
	}
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	msg := ""
	return schema.ConnectionUpdate{Status: schema.StatusHealthy, StatusMessage: &msg}, nil
}

// refresh logs in again for AppRole and renews the token otherwise.
func (c Connector) refresh(ctx context.Context, in registry.ConnectionInput) (json.RawMessage, error) {
	client, err := clientOf(in.Instance)
	if err != nil {
		return nil, err
	}
	var tok Token
	if client.settings.AuthType == configstore.VaultAuthTypeAppRole {
		tok, err = client.Login(ctx)
	} else {
		tok, err = client.RenewSelf(ctx)
	}
	if err != nil {
		return nil, err
	}
	return c.settingsWithToken(client.settings, tok)
}

func (c Connector) revoke(ctx context.Context, in registry.ConnectionInput) error {
	client, err := clientOf(in.Instance)
	if err != nil {
		return err
	}
	if client.client.Token() == "" {
		return nil
	}
	return client.RevokeSelf(ctx)
}

func (c Connector) sourceSync(ctx context.Context, in registry.SourceSyncInput) pipeline.Seq {
	return func(yield func(pipeline.Op, error) bool) {
		client, err := clientOf(in.Instance)
		if err == nil {
			err = ensureToken(ctx, client)
		}
		if err != nil {
			yield(pipeline.Op{}, err)
			return
		}
		entities, err := client.ListEntities(ctx)
		if err != nil {
			yield(pipeline.Op{}, err)
			return
		}
		for _, e := range entities {
			if !yield(pipeline.DataOp("entity", e.ID, e.RawJSON), nil) {
				return
			}
		}
		if !yield(pipeline.CommitOp(), nil) {
			return
		}
		yield(pipeline.ReadyOp(Name), nil)
	}
}

// settingsWithToken stores tok as the connection's current token. The
// accessor stands in for a refresh token when the token can be re-issued.
func (c Connector) settingsWithToken(creds configstore.VaultSettings, tok Token) (json.RawMessage, error) {
	creds.Token = tok.ID
	creds.TokenAccessor = tok.Accessor
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	oauth := schema.OAuthSettings{
		Credentials:   schema.OAuthCredentials{AccessToken: tok.ID, TokenType: "vault"},
		LastFetchedAt: &now,
	}
	if creds.AuthType == configstore.VaultAuthTypeAppRole || tok.Renewable {
		oauth.Credentials.RefreshToken = tok.Accessor
	}
	if tok.TTL > 0 {
		exp := now.Add(tok.TTL)
		oauth.Credentials.ExpiresAt = &exp
	}
	return schema.WithOAuthSettings(raw, oauth)
}
