// Package github is the GitHub OAuth app connector: connect, check, revoke,
// repository sync, installation listing and webhook deliveries.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/oauth"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/cursor"
	"github.com/open-sspm/open-connect/internal/pipeline"
	githuboauth "golang.org/x/oauth2/github"
)

const Name = configstore.KindGitHub

var configSchema = json.RawMessage(`{
  "type": "object",
  "required": ["client_id", "client_secret"],
  "properties": {
    "client_id": {"type": "string", "minLength": 1},
    "client_secret": {"type": "string", "minLength": 1},
    "scopes": {"type": "array", "items": {"type": "string"}},
    "api_base": {"type": "string"},
    "webhook_secret": {"type": "string"}
  }
}`)

// Connector builds the GitHub bundle. HTTPClient is used for every outbound
// call when set.
type Connector struct {
	HTTPClient *http.Client
}

type instance struct {
	cfg    configstore.GitHubConfig
	client *Client
}

type syncState struct {
	Cursor string `json:"cursor,omitempty"`
}

func (c Connector) provider() oauth.Provider {
	return oauth.Provider{Connector: Name, Endpoint: githuboauth.Endpoint, HTTPClient: c.HTTPClient}
}

func (c Connector) newClient(cfg configstore.GitHubConfig, token string) (*Client, error) {
	client, err := New(cfg.APIBase, token)
	if err != nil {
		return nil, err
	}
	if c.HTTPClient != nil {
		client.HTTP = c.HTTPClient
	}
	return client, nil
}

func decodeApp(raw json.RawMessage) (configstore.OAuthAppConfig, error) {
	cfg, err := configstore.DecodeGitHubConfig(raw)
	return cfg.OAuthAppConfig, err
}

func (c Connector) Bundle() registry.Bundle {
	b := registry.Bundle{
		Definition: schema.Definition{
			Name: Name,
			Metadata: schema.Metadata{
				DisplayName: "GitHub",
				Stage:       schema.StageGA,
				LogoURL:     "https://github.githubassets.com/favicons/favicon.svg",
				Verticals:   []string{"engineering"},
			},
			Schemas: schema.Schemas{ConnectorConfig: configSchema},
		},
		NewInstance:      c.newInstance,
		PostConnect:      c.postConnect,
		CheckConnection:  c.check,
		RevokeConnection: c.revoke,
		HandleWebhook:    c.handleWebhook,
		SourceSync:       c.sourceSync,
		ListIntegrations: c.listIntegrations,
	}
	return c.provider().Capabilities(b, decodeApp)
}

func (c Connector) newInstance(_ context.Context, in registry.InstanceInput) (registry.Instance, error) {
	cfg, err := configstore.DecodeGitHubConfig(in.Config)
	if err != nil {
		return nil, err
	}
	inst := &instance{cfg: cfg}
	if tok, err := oauth.Token(in.Settings); err == nil {
		if inst.client, err = c.newClient(cfg, tok.AccessToken); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func clientOf(i registry.Instance) (*instance, error) {
	inst, ok := i.(*instance)
	if !ok || inst == nil {
		return nil, errors.New("github: missing instance")
	}
	if inst.client == nil {
		return nil, errors.New("github: connection has no access token")
	}
	return inst, nil
}

// postConnect exchanges the code and keys the connection by GitHub user id,
// so reconnecting the same account reuses its row.
func (c Connector) postConnect(ctx context.Context, in registry.PostConnectInput) (schema.ConnectionUpdate, error) {
	cfg, err := configstore.DecodeGitHubConfig(in.Config)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	update, tok, err := c.provider().Exchange(ctx, cfg.OAuthAppConfig, in.Context, in.Output)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	client, err := c.newClient(cfg, tok.AccessToken)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	user, err := client.GetAuthenticatedUser(ctx)
	if err != nil {
		return schema.ConnectionUpdate{}, fmt.Errorf("fetch github user: %w", err)
	}
	if in.Context.ConnectionExternalID == "" {
		update.ExternalID = strconv.FormatInt(user.ID, 10)
	}
	update.DisplayName = user.Login
	update.Metadata, err = json.Marshal(map[string]any{"login": user.Login, "user_id": user.ID, "type": user.Type})
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	return update, nil
}

func (c Connector) check(ctx context.Context, in registry.ConnectionInput) (schema.ConnectionUpdate, error) {
	inst, err := clientOf(in.Instance)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	user, err := inst.client.GetAuthenticatedUser(ctx)
	if errors.Is(err, ErrUnauthorized) {
		msg := "GitHub rejected the access token"
		return schema.ConnectionUpdate{Status: schema.StatusError, StatusMessage: &msg}, nil
	}
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	msg := ""
	return schema.ConnectionUpdate{Status: schema.StatusHealthy, StatusMessage: &msg, DisplayName: user.Login}, nil
}

func (c Connector) revoke(ctx context.Context, in registry.ConnectionInput) error {
	inst, err := clientOf(in.Instance)
	if err != nil {
		return err
	}
	return inst.client.RevokeGrant(ctx, inst.cfg.ClientID, inst.cfg.ClientSecret)
}

// sourceSync emits every accessible repository as a "repo" record. The
// cursor is committed after each page; it is cleared after the last page so
// the next run starts over.
func (c Connector) sourceSync(ctx context.Context, in registry.SourceSyncInput) pipeline.Seq {
	return func(yield func(pipeline.Op, error) bool) {
		inst, err := clientOf(in.Instance)
		if err != nil {
			yield(pipeline.Op{}, err)
			return
		}
		var state syncState
		if len(in.State) > 0 {
			_ = json.Unmarshal(in.State, &state)
		}
		page := cursor.PageOrFirst(state.Cursor)
		for {
			repos, hasMore, err := inst.client.ListRepos(ctx, page)
			if err != nil {
				yield(pipeline.Op{}, err)
				return
			}
			for _, r := range repos {
				if !yield(pipeline.DataOp("repo", strconv.FormatInt(r.ID, 10), r.RawJSON), nil) {
					return
				}
			}
			next, _ := json.Marshal(syncState{Cursor: cursor.NextPage(page, hasMore)})
			if !yield(pipeline.StateOp(pipeline.SideSource, pipeline.StatePhaseComplete, next), nil) {
				return
			}
			if !yield(pipeline.CommitOp(), nil) {
				return
			}
			if !hasMore {
				break
			}
			page++
		}
		yield(pipeline.ReadyOp(Name), nil)
	}
}

func (c Connector) listIntegrations(ctx context.Context, in registry.ListIntegrationsInput) (registry.IntegrationPage, error) {
	if in.Connection == nil {
		return registry.IntegrationPage{}, errors.New("github: listing installations needs a connection")
	}
	cfg, err := configstore.DecodeGitHubConfig(in.Config)
	if err != nil {
		return registry.IntegrationPage{}, err
	}
	tok, err := oauth.Token(in.Connection.Settings)
	if err != nil {
		return registry.IntegrationPage{}, err
	}
	client, err := c.newClient(cfg, tok.AccessToken)
	if err != nil {
		return registry.IntegrationPage{}, err
	}
	page := cursor.PageOrFirst(in.Cursor)
	installs, hasMore, err := client.ListInstallations(ctx, page)
	if err != nil {
		return registry.IntegrationPage{}, err
	}
	out := registry.IntegrationPage{Items: make([]schema.Integration, 0, len(installs)), NextCursor: cursor.NextPage(page, hasMore)}
	for _, inst := range installs {
		out.Items = append(out.Items, schema.Integration{
			ExternalID: strconv.FormatInt(inst.ID, 10),
			Name:       inst.AccountLogin,
			Raw:        inst.RawJSON,
		})
	}
	return out, nil
}
