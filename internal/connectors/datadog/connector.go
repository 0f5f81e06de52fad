// Package datadog is the Datadog API key connector. The connector config
// picks the site; each connection holds an API and application key pair.
package datadog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/cursor"
	"github.com/open-sspm/open-connect/internal/pipeline"
)

const Name = configstore.KindDatadog

var (
	configSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "site": {"type": "string"},
    "api_base": {"type": "string"}
  }
}`)

	keysSchema = json.RawMessage(`{
  "type": "object",
  "required": ["api_key", "app_key"],
  "properties": {
    "api_key": {"type": "string", "minLength": 1},
    "app_key": {"type": "string", "minLength": 1}
  }
}`)
)

type Connector struct {
	HTTPClient *http.Client
}

type syncState struct {
	Cursor string `json:"cursor,omitempty"`
}

func (c Connector) Bundle() registry.Bundle {
	return registry.Bundle{
		Definition: schema.Definition{
			Name: Name,
			Metadata: schema.Metadata{
				DisplayName: "Datadog",
				AuthType:    schema.AuthTypeAPIKey,
				Stage:       schema.StageBeta,
				LogoURL:     "https://imgix.datadoghq.com/img/dd_logo_n_70x75.png",
				Verticals:   []string{"observability"},
			},
			Schemas: schema.Schemas{
				ConnectorConfig:    configSchema,
				ConnectionSettings: keysSchema,
				ConnectOutput:      keysSchema,
			},
		},
		NewInstance:     c.newInstance,
		PostConnect:     c.postConnect,
		CheckConnection: c.check,
		SourceSync:      c.sourceSync,
	}
}

func (c Connector) client(config, settings json.RawMessage) (*Client, error) {
	cfg, err := configstore.DecodeDatadogConfig(config)
	if err != nil {
		return nil, err
	}
	keys, err := configstore.Decode[configstore.DatadogSettings](settings)
	if err != nil {
		return nil, err
	}
	keys = keys.Normalized()
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	client, err := New(cfg.APIBaseURL(), keys.APIKey, keys.AppKey)
	if err != nil {
		return nil, err
	}
	if c.HTTPClient != nil {
		client.HTTP = c.HTTPClient
	}
	return client, nil
}

func (c Connector) newInstance(_ context.Context, in registry.InstanceInput) (registry.Instance, error) {
	if len(in.Settings) == 0 {
		return nil, nil
	}
	return c.client(in.Config, in.Settings)
}

// postConnect stores the submitted key pair once Datadog accepts it.
func (c Connector) postConnect(ctx context.Context, in registry.PostConnectInput) (schema.ConnectionUpdate, error) {
	client, err := c.client(in.Config, in.Output)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	if err := client.Validate(ctx); err != nil {
		return schema.ConnectionUpdate{}, fmt.Errorf("validate datadog keys: %w", err)
	}
	settings, err := json.Marshal(configstore.DatadogSettings{APIKey: client.APIKey, AppKey: client.AppKey})
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	cfg, _ := configstore.DecodeDatadogConfig(in.Config)
	return schema.ConnectionUpdate{
		CustomerID:  in.Context.CustomerID,
		DisplayName: cfg.Site,
		Settings:    settings,
		Status:      schema.StatusHealthy,
	}, nil
}

func clientOf(i registry.Instance) (*Client, error) {
	client, ok := i.(*Client)
	if !ok || client == nil {
		return nil, errors.New("datadog: connection has no keys")
	}
	return client, nil
}

func (c Connector) check(ctx context.Context, in registry.ConnectionInput) (schema.ConnectionUpdate, error) {
	client, err := clientOf(in.Instance)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	err = client.Validate(ctx)
	if errors.Is(err, ErrUnauthorized) {
		msg := "Datadog rejected the API or application key"
		return schema.ConnectionUpdate{Status: schema.StatusError, StatusMessage: &msg}, nil
	}
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	msg := ""
	return schema.ConnectionUpdate{Status: schema.StatusHealthy, StatusMessage: &msg}, nil
}

// sourceSync emits every user as a "user" record, committing the page
// cursor after each page.
func (c Connector) sourceSync(ctx context.Context, in registry.SourceSyncInput) pipeline.Seq {
	return func(yield func(pipeline.Op, error) bool) {
		client, err := clientOf(in.Instance)
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
			users, hasMore, err := client.ListUsers(ctx, page-1)
			if err != nil {
				yield(pipeline.Op{}, err)
				return
			}
			for _, u := range users {
				if !yield(pipeline.DataOp("user", u.ID, u.RawJSON), nil) {
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
