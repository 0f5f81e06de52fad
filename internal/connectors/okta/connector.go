// Package okta is the Okta API token connector. Users are synced
// incrementally by last update time.
package okta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/cursor"
	"github.com/open-sspm/open-connect/internal/pipeline"
)

const Name = configstore.KindOkta

var (
	configSchema = json.RawMessage(`{
  "type": "object",
  "required": ["domain"],
  "properties": {"domain": {"type": "string", "minLength": 1}}
}`)

	tokenSchema = json.RawMessage(`{
  "type": "object",
  "required": ["token"],
  "properties": {"token": {"type": "string", "minLength": 1}}
}`)
)

// DirectoryFunc builds the Okta client for an org URL and API token.
type DirectoryFunc func(baseURL, token string) (Directory, error)

type Connector struct {
	// NewDirectory replaces the SDK-backed client when set.
	NewDirectory DirectoryFunc
}

type syncState struct {
	Cursor string `json:"cursor,omitempty"`
}

func (c Connector) Bundle() registry.Bundle {
	return registry.Bundle{
		Definition: schema.Definition{
			Name: Name,
			Metadata: schema.Metadata{
				DisplayName: "Okta",
				AuthType:    schema.AuthTypeAPIKey,
				Stage:       schema.StageBeta,
				LogoURL:     "https://www.okta.com/sites/default/files/Okta_Logo_BrightBlue_Medium.png",
				Verticals:   []string{"identity"},
			},
			Schemas: schema.Schemas{
				ConnectorConfig:    configSchema,
				ConnectionSettings: tokenSchema,
				ConnectOutput:      tokenSchema,
			},
		},
		NewInstance:     c.newInstance,
		PostConnect:     c.postConnect,
		CheckConnection: c.check,
		SourceSync:      c.sourceSync,
	}
}

func (c Connector) directory(config, settings json.RawMessage) (Directory, configstore.OktaConfig, error) {
	cfg, err := configstore.DecodeOktaConfig(config)
	if err != nil {
		return nil, cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfg, err
	}
	tok, err := configstore.Decode[configstore.OktaSettings](settings)
	if err != nil {
		return nil, cfg, err
	}
	if err := tok.Validate(); err != nil {
		return nil, cfg, err
	}
	if c.NewDirectory != nil {
		dir, err := c.NewDirectory(cfg.BaseURL(), tok.Token)
		return dir, cfg, err
	}
	client, err := New(cfg.BaseURL(), tok.Token)
	if err != nil {
		return nil, cfg, err
	}
	return client, cfg, nil
}

func (c Connector) newInstance(_ context.Context, in registry.InstanceInput) (registry.Instance, error) {
	if len(in.Settings) == 0 {
		return nil, nil
	}
	dir, _, err := c.directory(in.Config, in.Settings)
	return dir, err
}

func directoryOf(i registry.Instance) (Directory, error) {
	dir, ok := i.(Directory)
	if !ok || dir == nil {
		return nil, errors.New("okta: connection has no api token")
	}
	return dir, nil
}

// postConnect keys the connection by org host so one org maps to one
// connection per connector config.
func (c Connector) postConnect(ctx context.Context, in registry.PostConnectInput) (schema.ConnectionUpdate, error) {
	dir, cfg, err := c.directory(in.Config, in.Output)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	if err := dir.Ping(ctx); err != nil {
		return schema.ConnectionUpdate{}, fmt.Errorf("validate okta token: %w", err)
	}
	tok, _ := configstore.Decode[configstore.OktaSettings](in.Output)
	settings, err := json.Marshal(configstore.OktaSettings{Token: tok.Token})
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	host := cfg.Domain
	if u, err := url.Parse(cfg.BaseURL()); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	update := schema.ConnectionUpdate{
		CustomerID:  in.Context.CustomerID,
		DisplayName: host,
		Settings:    settings,
		Status:      schema.StatusHealthy,
	}
	if in.Context.ConnectionExternalID == "" {
		update.ExternalID = host
	}
	return update, nil
}

func (c Connector) check(ctx context.Context, in registry.ConnectionInput) (schema.ConnectionUpdate, error) {
	dir, err := directoryOf(in.Instance)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	err = dir.Ping(ctx)
	if errors.Is(err, ErrUnauthorized) {
		msg := "Okta rejected the API token"
		return schema.ConnectionUpdate{Status: schema.StatusError, StatusMessage: &msg}, nil
	}
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	msg := ""
	return schema.ConnectionUpdate{Status: schema.StatusHealthy, StatusMessage: &msg}, nil
}

// sourceSync emits users updated since the stored cursor. The cursor moves
// to the newest update seen after every page.
func (c Connector) sourceSync(ctx context.Context, in registry.SourceSyncInput) pipeline.Seq {
	return func(yield func(pipeline.Op, error) bool) {
		dir, err := directoryOf(in.Instance)
		if err != nil {
			yield(pipeline.Op{}, err)
			return
		}
		var state syncState
		if len(in.State) > 0 {
			_ = json.Unmarshal(in.State, &state)
		}
		mark, _ := cursor.Decode[cursor.UpdatedAt](state.Cursor)

		errStop := errors.New("stopped")
		err = dir.ListUsersUpdatedSince(ctx, mark.LastUpdatedAt, func(users []User) error {
			for _, u := range users {
				if !yield(pipeline.DataOp("user", u.ID, u.RawJSON), nil) {
					return errStop
				}
				if u.LastUpdated != nil && !u.LastUpdated.Before(mark.LastUpdatedAt) {
					mark = cursor.UpdatedAt{LastUpdatedAt: u.LastUpdated.UTC(), LastID: u.ID}
				}
			}
			next, _ := json.Marshal(syncState{Cursor: cursor.Encode(mark)})
			if !yield(pipeline.StateOp(pipeline.SideSource, pipeline.StatePhaseComplete, next), nil) {
				return errStop
			}
			if !yield(pipeline.CommitOp(), nil) {
				return errStop
			}
			return nil
		})
		if errors.Is(err, errStop) {
			return
		}
		if err != nil {
			yield(pipeline.Op{}, err)
			return
		}
		yield(pipeline.ReadyOp(Name), nil)
	}
}
