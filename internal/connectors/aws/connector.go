// Package aws is the AWS IAM Identity Center connector.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/pipeline"
)

const Name = configstore.KindAWS

var (
	configSchema = json.RawMessage(`{
  "type": "object",
  "required": ["region"],
  "properties": {
    "region": {"type": "string", "minLength": 1},
    "instance_arn": {"type": "string"},
    "endpoint": {"type": "string"}
  }
}`)

	credentialsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "auth_type": {"enum": ["default_chain", "access_key"]},
    "access_key_id": {"type": "string"},
    "secret_access_key": {"type": "string"},
    "session_token": {"type": "string"}
  }
}`)
)

// ClientFunc builds the Identity Center client for one connection.
type ClientFunc func(ctx context.Context, cfg configstore.AWSConfig, settings configstore.AWSSettings) (*Client, error)

type Connector struct {
	HTTPClient *http.Client
	// NewClient replaces the SDK-backed client when set.
	NewClient ClientFunc
}

type syncState struct {
	NextToken string `json:"next_token,omitempty"`
}

func (c Connector) Bundle() registry.Bundle {
	return registry.Bundle{
		Definition: schema.Definition{
			Name: Name,
			Metadata: schema.Metadata{
				DisplayName: "AWS IAM Identity Center",
				AuthType:    schema.AuthTypeCustom,
				Stage:       schema.StageAlpha,
				LogoURL:     "https://a0.awsstatic.com/libra-css/images/site/fav/favicon.ico",
				Verticals:   []string{"cloud", "identity"},
			},
			Schemas: schema.Schemas{
				ConnectorConfig:    configSchema,
				ConnectionSettings: credentialsSchema,
				ConnectOutput:      credentialsSchema,
			},
		},
		NewInstance:      c.newInstance,
		PostConnect:      c.postConnect,
		CheckConnection:  c.check,
		SourceSync:       c.sourceSync,
		ListIntegrations: c.listIntegrations,
	}
}

func (c Connector) client(ctx context.Context, config, settings json.RawMessage) (*Client, error) {
	cfg, err := configstore.DecodeAWSConfig(config)
	if err != nil {
		return nil, err
	}
	creds, err := configstore.Decode[configstore.AWSSettings](settings)
	if err != nil {
		return nil, err
	}
	if c.NewClient != nil {
		return c.NewClient(ctx, cfg, creds.Normalized())
	}
	return New(ctx, cfg, creds, c.HTTPClient)
}

func (c Connector) newInstance(ctx context.Context, in registry.InstanceInput) (registry.Instance, error) {
	return c.client(ctx, in.Config, in.Settings)
}

func clientOf(i registry.Instance) (*Client, error) {
	client, ok := i.(*Client)
	if !ok || client == nil {
		return nil, errors.New("aws: missing client")
	}
	return client, nil
}

// postConnect keys the connection by identity store id.
func (c Connector) postConnect(ctx context.Context, in registry.PostConnectInput) (schema.ConnectionUpdate, error) {
	creds, err := configstore.Decode[configstore.AWSSettings](in.Output)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return schema.ConnectionUpdate{}, err
	}
	settings, err := json.Marshal(creds)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	client, err := c.client(ctx, in.Config, settings)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	inst, err := client.ResolveInstance(ctx)
	if err != nil {
		return schema.ConnectionUpdate{}, fmt.Errorf("resolve identity center instance: %w", err)
	}
	update := schema.ConnectionUpdate{
		CustomerID:  in.Context.CustomerID,
		DisplayName: firstNonEmpty(inst.Name, inst.IdentityStoreID),
		Settings:    settings,
		Metadata:    inst.RawJSON,
		Status:      schema.StatusHealthy,
	}
	if in.Context.ConnectionExternalID == "" {
		update.ExternalID = inst.IdentityStoreID
	}
	return update, nil
}

func (c Connector) check(ctx context.Context, in registry.ConnectionInput) (schema.ConnectionUpdate, error) {
	client, err := clientOf(in.Instance)
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	_, err = client.ResolveInstance(ctx)
	if errors.Is(err, ErrAccessDenied) {
		msg := "AWS rejected the credentials"
		return schema.ConnectionUpdate{Status: schema.StatusError, StatusMessage: &msg}, nil
	}
	if err != nil {
		return schema.ConnectionUpdate{}, err
	}
	msg := ""
	return schema.ConnectionUpdate{Status: schema.StatusHealthy, StatusMessage: &msg}, nil
}

// sourceSync emits identity store users, committing the SDK page token
// after each page.
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
		token := state.NextToken
		for {
			users, next, err := client.ListUsers(ctx, token)
			if err != nil {
				yield(pipeline.Op{}, err)
				return
			}
			for _, u := range users {
				if !yield(pipeline.DataOp("user", u.ID, u.RawJSON), nil) {
					return
				}
			}
			raw, _ := json.Marshal(syncState{NextToken: next})
			if !yield(pipeline.StateOp(pipeline.SideSource, pipeline.StatePhaseComplete, raw), nil) {
				return
			}
			if !yield(pipeline.CommitOp(), nil) {
				return
			}
			if next == "" {
				break
			}
			token = next
		}
		yield(pipeline.ReadyOp(Name), nil)
	}
}

// listIntegrations lists Identity Center instances. Without a connection the
// default credential chain is used.
func (c Connector) listIntegrations(ctx context.Context, in registry.ListIntegrationsInput) (registry.IntegrationPage, error) {
	var settings json.RawMessage
	if in.Connection != nil {
		settings = in.Connection.Settings
	}
	client, err := c.client(ctx, in.Config, settings)
	if err != nil {
		return registry.IntegrationPage{}, err
	}
	instances, err := client.ListInstances(ctx)
	if err != nil {
		return registry.IntegrationPage{}, err
	}
	out := registry.IntegrationPage{Items: make([]schema.Integration, 0, len(instances))}
	for _, inst := range instances {
		out.Items = append(out.Items, schema.Integration{
			ExternalID: inst.IdentityStoreID,
			Name:       firstNonEmpty(inst.Name, inst.Arn),
			Raw:        inst.RawJSON,
		})
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
