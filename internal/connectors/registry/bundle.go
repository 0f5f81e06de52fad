package registry

import (
	"context"
	"encoding/json"

	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/pipeline"
)

// Capability names one optional function of a Bundle.
type Capability string

const (
	CapNewInstance       Capability = "newInstance"
	CapPreConnect        Capability = "preConnect"
	CapPostConnect       Capability = "postConnect"
	CapCheckConnection   Capability = "checkConnection"
	CapRefreshConnection Capability = "refreshConnection"
	CapRevokeConnection  Capability = "revokeConnection"
	CapHandleWebhook     Capability = "handleWebhook"
	CapSourceSync        Capability = "sourceSync"
	CapDestinationSync   Capability = "destinationSync"
	CapListIntegrations  Capability = "listIntegrations"
)

// AllCapabilities lists capabilities in display order.
var AllCapabilities = []Capability{
	CapNewInstance,
	CapPreConnect,
	CapPostConnect,
	CapCheckConnection,
	CapRefreshConnection,
	CapRevokeConnection,
	CapHandleWebhook,
	CapSourceSync,
	CapDestinationSync,
	CapListIntegrations,
}

// Instance is a connector client handle built by NewInstance. Capabilities
// receive it back untouched; nil when the connector has no NewInstance.
type Instance any

type InstanceInput struct {
	Config   json.RawMessage
	Settings json.RawMessage
	Context  schema.ConnectContext
}

type PreConnectInput struct {
	Config   json.RawMessage
	Context  schema.ConnectContext
	Input    json.RawMessage
	Instance Instance
}

type PostConnectInput struct {
	Config   json.RawMessage
	Context  schema.ConnectContext
	Output   json.RawMessage
	Instance Instance
}

// ConnectionInput is handed to every capability that acts on an existing
// connection.
type ConnectionInput struct {
	Config     json.RawMessage
	Connection schema.Connection
	Instance   Instance
}

type WebhookRequest struct {
	// Config is empty when the delivery did not name a connector config.
	Config json.RawMessage
	Input  schema.WebhookInput
}

type SourceSyncInput struct {
	ConnectionInput
	State json.RawMessage
}

type ListIntegrationsInput struct {
	Config json.RawMessage
	// Connection is nil for connectors that list integrations with config
	// credentials alone.
	Connection *schema.Connection
	Cursor     string
}

type IntegrationPage struct {
	Items      []schema.Integration `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type (
	NewInstanceFunc      func(context.Context, InstanceInput) (Instance, error)
	PreConnectFunc       func(context.Context, PreConnectInput) (json.RawMessage, error)
	PostConnectFunc      func(context.Context, PostConnectInput) (schema.ConnectionUpdate, error)
	CheckConnectionFunc  func(context.Context, ConnectionInput) (schema.ConnectionUpdate, error)
	RefreshFunc          func(context.Context, ConnectionInput) (json.RawMessage, error)
	RevokeFunc           func(context.Context, ConnectionInput) error
	HandleWebhookFunc    func(context.Context, WebhookRequest) (schema.WebhookResult, error)
	SourceSyncFunc       func(context.Context, SourceSyncInput) pipeline.Seq
	DestinationSyncFunc  func(context.Context, ConnectionInput) pipeline.Destination
	ListIntegrationsFunc func(context.Context, ListIntegrationsInput) (IntegrationPage, error)
)

// Bundle is a connector's definition plus whichever capabilities it
// implements. A nil field means the capability is absent.
type Bundle struct {
	Definition schema.Definition

	NewInstance NewInstanceFunc
	// PreConnect defaults to returning an empty object.
	PreConnect PreConnectFunc
	// PostConnect defaults to storing the connect output as settings.
	PostConnect       PostConnectFunc
	CheckConnection   CheckConnectionFunc
	RefreshConnection RefreshFunc
	RevokeConnection  RevokeFunc
	HandleWebhook     HandleWebhookFunc
	SourceSync        SourceSyncFunc
	DestinationSync   DestinationSyncFunc
	ListIntegrations  ListIntegrationsFunc
}

func (b Bundle) Name() string {
	return b.Definition.Name
}

func (b Bundle) Has(c Capability) bool {
	switch c {
	case CapNewInstance:
		return b.NewInstance != nil
	case CapPreConnect:
		return b.PreConnect != nil
	case CapPostConnect:
		return b.PostConnect != nil
	case CapCheckConnection:
		return b.CheckConnection != nil
	case CapRefreshConnection:
		return b.RefreshConnection != nil
	case CapRevokeConnection:
		return b.RevokeConnection != nil
	case CapHandleWebhook:
		return b.HandleWebhook != nil
	case CapSourceSync:
		return b.SourceSync != nil
	case CapDestinationSync:
		return b.DestinationSync != nil
	case CapListIntegrations:
		return b.ListIntegrations != nil
	default:
		return false
	}
}

// Capabilities returns the capabilities present, in AllCapabilities order.
func (b Bundle) Capabilities() []Capability {
	out := make([]Capability, 0, len(AllCapabilities))
	for _, c := range AllCapabilities {
		if b.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Instance builds the connector's client handle, or returns nil when the
// connector has no NewInstance.
func (b Bundle) Instance(ctx context.Context, in InstanceInput) (Instance, error) {
	if b.NewInstance == nil {
		return nil, nil
	}
	return b.NewInstance(ctx, in)
}
