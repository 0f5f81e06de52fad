// Package schema holds the vocabulary shared by the connector registry, the
// connection lifecycle controller and the sync pipeline.
package schema

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusManual       Status = "manual"
	StatusUnknown      Status = "unknown"
)

func (s Status) Valid() bool {
	switch s {
	case StatusHealthy, StatusDisconnected, StatusError, StatusManual, StatusUnknown:
		return true
	default:
		return false
	}
}

type AuthType string

const (
	AuthTypeOAuth2 AuthType = "oauth2"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeCustom AuthType = "custom"
)

type Stage string

const (
	StageAlpha Stage = "alpha"
	StageBeta  Stage = "beta"
	StageGA    Stage = "ga"
)

// Schemas are JSON-schema documents. An empty schema accepts any value.
type Schemas struct {
	ConnectorConfig    json.RawMessage
	ConnectionSettings json.RawMessage
	PreConnectInput    json.RawMessage
	ConnectInput       json.RawMessage
	ConnectOutput      json.RawMessage
	WebhookInput       json.RawMessage
}

// Metadata describes a connector for listing and UI purposes.
type Metadata struct {
	DisplayName string
	AuthType    AuthType
	Stage       Stage
	LogoURL     string
	Verticals   []string
}

// Definition is the immutable description of a connector.
type Definition struct {
	Name     string
	Metadata Metadata
	Schemas  Schemas
}

// ConnectorConfig is a tenant's instantiation of a connector.
type ConnectorConfig struct {
	ID            string
	OrgID         string
	ConnectorName string
	Config        json.RawMessage
	Disabled      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Connection is one customer's authenticated link to a connector.
type Connection struct {
	ID                string          `json:"id"`
	ConnectorConfigID string          `json:"connector_config_id"`
	ConnectorName     string          `json:"connector_name"`
	CustomerID        string          `json:"customer_id,omitempty"`
	IntegrationID     string          `json:"integration_id,omitempty"`
	DisplayName       string          `json:"display_name,omitempty"`
	Settings          json.RawMessage `json:"settings"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	Status            Status          `json:"status"`
	StatusMessage     string          `json:"status_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Integration is a sub-entity discovered under a connection, such as a
// GitHub app installation.
type Integration struct {
	ExternalID string          `json:"external_id"`
	Name       string          `json:"name,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// ConnectionUpdate is a partial connection patch. Nil or empty fields leave
// the stored value untouched.
type ConnectionUpdate struct {
	ExternalID    string          `json:"external_id,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	DisplayName   string          `json:"display_name,omitempty"`
	Settings      json.RawMessage `json:"settings,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Status        Status          `json:"status,omitempty"`
	StatusMessage *string         `json:"status_message,omitempty"`
	Integration   *Integration    `json:"integration,omitempty"`
}

// ConnectContext identifies who is connecting and where the flow returns to.
type ConnectContext struct {
	OrgID      string
	CustomerID string
	// ConnectionExternalID is set when reconnecting an existing connection.
	ConnectionExternalID string
	RedirectURL          string
}

// WebhookInput is the passthrough body of a webhook delivery.
type WebhookInput struct {
	Headers http.Header     `json:"headers"`
	Query   url.Values      `json:"query"`
	Body    json.RawMessage `json:"body"`
}

// WebhookResult carries the connection updates derived from a webhook plus an
// optional response body for the sender.
type WebhookResult struct {
	ConnectionUpdates []ConnectionUpdate `json:"connectionUpdates"`
	Response          json.RawMessage    `json:"response,omitempty"`
}
