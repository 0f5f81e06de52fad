// Package events relays outbox rows to in-process subscribers.
package events

import (
	"encoding/json"
	"time"

	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/db"
	"github.com/open-sspm/open-connect/internal/ids"
)

const (
	TopicConnectionEstablished = "connection.established"
)

// ConnectionEstablished is published after a connection row is first written
// or re-established by a connect flow.
type ConnectionEstablished struct {
	ConnectionID      string        `json:"connection_id"`
	ConnectorConfigID string        `json:"connector_config_id"`
	ConnectorName     string        `json:"connector_name"`
	OrgID             string        `json:"org_id,omitempty"`
	CustomerID        string        `json:"customer_id,omitempty"`
	Status            schema.Status `json:"status"`
	EstablishedAt     time.Time     `json:"established_at"`
}

// NewOutboxEvent encodes payload as an outbox row for topic.
func NewOutboxEvent(topic, connectorName string, payload any) (db.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return db.OutboxEvent{}, err
	}
	return db.OutboxEvent{
		ID:      ids.New(ids.PrefixEvent, connectorName),
		Topic:   topic,
		Payload: body,
	}, nil
}
