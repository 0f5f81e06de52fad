package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

const connectionColumns = `
	id, connector_config_id, connector_name, customer_id, COALESCE(integration_id, ''),
	display_name, settings, metadata, status, status_message, created_at, updated_at`

// bumpUpdatedAt always moves updated_at forward so compare-and-swap callers
// never see two writes share a timestamp.
const bumpUpdatedAt = `GREATEST(clock_timestamp(), connections.updated_at + interval '1 microsecond')`

func scanConnection(row pgx.Row) (schema.Connection, error) {
	var (
		c                  schema.Connection
		settings, metadata []byte
		status             string
	)
	err := row.Scan(
		&c.ID,
		&c.ConnectorConfigID,
		&c.ConnectorName,
		&c.CustomerID,
		&c.IntegrationID,
		&c.DisplayName,
		&settings,
		&metadata,
		&status,
		&c.StatusMessage,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return schema.Connection{}, err
	}
	c.Settings = settings
	c.Metadata = metadata
	c.Status = schema.Status(status)
	return c, nil
}

func (q *Queries) GetConnection(ctx context.Context, id string) (schema.Connection, error) {
	c, err := scanConnection(q.db.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id))
	if err != nil {
		return schema.Connection{}, notFound(err, "connection", id)
	}
	return c, nil
}

type UpsertConnectionParams struct {
	ID                string
	ConnectorConfigID string
	ConnectorName     string
	CustomerID        string
	IntegrationID     string
	DisplayName       string
	Settings          json.RawMessage
	Metadata          json.RawMessage
	Status            schema.Status
	StatusMessage     string
}

const upsertConnection = `
INSERT INTO connections (
	id, connector_config_id, connector_name, customer_id, integration_id,
	display_name, settings, metadata, status, status_message
) VALUES ($1, $2, $3, $4, NULLIF($5::text, ''), $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	customer_id    = COALESCE(NULLIF(EXCLUDED.customer_id, ''), connections.customer_id),
	integration_id = COALESCE(EXCLUDED.integration_id, connections.integration_id),
	display_name   = COALESCE(NULLIF(EXCLUDED.display_name, ''), connections.display_name),
	settings       = EXCLUDED.settings,
	metadata       = connections.metadata || EXCLUDED.metadata,
	status         = EXCLUDED.status,
	status_message = EXCLUDED.status_message,
	updated_at     = ` + bumpUpdatedAt + `
WHERE connections.connector_config_id = EXCLUDED.connector_config_id
RETURNING ` + connectionColumns

// UpsertConnection inserts a connection or replaces its settings and status
// by primary key. A row owned by a different connector config is left alone
// and reported as ErrConflict.
func (q *Queries) UpsertConnection(ctx context.Context, arg UpsertConnectionParams) (schema.Connection, error) {
	c, err := scanConnection(q.db.QueryRow(ctx, upsertConnection,
		arg.ID,
		arg.ConnectorConfigID,
		arg.ConnectorName,
		arg.CustomerID,
		arg.IntegrationID,
		arg.DisplayName,
		[]byte(schema.ObjectOrEmpty(arg.Settings)),
		[]byte(schema.ObjectOrEmpty(arg.Metadata)),
		string(statusOrUnknown(arg.Status)),
		arg.StatusMessage,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Connection{}, fmt.Errorf("%w: connection %s belongs to another connector config", ErrConflict, arg.ID)
		}
		return schema.Connection{}, err
	}
	return c, nil
}

type UpdateConnectionParams struct {
	ID string
	// ExpectedUpdatedAt is the updated_at the caller read. The write only
	// applies if the row still carries it.
	ExpectedUpdatedAt time.Time
	CustomerID        string
	IntegrationID     string
	DisplayName       string
	Settings          json.RawMessage
	Metadata          json.RawMessage
	Status            schema.Status
	StatusMessage     string
}

const updateConnection = `
UPDATE connections SET
	customer_id    = $3,
	integration_id = NULLIF($4::text, ''),
	display_name   = $5,
	settings       = $6,
	metadata       = $7,
	status         = $8,
	status_message = $9,
	updated_at     = ` + bumpUpdatedAt + `
WHERE id = $1 AND updated_at = $2
RETURNING ` + connectionColumns

// UpdateConnection replaces a connection's mutable fields with
// compare-and-swap on updated_at.
func (q *Queries) UpdateConnection(ctx context.Context, arg UpdateConnectionParams) (schema.Connection, error) {
	c, err := scanConnection(q.db.QueryRow(ctx, updateConnection,
		arg.ID,
		arg.ExpectedUpdatedAt,
		arg.CustomerID,
		arg.IntegrationID,
		arg.DisplayName,
		[]byte(schema.ObjectOrEmpty(arg.Settings)),
		[]byte(schema.ObjectOrEmpty(arg.Metadata)),
		string(statusOrUnknown(arg.Status)),
		arg.StatusMessage,
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return schema.Connection{}, err
	}

	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM connections WHERE id = $1)`, arg.ID).Scan(&exists); err != nil {
		return schema.Connection{}, err
	}
	if !exists {
		return schema.Connection{}, fmt.Errorf("%w: connection %s", ErrNotFound, arg.ID)
	}
	return schema.Connection{}, fmt.Errorf("%w: connection %s", ErrConflict, arg.ID)
}

// Expiry is read from settings.oauth.credentials, which connectors write as
// RFC 3339 timestamps.
const listConnectionsExpiringBefore = `
SELECT ` + connectionColumns + `
FROM connections
WHERE status <> 'disconnected'
  AND COALESCE(settings -> 'oauth' -> 'credentials' ->> 'refresh_token', '') <> ''
  AND (settings -> 'oauth' -> 'credentials' ->> 'expires_at') IS NOT NULL
  AND (settings -> 'oauth' -> 'credentials' ->> 'expires_at')::timestamptz < $1
ORDER BY connector_name, id
`

// ListConnectionsExpiringBefore returns live connections holding a refresh
// token whose credentials expire before cutoff.
func (q *Queries) ListConnectionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]schema.Connection, error) {
	rows, err := q.db.Query(ctx, listConnectionsExpiringBefore, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type UpsertIntegrationParams struct {
	ID            string
	ConnectorName string
	ExternalID    string
	Name          string
	Raw           json.RawMessage
}

const upsertIntegration = `
INSERT INTO integrations (id, connector_name, external_id, name, raw)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (connector_name, external_id) DO UPDATE SET
	name       = COALESCE(NULLIF(EXCLUDED.name, ''), integrations.name),
	raw        = EXCLUDED.raw,
	updated_at = now()
RETURNING id
`

// UpsertIntegration records a discovered integration and returns its id.
func (q *Queries) UpsertIntegration(ctx context.Context, arg UpsertIntegrationParams) (string, error) {
	var id string
	err := q.db.QueryRow(ctx, upsertIntegration,
		arg.ID,
		arg.ConnectorName,
		arg.ExternalID,
		arg.Name,
		[]byte(schema.ObjectOrEmpty(arg.Raw)),
	).Scan(&id)
	return id, err
}

func statusOrUnknown(s schema.Status) schema.Status {
	if s.Valid() {
		return s
	}
	return schema.StatusUnknown
}
