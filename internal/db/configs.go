package db

import (
	"context"

	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

const getConnectorConfig = `
SELECT id, org_id, connector_name, config, disabled, created_at, updated_at
FROM connector_configs
WHERE id = $1
`

func (q *Queries) GetConnectorConfig(ctx context.Context, id string) (schema.ConnectorConfig, error) {
	var (
		c   schema.ConnectorConfig
		raw []byte
	)
	err := q.db.QueryRow(ctx, getConnectorConfig, id).Scan(
		&c.ID,
		&c.OrgID,
		&c.ConnectorName,
		&raw,
		&c.Disabled,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return schema.ConnectorConfig{}, notFound(err, "connector config", id)
	}
	c.Config = raw
	return c, nil
}

const listConnectorConfigs = `
SELECT id, org_id, connector_name, config, disabled, created_at, updated_at
FROM connector_configs
ORDER BY connector_name, id
`

func (q *Queries) ListConnectorConfigs(ctx context.Context) ([]schema.ConnectorConfig, error) {
	rows, err := q.db.Query(ctx, listConnectorConfigs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.ConnectorConfig
	for rows.Next() {
		var (
			c   schema.ConnectorConfig
			raw []byte
		)
		if err := rows.Scan(&c.ID, &c.OrgID, &c.ConnectorName, &raw, &c.Disabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Config = raw
		out = append(out, c)
	}
	return out, rows.Err()
}
