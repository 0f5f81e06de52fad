package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SyncState holds the last committed cursors of a connection's sync.
type SyncState struct {
	Source      json.RawMessage
	Destination json.RawMessage
}

// GetSyncState returns empty state when the connection never synced.
func (q *Queries) GetSyncState(ctx context.Context, connectionID string) (SyncState, error) {
	var source, destination []byte
	err := q.db.QueryRow(ctx,
		`SELECT source_state, destination_state FROM sync_states WHERE connection_id = $1`,
		connectionID,
	).Scan(&source, &destination)
	if errors.Is(err, pgx.ErrNoRows) {
		return SyncState{}, nil
	}
	if err != nil {
		return SyncState{}, err
	}
	return SyncState{Source: source, Destination: destination}, nil
}

const (
	upsertSourceState = `
INSERT INTO sync_states (connection_id, source_state) VALUES ($1, $2)
ON CONFLICT (connection_id) DO UPDATE SET source_state = EXCLUDED.source_state, updated_at = now()
`
	upsertDestinationState = `
INSERT INTO sync_states (connection_id, destination_state) VALUES ($1, $2)
ON CONFLICT (connection_id) DO UPDATE SET destination_state = EXCLUDED.destination_state, updated_at = now()
`
)

// UpsertSyncState stores the state for one side ("source" or "destination").
func (q *Queries) UpsertSyncState(ctx context.Context, connectionID, side string, state json.RawMessage) error {
	var query string
	switch side {
	case "source":
		query = upsertSourceState
	case "destination":
		query = upsertDestinationState
	default:
		return fmt.Errorf("unknown sync state side %q", side)
	}
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	_, err := q.db.Exec(ctx, query, connectionID, []byte(state))
	return err
}
