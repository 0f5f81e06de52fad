package db

import (
	"context"
	"encoding/json"
	"time"
)

// OutboxEvent is a notification written in the same transaction as the state
// change it describes and relayed to subscribers afterwards.
type OutboxEvent struct {
	ID          string
	Topic       string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

func (q *Queries) InsertOutboxEvent(ctx context.Context, e OutboxEvent) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO outbox_events (id, topic, payload) VALUES ($1, $2, $3)`,
		e.ID, e.Topic, []byte(e.Payload),
	)
	return err
}

const listPendingOutboxEvents = `
SELECT id, topic, payload, created_at
FROM outbox_events
WHERE published_at IS NULL
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED
`

// ListPendingOutboxEvents locks up to limit unpublished events. Call it inside
// a transaction so concurrent relays skip each other's rows.
func (q *Queries) ListPendingOutboxEvents(ctx context.Context, limit int32) ([]OutboxEvent, error) {
	rows, err := q.db.Query(ctx, listPendingOutboxEvents, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var (
			e       OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Topic, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) MarkOutboxEventsPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids)
	return err
}
