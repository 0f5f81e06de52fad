package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

// Store pairs Queries with the pool they run on so callers can group writes
// into a transaction.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), pool: pool}
}

// InTx runs fn inside one transaction and commits if it returns nil.
func (s *Store) InTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveConnectionParams is one atomic connection write. Integration and Event
// are optional.
type SaveConnectionParams struct {
	Integration *UpsertIntegrationParams
	Connection  UpsertConnectionParams
	Event       *OutboxEvent
}

// SaveConnection upserts the integration, the connection and the outbox event
// in one transaction: either all are stored or none.
func (s *Store) SaveConnection(ctx context.Context, arg SaveConnectionParams) (schema.Connection, error) {
	var out schema.Connection
	err := s.InTx(ctx, func(q *Queries) error {
		conn := arg.Connection
		if arg.Integration != nil {
			id, err := q.UpsertIntegration(ctx, *arg.Integration)
			if err != nil {
				return err
			}
			conn.IntegrationID = id
		}
		saved, err := q.UpsertConnection(ctx, conn)
		if err != nil {
			return err
		}
		if arg.Event != nil {
			if err := q.InsertOutboxEvent(ctx, *arg.Event); err != nil {
				return err
			}
		}
		out = saved
		return nil
	})
	return out, err
}

// PublishPending locks up to limit unpublished outbox events, hands them to
// publish in order and marks the ones that went through. It stops at the
// first publish error; the remaining rows stay pending for the next pass.
func (s *Store) PublishPending(ctx context.Context, limit int32, publish func(OutboxEvent) error) (int, error) {
	var (
		published  int
		publishErr error
	)
	err := s.InTx(ctx, func(q *Queries) error {
		pending, err := q.ListPendingOutboxEvents(ctx, limit)
		if err != nil {
			return err
		}
		done := make([]string, 0, len(pending))
		for _, e := range pending {
			if publishErr = publish(e); publishErr != nil {
				break
			}
			done = append(done, e.ID)
		}
		if err := q.MarkOutboxEventsPublished(ctx, done); err != nil {
			return err
		}
		published = len(done)
		return nil
	})
	if err != nil {
		return published, err
	}
	return published, publishErr
}
