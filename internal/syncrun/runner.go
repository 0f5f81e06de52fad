// Package syncrun drives one connection's source sync through the pipeline
// and records the state it commits.
package syncrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/open-sspm/open-connect/internal/connection"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/db"
	"github.com/open-sspm/open-connect/internal/ids"
	"github.com/open-sspm/open-connect/internal/logging"
	"github.com/open-sspm/open-connect/internal/metrics"
	"github.com/open-sspm/open-connect/internal/pipeline"
)

type Store interface {
	GetConnectorConfig(ctx context.Context, id string) (schema.ConnectorConfig, error)
	GetConnection(ctx context.Context, id string) (schema.Connection, error)
	GetSyncState(ctx context.Context, connectionID string) (db.SyncState, error)
	UpsertSyncState(ctx context.Context, connectionID, side string, state json.RawMessage) error
}

// Updater applies connection updates emitted by a source.
type Updater interface {
	ApplyUpdate(ctx context.Context, configID string, u schema.ConnectionUpdate) (schema.Connection, error)
}

type Runner struct {
	Registry *registry.ConnectorRegistry
	Store    Store
	Updater  Updater
	Logger   *slog.Logger
	// Links run between the built-in links and the destination.
	Links []pipeline.Link
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run syncs connectionID from its last committed source state. Operations go
// to the connector's destination, or as JSON lines to w when it has none.
// Completed state is stored only after the destination has yielded it.
func (r *Runner) Run(ctx context.Context, connectionID string, w io.Writer) (pipeline.Stats, error) {
	started := time.Now()
	conn, err := r.Store.GetConnection(ctx, strings.TrimSpace(connectionID))
	if err != nil {
		return pipeline.Stats{}, storeErr(err)
	}
	cfg, err := r.Store.GetConnectorConfig(ctx, conn.ConnectorConfigID)
	if err != nil {
		return pipeline.Stats{}, storeErr(err)
	}
	bundle, ok := r.Registry.Get(conn.ConnectorName)
	if !ok {
		return pipeline.Stats{}, fmt.Errorf("%w: connector %q", connection.ErrNotFound, conn.ConnectorName)
	}
	if !bundle.Has(registry.CapSourceSync) {
		return pipeline.Stats{}, fmt.Errorf("%w: %s has no %s", connection.ErrNotImplemented, bundle.Name(), registry.CapSourceSync)
	}
	if conn.Status == schema.StatusDisconnected {
		return pipeline.Stats{}, fmt.Errorf("%w: connection %s is disconnected", connection.ErrValidation, conn.ID)
	}

	state, err := r.Store.GetSyncState(ctx, conn.ID)
	if err != nil {
		return pipeline.Stats{}, err
	}
	inst, err := bundle.Instance(ctx, registry.InstanceInput{Config: cfg.Config, Settings: conn.Settings})
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("new instance: %w", err)
	}
	in := registry.ConnectionInput{Config: cfg.Config, Connection: conn, Instance: inst}

	name := bundle.Name()
	logger := logging.ForConnection(r.logger(), name, conn.ID)
	src := bundle.SourceSync(ctx, registry.SourceSyncInput{ConnectionInput: in, State: state.Source})

	dst := pipeline.WriterDestination(w)
	if bundle.Has(registry.CapDestinationSync) {
		dst = bundle.DestinationSync(ctx, in)
	}
	persist := r.persistState(ctx, conn.ID)
	final := func(seq pipeline.Seq) pipeline.Seq { return persist(dst(seq)) }

	links := []pipeline.Link{
		pipeline.MergeReady(1),
		pipeline.PrefixConnectorName(name),
		pipeline.HandlersLink(ctx, pipeline.Handlers{
			ConnUpdate: r.applyConnUpdate(cfg.ID, conn),
		}),
	}
	links = append(links, r.Links...)
	links = append(links, pipeline.LogLink(logger, "sync"), pipeline.MetricsLink(name))

	logger.Info("sync started")
	stats, err := pipeline.Run(ctx, src, final, links...)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(name, "error").Inc()
		logger.Error("sync failed", "err", err, "data", stats.Data)
		return stats, err
	}
	metrics.SyncRunsTotal.WithLabelValues(name, "success").Inc()
	logger.Info("sync finished",
		"data", stats.Data,
		"commits", stats.Commits,
		"duration", time.Since(started).String(),
	)
	return stats, nil
}

// applyConnUpdate stores the update and drops the operation. Updates without
// an external id target the connection being synced.
func (r *Runner) applyConnUpdate(configID string, conn schema.Connection) pipeline.Handler {
	external := ""
	if id, err := ids.Parse(conn.ID); err == nil {
		external = id.External
	}
	return func(ctx context.Context, op pipeline.Op) ([]pipeline.Op, error) {
		if op.ConnUpdate == nil {
			return nil, nil
		}
		u := *op.ConnUpdate
		if strings.TrimSpace(u.ExternalID) == "" {
			u.ExternalID = external
		}
		if _, err := r.Updater.ApplyUpdate(ctx, configID, u); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func (r *Runner) persistState(ctx context.Context, connectionID string) pipeline.Link {
	return func(in pipeline.Seq) pipeline.Seq {
		return func(yield func(pipeline.Op, error) bool) {
			for op, err := range in {
				if err != nil {
					yield(pipeline.Op{}, err)
					return
				}
				if op.Type == pipeline.OpStateUpdate && op.StatePhase == pipeline.StatePhaseComplete {
					side := op.Side
					if side == "" {
						side = pipeline.SideSource
					}
					if err := r.Store.UpsertSyncState(ctx, connectionID, string(side), op.State); err != nil {
						yield(pipeline.Op{}, fmt.Errorf("store %s state: %w", side, err))
						return
					}
				}
				if !yield(op, nil) {
					return
				}
			}
		}
	}
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %w", connection.ErrNotFound, err)
	}
	return err
}
