// Package refresh keeps issued credentials alive by refreshing connections
// whose credentials are about to expire.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/logging"
	"github.com/open-sspm/open-connect/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrencyLimit = 10
	DefaultExpiryWindow     = 30 * time.Minute

	statusRefreshed = "refreshed"
	statusSkipped   = "skipped"
	statusError     = "error"
)

// Candidates lists connections that may need a refresh.
type Candidates interface {
	ListConnectionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]schema.Connection, error)
}

// Refresher refreshes one connection. refreshed is false when its connector
// has no refresh capability.
type Refresher interface {
	RefreshConnection(ctx context.Context, conn schema.Connection) (refreshed bool, err error)
}

type Options struct {
	ConcurrencyLimit int
	ExpiryWindow     time.Duration
}

type Result struct {
	TotalConnections          int `json:"totalConnections"`
	TotalConnectionsRefreshed int `json:"totalConnectionsRefreshed"`
}

type Scheduler struct {
	Candidates Candidates
	Refresher  Refresher
	Reporter   Reporter
	Logger     *slog.Logger
	Now        func() time.Time
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// RefreshStale refreshes every connection whose credentials carry a refresh
// token and expire within opts.ExpiryWindow. Connections are grouped by
// connector; each group is cut into chunks of at most opts.ConcurrencyLimit
// that run one after another, with the items of a chunk refreshed in
// parallel. Per-connection failures are logged and counted, never returned.
func (s *Scheduler) RefreshStale(ctx context.Context, opts Options) (Result, error) {
	limit := opts.ConcurrencyLimit
	if limit <= 0 {
		limit = DefaultConcurrencyLimit
	}
	window := opts.ExpiryWindow
	if window <= 0 {
		window = DefaultExpiryWindow
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	cutoff := now().Add(window)

	listed, err := s.Candidates.ListConnectionsExpiringBefore(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("list expiring connections: %w", err)
	}
	conns := filterExpiring(listed, cutoff)
	groups, names := groupByConnector(conns)

	var refreshed atomic.Int64
	total := int64(len(conns))
	var done atomic.Int64
	for _, name := range names {
		for chunk := range slices.Chunk(groups[name], limit) {
			if err := ctx.Err(); err != nil {
				return Result{TotalConnections: len(conns), TotalConnectionsRefreshed: int(refreshed.Load())}, err
			}
			var g errgroup.Group
			for _, conn := range chunk {
				g.Go(func() error {
					if s.refreshOne(ctx, conn) {
						refreshed.Add(1)
					}
					s.report(Event{Connector: name, Current: done.Add(1), Total: total})
					return nil
				})
			}
			_ = g.Wait()
		}
	}

	metrics.RefreshLastRunTimestamp.SetToCurrentTime()
	res := Result{TotalConnections: len(conns), TotalConnectionsRefreshed: int(refreshed.Load())}
	s.report(Event{Done: true, Current: total, Total: total, Message: "refresh complete"})
	s.logger().Info("stale credential refresh finished",
		"total_connections", res.TotalConnections,
		"total_connections_refreshed", res.TotalConnectionsRefreshed,
		"window", window.String(),
	)
	return res, nil
}

func (s *Scheduler) refreshOne(ctx context.Context, conn schema.Connection) (ok bool) {
	start := time.Now()
	status := statusSkipped
	defer func() {
		if r := recover(); r != nil {
			status = statusError
			ok = false
			logging.ForConnection(s.logger(), conn.ConnectorName, conn.ID).Error("credential refresh panicked", "panic", r)
		}
		metrics.RefreshTotal.WithLabelValues(conn.ConnectorName, status).Inc()
		metrics.RefreshDuration.WithLabelValues(conn.ConnectorName).Observe(time.Since(start).Seconds())
	}()

	refreshed, err := s.Refresher.RefreshConnection(ctx, conn)
	switch {
	case err != nil:
		status = statusError
		logging.ForConnection(s.logger(), conn.ConnectorName, conn.ID).Warn("credential refresh failed", "err", err)
		s.report(Event{Connector: conn.ConnectorName, ConnectionID: conn.ID, Err: err})
		return false
	case refreshed:
		status = statusRefreshed
		return true
	default:
		s.logger().Debug("connector cannot refresh, skipped",
			"connector", conn.ConnectorName,
			"connection_id", conn.ID,
		)
		return false
	}
}

func (s *Scheduler) report(e Event) {
	if s.Reporter != nil {
		s.Reporter.Report(e)
	}
}

// filterExpiring drops rows that lack a refresh token or an expiry before
// cutoff, whatever the store returned.
func filterExpiring(conns []schema.Connection, cutoff time.Time) []schema.Connection {
	out := make([]schema.Connection, 0, len(conns))
	for _, c := range conns {
		if c.Status == schema.StatusDisconnected {
			continue
		}
		oauth, ok := schema.ParseOAuthSettings(c.Settings)
		if !ok || !oauth.Credentials.Refreshable() || !oauth.Credentials.ExpiresBefore(cutoff) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func groupByConnector(conns []schema.Connection) (map[string][]schema.Connection, []string) {
	groups := make(map[string][]schema.Connection)
	for _, c := range conns {
		groups[c.ConnectorName] = append(groups[c.ConnectorName], c)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return groups, names
}
