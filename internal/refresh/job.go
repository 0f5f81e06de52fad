package refresh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// LockScope is the lock a scheduled sweep holds so that only one worker
// refreshes at a time.
const LockScope = "credential-refresh"

// Locker takes a named lock without waiting.
type Locker interface {
	TryLock(ctx context.Context, scope string) (unlock func(), ok bool, err error)
}

// Job runs RefreshStale on a cron schedule until its context ends.
type Job struct {
	Scheduler *Scheduler
	// Schedule is a standard cron expression or descriptor such as
	// "@every 10m".
	Schedule string
	Options  Options
	// Locker is optional. Without it every worker sweeps on every tick.
	Locker Locker
	Logger *slog.Logger
}

// Validate reports whether Schedule parses.
func (j *Job) Validate() error {
	if _, err := cron.ParseStandard(j.Schedule); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", j.Schedule, err)
	}
	return nil
}

func (j *Job) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *Job) Run(ctx context.Context) error {
	if err := j.Validate(); err != nil {
		return err
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	entryID, err := c.AddFunc(j.Schedule, func() { j.tick(ctx) })
	if err != nil {
		return fmt.Errorf("add refresh job: %w", err)
	}

	j.logger().Info("refresh job scheduled", "schedule", j.Schedule, "entry_id", entryID)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// tick runs one sweep. It reports whether the sweep ran.
func (j *Job) tick(ctx context.Context) bool {
	logger := j.logger()
	if j.Locker != nil {
		unlock, ok, err := j.Locker.TryLock(ctx, LockScope)
		if err != nil {
			logger.Error("refresh lock failed", "err", err)
			return false
		}
		if !ok {
			logger.Debug("refresh skipped, lock held elsewhere")
			return false
		}
		defer unlock()
	}

	res, err := j.Scheduler.RefreshStale(ctx, j.Options)
	if err != nil {
		logger.Error("scheduled refresh failed", "err", err)
		return false
	}
	logger.Debug("scheduled refresh done",
		"total_connections", res.TotalConnections,
		"total_connections_refreshed", res.TotalConnectionsRefreshed,
	)
	return true
}
