package refresh

import (
	"log/slog"
	"sync"
	"time"
)

const defaultProgressInterval = 5 * time.Second

// Event is a refresh progress or failure notice.
type Event struct {
	Connector    string
	ConnectionID string
	Current      int64
	Total        int64
	Message      string
	Done         bool
	Err          error
}

type Reporter interface {
	Report(Event)
}

// LogReporter logs completion always and progress at most once per
// ProgressInterval. Failures are left to the scheduler's own log.
type LogReporter struct {
	Logger           *slog.Logger
	ProgressInterval time.Duration
	Now              func() time.Time

	mu         sync.Mutex
	lastLogged time.Time
}

func (r *LogReporter) Report(e Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{}
	if e.Connector != "" {
		attrs = append(attrs, "connector", e.Connector)
	}
	if e.ConnectionID != "" {
		attrs = append(attrs, "connection_id", e.ConnectionID)
	}
	if e.Total > 0 {
		attrs = append(attrs, "current", e.Current, "total", e.Total)
	}

	if e.Err != nil {
		// The scheduler already logged the failure.
		return
	}
	if e.Done {
		message := e.Message
		if message == "" {
			message = "refresh complete"
		}
		logger.Info(message, attrs...)
		return
	}
	if r.shouldLogProgress() {
		logger.Info("refresh progress", attrs...)
	}
}

func (r *LogReporter) shouldLogProgress() bool {
	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lastLogged.IsZero() && now.Sub(r.lastLogged) < interval {
		return false
	}
	r.lastLogged = now
	return true
}
