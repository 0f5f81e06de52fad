package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type listFunc func(ctx context.Context, cutoff time.Time) ([]schema.Connection, error)

func (f listFunc) ListConnectionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]schema.Connection, error) {
	return f(ctx, cutoff)
}

type refreshFunc func(ctx context.Context, conn schema.Connection) (bool, error)

func (f refreshFunc) RefreshConnection(ctx context.Context, conn schema.Connection) (bool, error) {
	return f(ctx, conn)
}

func oauthConn(t *testing.T, connector, id string, expiresIn time.Duration, refreshToken string) schema.Connection {
	t.Helper()
	exp := testNow.Add(expiresIn)
	settings, err := schema.WithOAuthSettings(nil, schema.OAuthSettings{
		Credentials: schema.OAuthCredentials{AccessToken: "a", RefreshToken: refreshToken, ExpiresAt: &exp},
	})
	if err != nil {
		t.Fatalf("WithOAuthSettings() err = %v", err)
	}
	return schema.Connection{
		ID:            fmt.Sprintf("conn_%s_%s", connector, id),
		ConnectorName: connector,
		Settings:      settings,
		Status:        schema.StatusHealthy,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshStale_CountsAndSkipsMissingCapability(t *testing.T) {
	t.Parallel()

	conns := []schema.Connection{
		oauthConn(t, "x", "1", 10*time.Minute, "r1"),
		oauthConn(t, "x", "2", 5*time.Minute, "r2"),
		oauthConn(t, "y", "1", 10*time.Minute, "r3"),
	}

	var mu sync.Mutex
	touched := map[string]bool{}
	s := &Scheduler{
		Candidates: listFunc(func(_ context.Context, cutoff time.Time) ([]schema.Connection, error) {
			if !cutoff.Equal(testNow.Add(30 * time.Minute)) {
				t.Errorf("cutoff = %v", cutoff)
			}
			return conns, nil
		}),
		Refresher: refreshFunc(func(_ context.Context, conn schema.Connection) (bool, error) {
			if conn.ConnectorName == "y" {
				// Connector y has no refresh capability.
				return false, nil
			}
			mu.Lock()
			touched[conn.ID] = true
			mu.Unlock()
			return true, nil
		}),
		Logger: quietLogger(),
		Now:    func() time.Time { return testNow },
	}

	res, err := s.RefreshStale(context.Background(), Options{ConcurrencyLimit: 10, ExpiryWindow: 30 * time.Minute})
	if err != nil {
		t.Fatalf("RefreshStale() err = %v", err)
	}
	if res.TotalConnections != 3 || res.TotalConnectionsRefreshed != 2 {
		t.Fatalf("RefreshStale() = %+v, want 3/2", res)
	}
	if touched["conn_y_1"] {
		t.Fatal("connector y connection was refreshed")
	}
}

func TestRefreshStale_ItemErrorsDoNotAbort(t *testing.T) {
	t.Parallel()

	conns := []schema.Connection{
		oauthConn(t, "a", "1", time.Minute, "r"),
		oauthConn(t, "a", "2", time.Minute, "r"),
		oauthConn(t, "b", "1", time.Minute, "r"),
		oauthConn(t, "c", "1", time.Minute, "r"),
	}
	s := &Scheduler{
		Candidates: listFunc(func(context.Context, time.Time) ([]schema.Connection, error) { return conns, nil }),
		Refresher: refreshFunc(func(_ context.Context, conn schema.Connection) (bool, error) {
			switch conn.ID {
			case "conn_a_1":
				return false, errors.New("invalid_grant")
			case "conn_b_1":
				panic("connector bug")
			}
			return true, nil
		}),
		Logger: quietLogger(),
		Now:    func() time.Time { return testNow },
	}

	res, err := s.RefreshStale(context.Background(), Options{ConcurrencyLimit: 1})
	if err != nil {
		t.Fatalf("RefreshStale() err = %v", err)
	}
	if res.TotalConnections != 4 || res.TotalConnectionsRefreshed != 2 {
		t.Fatalf("RefreshStale() = %+v, want 4/2", res)
	}
}

func TestRefreshStale_ChunksBoundConcurrency(t *testing.T) {
	t.Parallel()

	var conns []schema.Connection
	for i := range 7 {
		conns = append(conns, oauthConn(t, "x", fmt.Sprint(i), time.Minute, "r"))
	}
	for i := range 3 {
		conns = append(conns, oauthConn(t, "w", fmt.Sprint(i), time.Minute, "r"))
	}

	var (
		inFlight, peak atomic.Int64
		mu             sync.Mutex
		order          []string
	)
	s := &Scheduler{
		Candidates: listFunc(func(context.Context, time.Time) ([]schema.Connection, error) { return conns, nil }),
		Refresher: refreshFunc(func(_ context.Context, conn schema.Connection) (bool, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, conn.ConnectorName)
			mu.Unlock()
			inFlight.Add(-1)
			return true, nil
		}),
		Logger: quietLogger(),
		Now:    func() time.Time { return testNow },
	}

	res, err := s.RefreshStale(context.Background(), Options{ConcurrencyLimit: 3})
	if err != nil {
		t.Fatalf("RefreshStale() err = %v", err)
	}
	if res.TotalConnectionsRefreshed != 10 {
		t.Fatalf("refreshed = %d, want 10", res.TotalConnectionsRefreshed)
	}
	if got := peak.Load(); got > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", got)
	}
	// Groups run in connector name order: every "w" finishes before any "x".
	for i, name := range order {
		if i < 3 && name != "w" || i >= 3 && name != "x" {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestRefreshStale_FiltersIneligibleRows(t *testing.T) {
	t.Parallel()

	disconnected := oauthConn(t, "x", "d", time.Minute, "r")
	disconnected.Status = schema.StatusDisconnected
	conns := []schema.Connection{
		oauthConn(t, "x", "ok", time.Minute, "r"),
		oauthConn(t, "x", "no-refresh-token", time.Minute, ""),
		oauthConn(t, "x", "later", 2*time.Hour, "r"),
		disconnected,
		{ID: "conn_x_plain", ConnectorName: "x", Settings: json.RawMessage(`{"api_key":"k"}`)},
	}
	calls := 0
	s := &Scheduler{
		Candidates: listFunc(func(context.Context, time.Time) ([]schema.Connection, error) { return conns, nil }),
		Refresher: refreshFunc(func(context.Context, schema.Connection) (bool, error) {
			calls++
			return true, nil
		}),
		Logger: quietLogger(),
		Now:    func() time.Time { return testNow },
	}

	res, err := s.RefreshStale(context.Background(), Options{ConcurrencyLimit: 1, ExpiryWindow: 30 * time.Minute})
	if err != nil {
		t.Fatalf("RefreshStale() err = %v", err)
	}
	if res.TotalConnections != 1 || calls != 1 {
		t.Fatalf("RefreshStale() = %+v calls=%d, want 1/1", res, calls)
	}
}

func TestRefreshStale_ListErrorIsReturned(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	s := &Scheduler{
		Candidates: listFunc(func(context.Context, time.Time) ([]schema.Connection, error) { return nil, boom }),
		Logger:     quietLogger(),
	}
	if _, err := s.RefreshStale(context.Background(), Options{}); !errors.Is(err, boom) {
		t.Fatalf("RefreshStale() err = %v, want db down", err)
	}
}

func TestJobValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{schedule: "@every 10m"},
		{schedule: "*/5 * * * *"},
		{schedule: "not a schedule", wantErr: true},
		{schedule: "", wantErr: true},
	}
	for _, tt := range tests {
		err := (&Job{Schedule: tt.schedule}).Validate()
		if (err != nil) != tt.wantErr {
			t.Fatalf("Validate(%q) err = %v, wantErr %v", tt.schedule, err, tt.wantErr)
		}
	}
}

func TestLogReporter_ThrottlesProgress(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	now := testNow
	r := &LogReporter{
		Logger:           slog.New(slog.NewTextHandler(&buf, nil)),
		ProgressInterval: time.Minute,
		Now:              func() time.Time { return now },
	}
	r.Report(Event{Connector: "x", Current: 1, Total: 10})
	r.Report(Event{Connector: "x", Current: 2, Total: 10})
	now = now.Add(2 * time.Minute)
	r.Report(Event{Connector: "x", Current: 3, Total: 10})
	r.Report(Event{Connector: "x", ConnectionID: "conn_x_1", Err: errors.New("boom")})
	r.Report(Event{Done: true, Current: 10, Total: 10})

	if got := buf.count("refresh progress"); got != 2 {
		t.Fatalf("progress lines = %d, want 2\n%s", got, buf.String())
	}
	if buf.count("credential refresh failed") != 0 || buf.count("refresh complete") != 1 {
		t.Fatalf("log = %s", buf.String())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) count(msg string) int {
	return strings.Count(b.String(), "msg=\""+msg+"\"")
}

type fakeLocker struct {
	held     bool
	err      error
	unlocked int
}

func (l *fakeLocker) TryLock(_ context.Context, scope string) (func(), bool, error) {
	if scope != LockScope {
		return nil, false, fmt.Errorf("scope = %q", scope)
	}
	if l.err != nil || l.held {
		return nil, false, l.err
	}
	return func() { l.unlocked++ }, true, nil
}

func TestJobTick_Lock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		locker     *fakeLocker
		wantRan    bool
		wantUnlock int
	}{
		{name: "no locker", wantRan: true},
		{name: "acquired", locker: &fakeLocker{}, wantRan: true, wantUnlock: 1},
		{name: "held elsewhere", locker: &fakeLocker{held: true}},
		{name: "lock error", locker: &fakeLocker{err: errors.New("pool closed")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var listed atomic.Int64
			j := &Job{
				Schedule: "@every 1m",
				Scheduler: &Scheduler{
					Candidates: listFunc(func(context.Context, time.Time) ([]schema.Connection, error) {
						listed.Add(1)
						return nil, nil
					}),
					Logger: quietLogger(),
					Now:    func() time.Time { return testNow },
				},
				Logger: quietLogger(),
			}
			if tt.locker != nil {
				j.Locker = tt.locker
			}
			if got := j.tick(context.Background()); got != tt.wantRan {
				t.Fatalf("tick() = %v, want %v", got, tt.wantRan)
			}
			if ran := listed.Load() == 1; ran != tt.wantRan {
				t.Fatalf("sweep ran = %v, want %v", ran, tt.wantRan)
			}
			if tt.locker != nil && tt.locker.unlocked != tt.wantUnlock {
				t.Fatalf("unlocked = %d, want %d", tt.locker.unlocked, tt.wantUnlock)
			}
		})
	}
}

func TestRefreshStale_LogsItemFailuresWithoutReporter(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	s := &Scheduler{
		Candidates: listFunc(func(context.Context, time.Time) ([]schema.Connection, error) {
			return []schema.Connection{oauthConn(t, "a", "1", time.Minute, "r")}, nil
		}),
		Refresher: refreshFunc(func(context.Context, schema.Connection) (bool, error) {
			return false, errors.New("invalid_grant")
		}),
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
		Now:    func() time.Time { return testNow },
	}

	if _, err := s.RefreshStale(context.Background(), Options{}); err != nil {
		t.Fatalf("RefreshStale() err = %v", err)
	}
	if buf.count("credential refresh failed") != 1 {
		t.Fatalf("log = %s, want one failure line", buf.String())
	}
	if !strings.Contains(buf.String(), "connection_id=conn_a_1") || !strings.Contains(buf.String(), "invalid_grant") {
		t.Fatalf("log = %s, want connection id and cause", buf.String())
	}
}
