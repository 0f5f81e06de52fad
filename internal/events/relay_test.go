package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/db"
)

type fakeOutbox struct {
	mu        sync.Mutex
	pending   []db.OutboxEvent
	published []string
}

func (f *fakeOutbox) PublishPending(_ context.Context, limit int32, publish func(db.OutboxEvent) error) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for len(f.pending) > 0 && n < int(limit) {
		e := f.pending[0]
		if err := publish(e); err != nil {
			return n, err
		}
		f.pending = f.pending[1:]
		f.published = append(f.published, e.ID)
		n++
	}
	return n, nil
}

type failingPublisher struct{ after int }

func (p *failingPublisher) Publish(string, ...*message.Message) error {
	if p.after == 0 {
		return errors.New("bus closed")
	}
	p.after--
	return nil
}

func (p *failingPublisher) Close() error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func establishedEvent(t *testing.T, connID string) db.OutboxEvent {
	t.Helper()
	e, err := NewOutboxEvent(TopicConnectionEstablished, "github", ConnectionEstablished{
		ConnectionID:  connID,
		ConnectorName: "github",
		Status:        schema.StatusHealthy,
	})
	if err != nil {
		t.Fatalf("NewOutboxEvent() err = %v", err)
	}
	return e
}

func TestRelayDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	logger := quietLogger()
	bus := NewPubSub(logger)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan ConnectionEstablished, 2)
	err := SubscribeConnectionEstablished(ctx, bus, logger, func(_ context.Context, e ConnectionEstablished) error {
		got <- e
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeConnectionEstablished() err = %v", err)
	}

	outbox := &fakeOutbox{pending: []db.OutboxEvent{
		establishedEvent(t, "conn_github_1"),
		establishedEvent(t, "conn_github_2"),
	}}
	r := &Relay{Outbox: outbox, Publisher: bus, BatchSize: 1, Logger: logger}
	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() err = %v", err)
	}
	if n != 2 {
		t.Fatalf("RunOnce() = %d, want 2", n)
	}

	for _, want := range []string{"conn_github_1", "conn_github_2"} {
		select {
		case e := <-got:
			if e.ConnectionID != want {
				t.Fatalf("event connection = %q, want %q", e.ConnectionID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestRelayStopsAtPublishError(t *testing.T) {
	t.Parallel()

	outbox := &fakeOutbox{pending: []db.OutboxEvent{
		establishedEvent(t, "conn_github_1"),
		establishedEvent(t, "conn_github_2"),
		establishedEvent(t, "conn_github_3"),
	}}
	r := &Relay{Outbox: outbox, Publisher: &failingPublisher{after: 1}, Logger: quietLogger()}
	n, err := r.RunOnce(context.Background())
	if err == nil {
		t.Fatal("RunOnce() err = nil, want publish error")
	}
	if n != 1 || len(outbox.pending) != 2 {
		t.Fatalf("RunOnce() = %d, pending %d, want 1 and 2", n, len(outbox.pending))
	}
}

func TestRelayRequiresWiring(t *testing.T) {
	t.Parallel()

	if _, err := (&Relay{}).RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() err = nil, want error")
	}
}
