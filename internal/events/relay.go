package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/open-sspm/open-connect/internal/db"
	"github.com/open-sspm/open-connect/internal/metrics"
)

const (
	DefaultBatchSize = 100
	DefaultInterval  = 5 * time.Second

	metadataTopic = "topic"
)

// Outbox is the slice of the store the relay needs.
type Outbox interface {
	PublishPending(ctx context.Context, limit int32, publish func(db.OutboxEvent) error) (int, error)
}

// NewPubSub returns the in-process bus the relay publishes to.
func NewPubSub(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NewSlogLogger(logger))
}

// Relay moves committed outbox rows onto the bus.
type Relay struct {
	Outbox    Outbox
	Publisher message.Publisher
	Interval  time.Duration
	BatchSize int32
	Logger    *slog.Logger
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// RunOnce drains pending events until a batch comes back short.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if r.Outbox == nil || r.Publisher == nil {
		return 0, errors.New("relay: outbox and publisher are required")
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	total := 0
	for {
		n, err := r.Outbox.PublishPending(ctx, batch, r.publish)
		total += n
		if err != nil {
			return total, err
		}
		if n < int(batch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (r *Relay) publish(e db.OutboxEvent) error {
	msg := message.NewMessage(e.ID, message.Payload(e.Payload))
	msg.Metadata.Set(metadataTopic, e.Topic)
	if err := r.Publisher.Publish(e.Topic, msg); err != nil {
		metrics.OutboxPublishedTotal.WithLabelValues(e.Topic, "error").Inc()
		return fmt.Errorf("publish %s: %w", e.ID, err)
	}
	metrics.OutboxPublishedTotal.WithLabelValues(e.Topic, "success").Inc()
	return nil
}

// Run relays once at startup and then on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	if n, err := r.RunOnce(ctx); err != nil {
		r.logger().Error("initial outbox relay failed", "err", err)
	} else if n > 0 {
		r.logger().Info("outbox relayed", "events", n)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger().Error("outbox relay failed", "err", err)
				continue
			}
			if n > 0 {
				r.logger().Info("outbox relayed", "events", n)
			}
		}
	}
}

// ConnectionEstablishedHandler reacts to one decoded event.
type ConnectionEstablishedHandler func(ctx context.Context, e ConnectionEstablished) error

// SubscribeConnectionEstablished consumes TopicConnectionEstablished until ctx
// is done. Undecodable payloads are acked and dropped; handler errors nack
// the message so the bus redelivers it.
func SubscribeConnectionEstablished(ctx context.Context, sub message.Subscriber, logger *slog.Logger, handle ConnectionEstablishedHandler) error {
	if logger == nil {
		logger = slog.Default()
	}
	messages, err := sub.Subscribe(ctx, TopicConnectionEstablished)
	if err != nil {
		return err
	}
	go func() {
		for msg := range messages {
			var e ConnectionEstablished
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				logger.Warn("dropping malformed event", "event_id", msg.UUID, "err", err)
				msg.Ack()
				continue
			}
			if err := handle(msg.Context(), e); err != nil {
				logger.Error("event handler failed", "event_id", msg.UUID, "err", err)
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()
	return nil
}

// LogConnectionEstablished is the default worker subscriber.
func LogConnectionEstablished(logger *slog.Logger) ConnectionEstablishedHandler {
	return func(_ context.Context, e ConnectionEstablished) error {
		logger.Info("connection established",
			"connection_id", e.ConnectionID,
			"connector_name", e.ConnectorName,
			"status", e.Status,
		)
		return nil
	}
}
