package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/log"
	"cloud-eventbus/internal/metrics"
	"cloud-eventbus/internal/topic"
)

const contentType = "text/plain"

// Publish sends event to the exchange on a short-lived channel. It returns
// an error matching ErrUnavailable when the connection is down, and a
// *PublishError for any other failure.
func (b *Bus) Publish(ctx context.Context, event core.Event) error {
	key := topic.RoutingKey(event)

	conn, err := b.getConnection()
	if err != nil {
		metrics.IncPublished(metrics.ResultUnavailable)
		return err
	}

	ch, err := conn.Channel(ctx)
	if err != nil {
		return b.publishFailed(conn, key, err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(b.cfg.Exchange, broker.ExchangeTopic, true); err != nil {
		return b.publishFailed(conn, key, err)
	}
	msg := broker.Message{
		ContentType:  contentType,
		DeliveryMode: broker.Persistent,
		MessageID:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         event.Payload,
	}
	if err := ch.Publish(ctx, b.cfg.Exchange, key, msg); err != nil {
		return b.publishFailed(conn, key, err)
	}
	metrics.IncPublished(metrics.ResultOK)
	return nil
}

func (b *Bus) publishFailed(conn broker.Connection, key string, err error) error {
	if broker.IsConnectivity(err) || conn.IsClosed() {
		b.connectionClosed(conn)
		metrics.IncPublished(metrics.ResultUnavailable)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	b.logger.Error().
		Err(err).
		Str(log.FieldRoutingKey, key).
		Str(log.FieldExchange, b.cfg.Exchange).
		Msg("failed to publish event")
	metrics.IncPublished(metrics.ResultFailed)
	return &PublishError{Exchange: b.cfg.Exchange, RoutingKey: key, Err: err}
}
