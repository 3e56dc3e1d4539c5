package eventbus

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/log"
	"cloud-eventbus/internal/topic"
)

var (
	errNilSubscriber = errors.New("subscriber must not be nil")
	errEntryGone     = errors.New("subscription removed while binding")
)

// Subscribe registers subscriber for events matching t and returns the
// subscription id. When the broker is unreachable the subscription is kept
// pending and bound by the reconnection task later; no error is returned.
func (b *Bus) Subscribe(ctx context.Context, t core.Topic, subscriber Subscriber) (uuid.UUID, error) {
	if subscriber == nil {
		return uuid.Nil, &SubscriptionError{Err: errNilSubscriber}
	}
	if err := t.Validate(); err != nil {
		return uuid.Nil, &SubscriptionError{Err: err}
	}

	id := uuid.New()
	e := &entry{
		id:         id,
		name:       id.String(),
		topic:      t,
		bindingKey: topic.BindingKey(t),
		subscriber: subscriber,
	}
	logger := b.logger.With().
		Str(log.FieldSubscriptionID, e.name).
		Str(log.FieldBindingKey, e.bindingKey).
		Logger()

	// The entry goes in before any network call so a reconnect racing with
	// this subscribe still binds it.
	b.mu.Lock()
	if err := b.lifecycleErr(); err != nil {
		b.mu.Unlock()
		return uuid.Nil, err
	}
	b.registry.add(e)
	b.mu.Unlock()
	b.report(e.name, core.StatusPending, "")

	conn, err := b.getConnection()
	if err != nil {
		logger.Warn().Err(err).Msg("connection to broker is lost, subscription will be active after reconnection")
		return id, nil
	}

	err = b.bind(ctx, conn, e)
	switch {
	case err == nil, errors.Is(err, errEntryGone):
		return id, nil
	case broker.IsConnectivity(err):
		if conn.IsClosed() {
			b.connectionClosed(conn)
		}
		logger.Warn().Err(err).Msg("connection to broker is lost, subscription will be active after reconnection")
		return id, nil
	}

	b.mu.Lock()
	b.registry.remove(e.name)
	b.mu.Unlock()
	b.forget(e.name)
	logger.Error().Err(err).Msg("failed to subscribe")
	return uuid.Nil, &SubscriptionError{ID: id, BindingKey: e.bindingKey, Err: err}
}

// bind creates the entry's channel, queue, binding and consumer on conn. It
// is a no-op when the entry is already bound on conn.
func (b *Bus) bind(ctx context.Context, conn broker.Connection, e *entry) (err error) {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	b.mu.Lock()
	if b.registry.get(e.name) != e {
		b.mu.Unlock()
		return errEntryGone
	}
	if e.channel != nil && e.conn == conn {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = ch.Close()
		}
	}()
	if err = ch.ExchangeDeclare(b.cfg.Exchange, broker.ExchangeTopic, true); err != nil {
		return err
	}
	if _, err = ch.QueueDeclare(e.name, false, true); err != nil {
		return err
	}
	if err = ch.QueueBind(e.name, e.bindingKey, b.cfg.Exchange); err != nil {
		return err
	}
	deliveries, err := ch.Consume(e.name, e.name, true)
	if err != nil {
		return err
	}

	b.mu.Lock()
	switch {
	case b.registry.get(e.name) != e:
		err = errEntryGone
	case b.conn != conn:
		err = errConnectionReplaced
	default:
		e.channel, e.conn = ch, conn
		b.registry.publishGauges()
	}
	b.mu.Unlock()
	if err != nil {
		_ = ch.Cancel(e.name)
		if errors.Is(err, errEntryGone) {
			_ = ch.QueueDelete(e.name)
		}
		return err
	}

	b.startPump(e.name, deliveries)
	b.report(e.name, core.StatusActive, "")
	b.logger.Debug().
		Str(log.FieldSubscriptionID, e.name).
		Str(log.FieldBindingKey, e.bindingKey).
		Msg("subscription bound")
	return nil
}

// Unsubscribe cancels the subscription's consumer and removes it. Unknown
// ids are ignored.
func (b *Bus) Unsubscribe(ctx context.Context, id uuid.UUID) error {
	name := id.String()
	b.mu.Lock()
	e := b.registry.remove(name)
	var ch broker.Channel
	if e != nil {
		ch = e.channel
		e.channel, e.conn = nil, nil
	}
	b.mu.Unlock()
	if e == nil {
		return nil
	}
	b.forget(name)
	if ch == nil {
		return nil
	}

	defer func() { _ = ch.Close() }()
	if err := ch.Cancel(name); err != nil {
		if broker.IsConnectivity(err) {
			return nil
		}
		return &SubscriptionError{ID: id, BindingKey: e.bindingKey, Err: err}
	}
	if err := ch.QueueDelete(name); err != nil && !broker.IsConnectivity(err) {
		b.logger.Warn().Err(err).Str(log.FieldQueue, name).Msg("failed to delete queue")
	}
	return nil
}
