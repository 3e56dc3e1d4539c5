package eventbus

import (
	"fmt"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/log"
	"cloud-eventbus/internal/metrics"
	"cloud-eventbus/internal/topic"
)

// startPump drains one subscription's deliveries until the broker closes
// the stream. Callbacks of one subscription run in order; across
// subscriptions at most DispatchWorkers callbacks run at once.
func (b *Bus) startPump(name string, deliveries <-chan broker.Delivery) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range deliveries {
			b.dispatch(name, d)
		}
	}()
}

func (b *Bus) dispatch(queue string, d broker.Delivery) {
	fields, err := topic.Decode(d.RoutingKey)
	if err != nil {
		metrics.IncDropped(metrics.ReasonMalformed)
		b.logger.Debug().Err(err).Str(log.FieldQueue, queue).Msg("dropping delivery with malformed routing key")
		return
	}

	name := d.ConsumerTag
	if name == "" {
		name = queue
	}
	b.mu.Lock()
	e := b.registry.get(name)
	b.mu.Unlock()
	if e == nil {
		metrics.IncDropped(metrics.ReasonUnsubscribed)
		return
	}

	if err := b.sem.Acquire(b.runCtx, 1); err != nil {
		metrics.IncDropped(metrics.ReasonStopped)
		return
	}
	defer b.sem.Release(1)
	b.invoke(e, fields.Event(d.Body))
}

func (b *Bus) invoke(e *entry, ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackPanicsTotal.Inc()
			b.logger.Error().
				Str(log.FieldSubscriptionID, e.name).
				Str("panic", fmt.Sprint(r)).
				Msg("subscriber panicked while handling event")
		}
	}()
	e.subscriber.OnEvent(ev)
	metrics.DeliveredTotal.Inc()
}
