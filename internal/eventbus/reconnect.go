package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/log"
	"cloud-eventbus/internal/metrics"
)

var errConnectionReplaced = fmt.Errorf("%w: connection replaced while binding", broker.ErrClosed)

// newBackOff waits RetryInterval between attempts, growing exponentially up
// to MaxRetryInterval when that is larger. Attempts never run out.
func (b *Bus) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.RetryInterval()
	eb.MaxInterval = b.cfg.MaxRetryInterval()
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	if eb.MaxInterval <= eb.InitialInterval {
		eb.Multiplier = 1
	}
	eb.Reset()
	return backoff.WithContext(eb, ctx)
}

// reconnectLoop waits one retry interval and then dials until a connection
// is obtained and every registered subscription is bound again, or until
// ctx is cancelled.
func (b *Bus) reconnectLoop(ctx context.Context) {
	defer b.wg.Done()

	bo := b.newBackOff(ctx)
	timer := time.NewTimer(bo.NextBackOff())
	select {
	case <-ctx.Done():
		timer.Stop()
		b.endReconnect()
		return
	case <-timer.C:
	}

	attempt := 0
	op := func() error {
		attempt++
		b.fire(triggerConnect)
		err := b.connectAndRestore(ctx)
		if err != nil && (ctx.Err() != nil || errors.Is(err, ErrStopped)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn().
			Err(err).
			Int(log.FieldAttempt, attempt).
			Dur("retry_in", wait).
			Msg("reconnection attempt failed")
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		b.logger.Debug().Err(err).Int(log.FieldAttempt, attempt).Msg("reconnection abandoned")
		b.endReconnect()
		return
	}
	b.logger.Info().Int(log.FieldAttempt, attempt).Msg("reconnected to broker")
}

func (b *Bus) endReconnect() {
	b.mu.Lock()
	b.reconnecting = false
	b.mu.Unlock()
}

// connectAndRestore dials, installs the new connection and binds every
// registry entry on it. A connectivity failure while binding discards the
// connection and is returned for another attempt, so a restored connection
// never carries a partly rebuilt registry. An entry the broker refuses stays
// pending with the refusal as its status reason and is retried on the next
// reconnection.
func (b *Bus) connectAndRestore(ctx context.Context) error {
	conn, err := b.dialer.Dial(ctx)
	if err != nil {
		metrics.ReconnectsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return err
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	b.conn = conn
	entries := b.registry.all()
	b.mu.Unlock()
	b.watch(conn)

	restored, refused := 0, 0
	for _, e := range entries {
		err := b.bind(ctx, conn, e)
		switch {
		case err == nil:
			restored++
			continue
		case errors.Is(err, errEntryGone):
			continue
		case !broker.IsConnectivity(err) && !conn.IsClosed():
			// The broker refused this one subscription; the rest of the
			// registry and publishing keep the connection.
			refused++
			b.logger.Error().
				Err(err).
				Str(log.FieldSubscriptionID, e.name).
				Str(log.FieldBindingKey, e.bindingKey).
				Msg("broker refused to recreate queue and binding, subscription stays pending")
			b.report(e.name, core.StatusPending, err.Error())
			continue
		}
		b.logger.Warn().
			Err(err).
			Str(log.FieldSubscriptionID, e.name).
			Str(log.FieldBindingKey, e.bindingKey).
			Msg("connection lost while recreating queue and binding, discarding connection")
		b.mu.Lock()
		names, ok := b.detachLocked(conn)
		b.mu.Unlock()
		if ok {
			conn.Abort()
			b.markPending(names, err.Error())
		}
		metrics.ReconnectsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return err
	}

	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		metrics.ReconnectsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return errConnectionReplaced
	}
	b.reconnecting = false
	b.mu.Unlock()

	b.fire(triggerConnected)
	metrics.ReconnectsTotal.WithLabelValues(metrics.ResultOK).Inc()
	b.logger.Info().Int("subscriptions", restored).Int("refused", refused).Msg("connected to broker")
	return nil
}
