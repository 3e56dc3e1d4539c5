package eventbus

import (
	"context"
	"errors"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/fsm"
	"cloud-eventbus/internal/log"
	"cloud-eventbus/internal/metrics"
)

// Connection lifecycle states.
const (
	StateDisconnected fsm.State = "disconnected"
	StateConnecting   fsm.State = "connecting"
	StateReconnected  fsm.State = "reconnected"
	StateStopped      fsm.State = "stopped"
)

const (
	triggerConnect   fsm.Trigger = "connect"
	triggerConnected fsm.Trigger = "connected"
	triggerLost      fsm.Trigger = "lost"
	triggerStop      fsm.Trigger = "stop"
)

func newConnectionMachine() *fsm.FSM {
	m := fsm.New("connection", StateDisconnected)
	for _, t := range []fsm.Transition{
		{From: StateDisconnected, On: triggerConnect, To: StateConnecting},
		{From: StateConnecting, On: triggerConnect, To: StateConnecting},
		{From: StateConnecting, On: triggerConnected, To: StateReconnected},
		{From: StateConnecting, On: triggerLost, To: StateDisconnected},
		{From: StateReconnected, On: triggerLost, To: StateDisconnected},
		{From: StateDisconnected, On: triggerStop, To: StateStopped},
		{From: StateConnecting, On: triggerStop, To: StateStopped},
		{From: StateReconnected, On: triggerStop, To: StateStopped},
	} {
		m.AddTransition(t)
	}
	down := fsm.StateActions{OnEnter: func(context.Context) error {
		metrics.SetConnectionUp(false)
		return nil
	}}
	m.AddStateActions(StateDisconnected, down)
	m.AddStateActions(StateStopped, down)
	m.AddStateActions(StateReconnected, fsm.StateActions{OnEnter: func(context.Context) error {
		metrics.SetConnectionUp(true)
		return nil
	}})
	return m
}

func (b *Bus) fire(t fsm.Trigger) {
	if err := b.machine.Fire(context.Background(), t); err != nil && !errors.Is(err, fsm.ErrNoTransition) {
		b.logger.Debug().Err(err).Str("trigger", string(t)).Msg("state transition failed")
	}
}

// getConnection returns the shared connection. A connection found closed is
// torn down on the spot so the reconnection task takes over.
func (b *Bus) getConnection() (broker.Connection, error) {
	b.mu.Lock()
	if err := b.lifecycleErr(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, ErrUnavailable
	}
	if conn.IsClosed() {
		b.connectionClosed(conn)
		return nil, ErrUnavailable
	}
	return conn, nil
}

// watch follows close and blocked notifications of conn until it closes.
func (b *Bus) watch(conn broker.Connection) {
	closed := conn.NotifyClose(make(chan *broker.Error, 1))
	blocked := conn.NotifyBlocked(make(chan broker.Blocking, 1))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case err, ok := <-closed:
				if !ok {
					return
				}
				if err != nil {
					b.connectionLost(conn, err)
					return
				}
			case bl, ok := <-blocked:
				if !ok {
					blocked = nil
					continue
				}
				if bl.Active {
					b.connectionBlocked(conn, bl.Reason)
					return
				}
				b.logger.Info().Msg("broker connection unblocked")
			}
		}
	}()
}

// detachLocked clears the connection slot and every entry's channel, and
// schedules reconnection. It returns false when conn is not the current
// connection. Callers hold b.mu.
func (b *Bus) detachLocked(conn broker.Connection) ([]string, bool) {
	if conn == nil || b.conn != conn {
		return nil, false
	}
	b.conn = nil
	names := b.registry.detachAll()
	b.fire(triggerLost)
	if !b.stopped && !b.reconnecting {
		b.reconnecting = true
		b.wg.Add(1)
		go b.reconnectLoop(b.runCtx)
	}
	return names, true
}

func (b *Bus) markPending(names []string, reason string) {
	for _, name := range names {
		b.report(name, core.StatusPending, reason)
	}
}

// connectionLost handles a shutdown the application did not initiate.
func (b *Bus) connectionLost(conn broker.Connection, cause *broker.Error) {
	b.mu.Lock()
	names, ok := b.detachLocked(conn)
	b.mu.Unlock()
	if !ok {
		return
	}
	conn.Abort()
	b.logger.Warn().
		Int("code", cause.Code).
		Str(log.FieldReason, cause.Reason).
		Int("subscriptions", len(names)).
		Msg("connection has been shut down by the broker, attempting to reconnect")
	b.markPending(names, cause.Reason)
}

// connectionBlocked aborts a connection the broker stopped accepting
// publishes on, so callers waiting on it fail instead of hanging. A graceful
// close handshake would wait on the same blocked broker.
func (b *Bus) connectionBlocked(conn broker.Connection, reason string) {
	b.logger.Error().Str(log.FieldReason, reason).Msg("broker connection is blocked, aborting it")
	b.mu.Lock()
	names, ok := b.detachLocked(conn)
	b.mu.Unlock()
	if !ok {
		return
	}
	conn.Abort()
	b.markPending(names, "connection blocked: "+reason)
}

// connectionClosed runs the teardown path for a connection a caller found dead.
func (b *Bus) connectionClosed(conn broker.Connection) {
	b.mu.Lock()
	names, ok := b.detachLocked(conn)
	b.mu.Unlock()
	if !ok {
		return
	}
	conn.Abort()
	b.logger.Warn().Int("subscriptions", len(names)).Msg("connection to broker is lost, attempting to reconnect")
	b.markPending(names, "connection lost")
}
