// Package eventbus publishes control plane events to a topic exchange and
// delivers matching events to subscribers, keeping every subscription bound
// across broker connection loss.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/broker/rabbitmq"
	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/fsm"
	"cloud-eventbus/internal/log"
	"cloud-eventbus/internal/status"
)

const statusTimeout = 2 * time.Second

// Bus is a broker-backed event bus. It owns one shared connection, the
// subscription registry and the reconnection task.
type Bus struct {
	// given is the configuration as passed to New; cfg has defaults applied.
	given  Config
	cfg    Config
	dialer broker.Dialer
	store  status.Store
	logger zerolog.Logger

	machine *fsm.FSM
	sem     *semaphore.Weighted

	// mu guards the connection slot, the registry and the lifecycle flags.
	mu           sync.Mutex
	conn         broker.Connection
	registry     *registry
	started      bool
	stopped      bool
	reconnecting bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithDialer replaces the default RabbitMQ dialer.
func WithDialer(d broker.Dialer) Option {
	return func(b *Bus) { b.dialer = d }
}

// WithLogger sets the bus logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithStatusStore reports subscription status changes to s.
func WithStatusStore(s status.Store) Option {
	return func(b *Bus) { b.store = s }
}

// New creates a bus. Nothing is validated or dialled until Start.
func New(cfg Config, opts ...Option) *Bus {
	b := &Bus{
		given:    cfg,
		cfg:      cfg.WithDefaults(),
		registry: newRegistry(),
		logger:   log.WithComponent("eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		b.store = status.NewMemoryStore()
	}
	b.machine = newConnectionMachine()
	b.sem = semaphore.NewWeighted(int64(b.cfg.DispatchWorkers))
	return b
}

// Start validates the configuration and connects to the broker. A broker
// that cannot be reached does not fail Start: the bus keeps retrying in the
// background and subscriptions stay pending until it succeeds.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.given.Validate(); err != nil {
		b.logger.Error().Err(err).Msg("refusing to start event bus")
		return err
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	if b.dialer == nil {
		b.dialer = rabbitmq.NewDialer(b.rabbitConfig())
	}
	b.started = true
	b.runCtx, b.runCancel = context.WithCancel(context.Background())
	b.reconnecting = true
	b.mu.Unlock()

	b.logger.Info().
		Str("host", b.cfg.Host).
		Int("port", b.cfg.Port).
		Str("vhost", b.cfg.VirtualHost).
		Str(log.FieldExchange, b.cfg.Exchange).
		Bool("tls", b.cfg.TLS.Enabled).
		Msg("starting event bus")

	b.fire(triggerConnect)
	err := b.connectAndRestore(ctx)
	if err == nil {
		return nil
	}
	b.logger.Warn().Err(err).Dur("retry_in", b.cfg.RetryInterval()).Msg("broker not reachable at start, retrying in background")
	b.mu.Lock()
	if !b.stopped {
		b.wg.Add(1)
		go b.reconnectLoop(b.runCtx)
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) rabbitConfig() rabbitmq.Config {
	rc := rabbitmq.Config{
		Host:           b.cfg.Host,
		Port:           b.cfg.Port,
		Username:       b.cfg.Username,
		Password:       b.cfg.Password,
		VirtualHost:    b.cfg.VirtualHost,
		Heartbeat:      b.cfg.Heartbeat(),
		ConnectionName: b.cfg.ConnectionName,
	}
	if b.cfg.TLS.Enabled {
		rc.TLS = &broker.TLSOptions{
			Protocol:           b.cfg.TLS.Protocol,
			CAFile:             b.cfg.TLS.CAFile,
			InsecureSkipVerify: b.cfg.TLS.InsecureSkipVerify,
		}
	}
	return rc
}

// Stop cancels every consumer, deletes the subscription queues, closes the
// connection and waits for background goroutines, bounded by ctx. A
// reconnection attempt in progress is interrupted.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.stopped = true
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.runCancel()
	conn := b.conn
	b.conn = nil
	entries := b.registry.drain()
	channels := make([]broker.Channel, len(entries))
	for i, e := range entries {
		channels[i] = e.channel
		e.channel, e.conn = nil, nil
	}
	b.mu.Unlock()

	var errs []error
	for i, e := range entries {
		ch := channels[i]
		if ch == nil {
			continue
		}
		if err := ch.Cancel(e.name); err != nil && !broker.IsConnectivity(err) {
			errs = append(errs, err)
		}
		if err := ch.QueueDelete(e.name); err != nil && !broker.IsConnectivity(err) {
			b.logger.Warn().Err(err).Str(log.FieldQueue, e.name).Msg("failed to delete queue")
		}
		_ = ch.Close()
	}
	if conn != nil {
		if err := closeConn(ctx, conn); err != nil && !errors.Is(err, broker.ErrClosed) {
			errs = append(errs, err)
		}
	}
	b.fire(triggerStop)
	for _, e := range entries {
		b.forget(e.name)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	b.logger.Info().Int("subscriptions", len(entries)).Msg("event bus stopped")
	return errors.Join(errs...)
}

// closeConn closes conn gracefully, aborting it when ctx ends first. A broker
// that blocked the connection never answers the close handshake.
func closeConn(ctx context.Context, conn broker.Connection) error {
	done := make(chan error, 1)
	go func() { done <- conn.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		conn.Abort()
		<-done
		return ctx.Err()
	}
}

// Connected reports whether the bus holds a live connection.
func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

// State returns the connection lifecycle state.
func (b *Bus) State() fsm.State {
	return b.machine.State()
}

// Subscriptions lists the registered subscriptions.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.snapshot()
}

// Status returns the recorded status of a subscription.
func (b *Bus) Status(ctx context.Context, id uuid.UUID) (core.StatusUpdate, error) {
	return b.store.Get(ctx, id.String())
}

// report records a status change. Store failures are logged only.
func (b *Bus) report(name string, st core.SubscriptionStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	if _, err := b.store.Put(ctx, name, st, reason); err != nil {
		b.logger.Warn().Err(err).Str(log.FieldSubscriptionID, name).Msg("failed to record subscription status")
	}
}

func (b *Bus) forget(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	if err := b.store.Delete(ctx, name); err != nil {
		b.logger.Warn().Err(err).Str(log.FieldSubscriptionID, name).Msg("failed to remove subscription status")
	}
}

// lifecycleErr is called with b.mu held.
func (b *Bus) lifecycleErr() error {
	switch {
	case b.stopped:
		return ErrStopped
	case !b.started:
		return ErrNotStarted
	}
	return nil
}
