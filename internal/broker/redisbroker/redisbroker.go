// Package redisbroker runs the broker transport on Redis pub/sub. A topic
// exchange is emulated with channels named "exchange:routingKey" and pattern
// subscriptions; deliveries are filtered with AMQP topic semantics so "#"
// and multi-word matches behave as they do on RabbitMQ.
//
// Redis pub/sub keeps nothing for absent subscribers and has no persistent
// delivery mode; queues exist only while they are consumed.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/log"
	"cloud-eventbus/internal/topic"
)

const (
	defaultHealthInterval = time.Second
	defaultHealthTimeout  = time.Second
	defaultHealthFailures = 2
	channelSeparator      = ":"
	globSpecials          = `\*?[]^`
)

// Config describes the Redis server.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      *broker.TLSOptions
	// HealthInterval is how often the connection is checked with PING.
	HealthInterval time.Duration
	// HealthTimeout bounds a single PING.
	HealthTimeout time.Duration
	// HealthFailures consecutive failed PINGs are reported as a lost
	// connection.
	HealthFailures int
}

// Dialer opens Redis-backed connections.
type Dialer struct {
	cfg    Config
	logger zerolog.Logger
}

// NewDialer returns a dialer for cfg.
func NewDialer(cfg Config) *Dialer {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.HealthFailures <= 0 {
		cfg.HealthFailures = defaultHealthFailures
	}
	return &Dialer{cfg: cfg, logger: log.WithComponent("redisbroker")}
}

// Dial connects and verifies the server answers PING.
func (d *Dialer) Dial(ctx context.Context) (broker.Connection, error) {
	opts := &redis.Options{
		Addr:     d.cfg.Addr,
		Username: d.cfg.Username,
		Password: d.cfg.Password,
		DB:       d.cfg.DB,
	}
	if d.cfg.TLS != nil {
		host := d.cfg.Addr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		tc, err := broker.NewTLSConfig(host, *d.cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tc
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", broker.ErrUnreachable, d.cfg.Addr, err)
	}
	c := &connection{
		client:   client,
		interval: d.cfg.HealthInterval,
		timeout:  d.cfg.HealthTimeout,
		failures: d.cfg.HealthFailures,
		logger:   d.logger,
		chans:    make(map[*channel]struct{}),
		done:     make(chan struct{}),
	}
	go c.monitor()
	return c, nil
}

type connection struct {
	client   *redis.Client
	interval time.Duration
	timeout  time.Duration
	failures int
	logger   zerolog.Logger

	mu      sync.Mutex
	closed  bool
	chans   map[*channel]struct{}
	closeLs []chan *broker.Error
	blockLs []chan broker.Blocking
	done    chan struct{}
}

// monitor reports the connection lost after c.failures PINGs in a row fail.
// A single slow answer is not a loss.
func (c *connection) monitor() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			err := c.client.Ping(ctx).Err()
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			c.logger.Warn().Err(err).Int("missed", missed).Msg("health check failed")
			if missed >= c.failures {
				c.shutdown(&broker.Error{Code: 320, Reason: err.Error(), Server: true})
				return
			}
		}
	}
}

func (c *connection) Channel(_ context.Context) (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrClosed
	}
	ch := &channel{
		c:         c,
		queues:    make(map[string][]binding),
		consumers: make(map[string]*consumer),
	}
	c.chans[ch] = struct{}{}
	return ch, nil
}

func (c *connection) NotifyClose(l chan *broker.Error) chan *broker.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return l
	}
	c.closeLs = append(c.closeLs, l)
	return l
}

func (c *connection) NotifyBlocked(l chan broker.Blocking) chan broker.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return l
	}
	c.blockLs = append(c.blockLs, l)
	return l
}

func (c *connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) Close() error {
	if !c.shutdown(nil) {
		return broker.ErrClosed
	}
	return nil
}

func (c *connection) Abort() { c.shutdown(nil) }

func (c *connection) shutdown(cause *broker.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.done)
	chans := make([]*channel, 0, len(c.chans))
	for ch := range c.chans {
		chans = append(chans, ch)
	}
	c.chans = nil
	closeLs, blockLs := c.closeLs, c.blockLs
	c.closeLs, c.blockLs = nil, nil
	c.mu.Unlock()

	for _, ch := range chans {
		ch.teardown()
	}
	_ = c.client.Close()
	for _, l := range closeLs {
		if cause != nil {
			l <- cause
		}
		close(l)
	}
	for _, l := range blockLs {
		close(l)
	}
	return true
}

// blocked tells listeners the server refuses writes, as Redis does when it
// hits maxmemory.
func (c *connection) blocked(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.blockLs {
		select {
		case l <- broker.Blocking{Active: true, Reason: reason}:
		default:
		}
	}
}

func (c *connection) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) || c.IsClosed() {
		return fmt.Errorf("%w: %v", broker.ErrClosed, err)
	}
	if strings.HasPrefix(err.Error(), "OOM ") {
		c.blocked(err.Error())
	}
	return err
}

type binding struct {
	exchange string
	key      string
	pattern  string
}

type consumer struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (cs *consumer) stop() {
	cs.once.Do(func() {
		close(cs.done)
		_ = cs.pubsub.Close()
	})
	cs.wg.Wait()
}

type channel struct {
	c         *connection
	mu        sync.Mutex
	closed    bool
	queues    map[string][]binding
	consumers map[string]*consumer
}

func (ch *channel) usable() error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed || ch.c.IsClosed() {
		return broker.ErrClosed
	}
	return nil
}

// ExchangeDeclare only checks the kind; Redis needs no exchange object.
func (ch *channel) ExchangeDeclare(name, kind string, durable bool) error {
	if err := ch.usable(); err != nil {
		return err
	}
	if kind != broker.ExchangeTopic {
		return fmt.Errorf("redisbroker: exchange kind %q not supported", kind)
	}
	if name == "" || strings.Contains(name, channelSeparator) {
		return fmt.Errorf("redisbroker: invalid exchange name %q", name)
	}
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete bool) (string, error) {
	if err := ch.usable(); err != nil {
		return "", err
	}
	if name == "" {
		name = "redis.gen-" + uuid.NewString()
	}
	ch.mu.Lock()
	if _, ok := ch.queues[name]; !ok {
		ch.queues[name] = nil
	}
	ch.mu.Unlock()
	return name, nil
}

func (ch *channel) QueueBind(queue, key, exchange string) error {
	if err := ch.usable(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	bs, ok := ch.queues[queue]
	if !ok {
		return fmt.Errorf("redisbroker: NOT_FOUND - no queue %q", queue)
	}
	for _, b := range bs {
		if b.exchange == exchange && b.key == key {
			return nil
		}
	}
	ch.queues[queue] = append(bs, binding{exchange: exchange, key: key, pattern: Pattern(exchange, key)})
	return nil
}

func (ch *channel) QueueDelete(name string) error {
	if err := ch.usable(); err != nil {
		return err
	}
	ch.mu.Lock()
	delete(ch.queues, name)
	ch.mu.Unlock()
	return nil
}

func (ch *channel) Consume(queue, consumerTag string, autoAck bool) (<-chan broker.Delivery, error) {
	if err := ch.usable(); err != nil {
		return nil, err
	}
	if !autoAck {
		return nil, errors.New("redisbroker: pub/sub deliveries cannot be acknowledged")
	}
	ch.mu.Lock()
	bs, ok := ch.queues[queue]
	_, dup := ch.consumers[consumerTag]
	ch.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("redisbroker: NOT_FOUND - no queue %q", queue)
	}
	if dup {
		return nil, fmt.Errorf("redisbroker: NOT_ALLOWED - consumer tag %q reused", consumerTag)
	}
	if len(bs) == 0 {
		return nil, fmt.Errorf("redisbroker: queue %q has no bindings", queue)
	}

	patterns := make([]string, len(bs))
	for i, b := range bs {
		patterns[i] = b.pattern
	}
	ctx := context.Background()
	ps := ch.c.client.PSubscribe(ctx, patterns...)
	for range patterns {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, ch.c.mapErr(err)
		}
	}

	cs := &consumer{pubsub: ps, done: make(chan struct{})}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		_ = ps.Close()
		return nil, broker.ErrClosed
	}
	ch.consumers[consumerTag] = cs
	ch.mu.Unlock()

	out := make(chan broker.Delivery)
	msgs := ps.Channel()
	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		defer close(out)
		for {
			select {
			case <-cs.done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				d, ok := route(bs, m)
				if !ok {
					continue
				}
				d.ConsumerTag = consumerTag
				select {
				case out <- d:
				case <-cs.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// route accepts a message once per queue: only through the first binding
// that matches it, and only when it arrived via that binding's pattern.
func route(bs []binding, m *redis.Message) (broker.Delivery, bool) {
	exchange, key, ok := strings.Cut(m.Channel, channelSeparator)
	if !ok {
		return broker.Delivery{}, false
	}
	for _, b := range bs {
		if b.exchange != exchange || !topic.Match(b.key, key) {
			continue
		}
		if b.pattern != m.Pattern {
			return broker.Delivery{}, false
		}
		return broker.Delivery{Exchange: exchange, RoutingKey: key, Body: []byte(m.Payload)}, true
	}
	return broker.Delivery{}, false
}

func (ch *channel) Cancel(consumerTag string) error {
	if err := ch.usable(); err != nil {
		return err
	}
	ch.mu.Lock()
	cs, ok := ch.consumers[consumerTag]
	delete(ch.consumers, consumerTag)
	ch.mu.Unlock()
	if ok {
		cs.stop()
	}
	return nil
}

func (ch *channel) Publish(ctx context.Context, exchange, key string, msg broker.Message) error {
	if err := ch.usable(); err != nil {
		return err
	}
	return ch.c.mapErr(ch.c.client.Publish(ctx, exchange+channelSeparator+key, msg.Body).Err())
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return broker.ErrClosed
	}
	ch.mu.Unlock()
	ch.teardown()
	ch.c.mu.Lock()
	if ch.c.chans != nil {
		delete(ch.c.chans, ch)
	}
	ch.c.mu.Unlock()
	return nil
}

func (ch *channel) teardown() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = nil
	ch.mu.Unlock()
	for _, cs := range consumers {
		cs.stop()
	}
}

// Pattern converts an AMQP binding key into a PSUBSCRIBE glob. The glob may
// match more than the binding; route filters the excess.
func Pattern(exchange, key string) string {
	prefix := escapeGlob(exchange) + channelSeparator
	words := strings.Split(key, ".")
	for _, w := range words {
		if w == topic.MultiWildcard {
			return prefix + "*"
		}
	}
	for i, w := range words {
		if w != topic.Wildcard {
			words[i] = escapeGlob(w)
		}
	}
	return prefix + strings.Join(words, ".")
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, globSpecials) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(globSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
