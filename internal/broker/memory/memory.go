// Package memory is an in-process broker with topic exchange semantics. It
// backs the bus in tests and in the CLI's memory transport, and can simulate
// the failures a real broker produces: forced disconnects, blocked
// connections and refused dials.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/topic"
)

const queueBuffer = 1024

// Broker is an in-process message broker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	conns     map[*conn]struct{}
	down      bool
	dials     int
	faults    map[string]error
}

// New returns an empty broker that accepts connections.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		conns:     make(map[*conn]struct{}),
		faults:    make(map[string]error),
	}
}

type binding struct {
	exchange string
	key      string
}

type queue struct {
	name       string
	autoDelete bool
	bindings   []binding
	msgs       chan broker.Delivery
	consumers  int
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.down {
		return nil, fmt.Errorf("%w: memory broker is down", broker.ErrUnreachable)
	}
	c := &conn{b: b, dead: make(chan struct{}), chans: make(map[*channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// Dials returns the number of dial attempts seen so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetDown makes subsequent dials fail (true) or succeed (false).
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Drop closes every open connection as if the server had forced it.
func (b *Broker) Drop() {
	for _, c := range b.openConns() {
		c.shutdown(&broker.Error{Code: 320, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// Block notifies every open connection that publishing is blocked.
func (b *Broker) Block(reason string) {
	for _, c := range b.openConns() {
		c.notifyBlocked(broker.Blocking{Active: true, Reason: reason})
	}
}

// Fail makes the next call of op return err. Recognised ops are
// "channel", "exchange", "queue", "bind", "consume" and "publish".
func (b *Broker) Fail(op string, err error) {
	b.mu.Lock()
	b.faults[op] = err
	b.mu.Unlock()
}

// Queues returns the names of declared queues.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	return len(b.openConns())
}

func (b *Broker) openConns() []*conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

// fault pops an injected error. Callers hold b.mu.
func (b *Broker) fault(op string) error {
	err, ok := b.faults[op]
	if !ok {
		return nil
	}
	delete(b.faults, op)
	return err
}

func (b *Broker) releaseConsumer(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return
	}
	q.consumers--
	if q.autoDelete && q.consumers <= 0 {
		delete(b.queues, name)
	}
}

type conn struct {
	b       *Broker
	mu      sync.Mutex
	closed  bool
	blocked bool
	dead    chan struct{}
	chans   map[*channel]struct{}
	closeLs []chan *broker.Error
	blockLs []chan broker.Blocking
}

func (c *conn) Channel(ctx context.Context) (broker.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.b.mu.Lock()
	err := c.b.fault("channel")
	c.b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrClosed
	}
	ch := &channel{c: c, consumers: make(map[string]*consumer)}
	c.chans[ch] = struct{}{}
	return ch, nil
}

func (c *conn) NotifyClose(l chan *broker.Error) chan *broker.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return l
	}
	c.closeLs = append(c.closeLs, l)
	return l
}

func (c *conn) NotifyBlocked(l chan broker.Blocking) chan broker.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return l
	}
	c.blockLs = append(c.blockLs, l)
	return l
}

func (c *conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close shuts the connection down. Like a real broker that stopped reading
// from a blocked connection, the close handshake of a blocked connection
// never completes: Close returns only once Abort tears the connection down.
func (c *conn) Close() error {
	c.mu.Lock()
	blocked, closed := c.blocked, c.closed
	c.mu.Unlock()
	if blocked && !closed {
		<-c.dead
		return nil
	}
	if !c.shutdown(nil) {
		return broker.ErrClosed
	}
	return nil
}

func (c *conn) Abort() {
	c.shutdown(nil)
}

// shutdown closes the connection once, delivering err to close listeners
// when it is non-nil. It reports whether this call did the closing.
func (c *conn) shutdown(err *broker.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	chans := make([]*channel, 0, len(c.chans))
	for ch := range c.chans {
		chans = append(chans, ch)
	}
	c.chans = nil
	closeLs, blockLs := c.closeLs, c.blockLs
	c.closeLs, c.blockLs = nil, nil
	close(c.dead)
	c.mu.Unlock()

	c.b.mu.Lock()
	delete(c.b.conns, c)
	c.b.mu.Unlock()

	for _, ch := range chans {
		ch.teardown()
	}
	for _, l := range closeLs {
		if err != nil {
			l <- err
		}
		close(l)
	}
	for _, l := range blockLs {
		close(l)
	}
	return true
}

func (c *conn) notifyBlocked(b broker.Blocking) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = b.Active
	for _, l := range c.blockLs {
		select {
		case l <- b:
		default:
		}
	}
}

func (c *conn) forget(ch *channel) {
	c.mu.Lock()
	if c.chans != nil {
		delete(c.chans, ch)
	}
	c.mu.Unlock()
}

type consumer struct {
	tag   string
	queue string
	out   chan broker.Delivery
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func (cs *consumer) stop() {
	cs.once.Do(func() { close(cs.done) })
	cs.wg.Wait()
}

type channel struct {
	c         *conn
	mu        sync.Mutex
	closed    bool
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

func (ch *channel) ExchangeDeclare(name, kind string, durable bool) error {
	if err := ch.usable(); err != nil {
		return err
	}
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault("exchange"); err != nil {
		return err
	}
	if kind != broker.ExchangeTopic {
		return fmt.Errorf("memory: exchange kind %q not supported", kind)
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("memory: PRECONDITION_FAILED - exchange %q redeclared as %q", name, kind)
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete bool) (string, error) {
	if err := ch.usable(); err != nil {
		return "", err
	}
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault("queue"); err != nil {
		return "", err
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{
			name:       name,
			autoDelete: autoDelete,
			msgs:       make(chan broker.Delivery, queueBuffer),
		}
	}
	return name, nil
}

func (ch *channel) QueueBind(name, key, exchange string) error {
	if err := ch.usable(); err != nil {
		return err
	}
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault("bind"); err != nil {
		return err
	}
	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("memory: NOT_FOUND - no queue %q", name)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("memory: NOT_FOUND - no exchange %q", exchange)
	}
	for _, bd := range q.bindings {
		if bd.exchange == exchange && bd.key == key {
			return nil
		}
	}
	q.bindings = append(q.bindings, binding{exchange: exchange, key: key})
	return nil
}

func (ch *channel) QueueDelete(name string) error {
	if err := ch.usable(); err != nil {
		return err
	}
	b := ch.c.b
	b.mu.Lock()
	delete(b.queues, name)
	b.mu.Unlock()
	return nil
}

func (ch *channel) Consume(name, tag string, autoAck bool) (<-chan broker.Delivery, error) {
	if err := ch.usable(); err != nil {
		return nil, err
	}
	if !autoAck {
		return nil, errors.New("memory: only auto-ack consumers are supported")
	}
	b := ch.c.b
	b.mu.Lock()
	if err := b.fault("consume"); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("memory: NOT_FOUND - no queue %q", name)
	}
	q.consumers++
	msgs := q.msgs
	b.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, dup := ch.consumers[tag]; dup {
		b.releaseConsumer(name)
		return nil, fmt.Errorf("memory: NOT_ALLOWED - consumer tag %q reused", tag)
	}
	cs := &consumer{tag: tag, queue: name, out: make(chan broker.Delivery), done: make(chan struct{})}
	ch.consumers[tag] = cs
	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		defer close(cs.out)
		for {
			select {
			case d := <-msgs:
				d.ConsumerTag = tag
				select {
				case cs.out <- d:
				case <-cs.done:
					return
				}
			case <-cs.done:
				return
			}
		}
	}()
	return cs.out, nil
}

func (ch *channel) Cancel(tag string) error {
	if err := ch.usable(); err != nil {
		return err
	}
	ch.mu.Lock()
	cs, ok := ch.consumers[tag]
	delete(ch.consumers, tag)
	ch.mu.Unlock()
	if ok {
		cs.stop()
		ch.c.b.releaseConsumer(cs.queue)
	}
	return nil
}

func (ch *channel) Publish(ctx context.Context, exchange, key string, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.usable(); err != nil {
		return err
	}
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault("publish"); err != nil {
		return err
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("memory: NOT_FOUND - no exchange %q", exchange)
	}
	body := append([]byte(nil), msg.Body...)
	for _, q := range b.queues {
		for _, bd := range q.bindings {
			if bd.exchange != exchange || !topic.Match(bd.key, key) {
				continue
			}
			select {
			case q.msgs <- broker.Delivery{Exchange: exchange, RoutingKey: key, ContentType: msg.ContentType, Body: body}:
			default:
			}
			break
		}
	}
	return nil
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return broker.ErrClosed
	}
	ch.mu.Unlock()
	ch.teardown()
	ch.c.forget(ch)
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
		ch.c.b.releaseConsumer(cs.queue)
	}
}
