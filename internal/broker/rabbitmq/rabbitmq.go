// Package rabbitmq implements the broker transport on AMQP 0-9-1 using
// github.com/rabbitmq/amqp091-go.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/log"
)

const defaultDialTimeout = 30 * time.Second

// Config describes how to reach the broker.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string
	// TLS enables amqps when non-nil.
	TLS            *broker.TLSOptions
	Heartbeat      time.Duration
	ConnectionName string
	DialTimeout    time.Duration
}

// URI returns the AMQP URI for cfg. The password is included.
func (c Config) URI() amqp.URI {
	u := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VirtualHost,
	}
	if u.Vhost == "" {
		u.Vhost = "/"
	}
	if c.TLS != nil {
		u.Scheme = "amqps"
	}
	return u
}

func (c Config) amqpConfig() (amqp.Config, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	props := amqp.NewConnectionProperties()
	if c.ConnectionName != "" {
		props.SetClientConnectionName(c.ConnectionName)
	}
	cfg := amqp.Config{
		Vhost:      c.URI().Vhost,
		Heartbeat:  c.Heartbeat,
		Properties: props,
		Dial:       amqp.DefaultDial(timeout),
	}
	if c.TLS != nil {
		tc, err := broker.NewTLSConfig(c.Host, *c.TLS)
		if err != nil {
			return amqp.Config{}, err
		}
		cfg.TLSClientConfig = tc
	}
	return cfg, nil
}

// Dialer opens AMQP connections.
type Dialer struct {
	cfg    Config
	logger zerolog.Logger
}

// NewDialer returns a dialer for cfg.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg, logger: log.WithComponent("rabbitmq")}
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Dial connects to the broker. amqp091 has no context-aware dial, so a dial
// abandoned through ctx is closed once it completes.
func (d *Dialer) Dial(ctx context.Context) (broker.Connection, error) {
	acfg, err := d.cfg.amqpConfig()
	if err != nil {
		return nil, err
	}
	uri := d.cfg.URI()
	res := make(chan dialResult, 1)
	go func() {
		c, err := amqp.DialConfig(uri.String(), acfg)
		res <- dialResult{conn: c, err: err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", broker.ErrUnreachable, d.cfg.Host, d.cfg.Port, r.err)
		}
		d.logger.Debug().Str("host", d.cfg.Host).Int("port", d.cfg.Port).Str("vhost", uri.Vhost).Msg("connected")
		return &connection{c: r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// TLSConfig exposes the tls.Config the dialer would use, nil without TLS.
func (d *Dialer) TLSConfig() (*tls.Config, error) {
	acfg, err := d.cfg.amqpConfig()
	if err != nil {
		return nil, err
	}
	return acfg.TLSClientConfig, nil
}

// mapErr converts amqp091 errors into the broker vocabulary.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", broker.ErrClosed, err)
	}
	var ae *amqp.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case amqp.ConnectionForced, amqp.FrameError, amqp.InternalError, amqp.ChannelError:
			return fmt.Errorf("%w: %v", broker.ErrClosed, err)
		}
	}
	return err
}

type connection struct {
	c *amqp.Connection
}

func (c *connection) Channel(_ context.Context) (broker.Channel, error) {
	ch, err := c.c.Channel()
	if err != nil {
		return nil, mapErr(err)
	}
	return &channel{ch: ch}, nil
}

func (c *connection) NotifyClose(l chan *broker.Error) chan *broker.Error {
	src := c.c.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		defer close(l)
		for e := range src {
			if e == nil {
				continue
			}
			l <- &broker.Error{Code: e.Code, Reason: e.Reason, Server: e.Server}
		}
	}()
	return l
}

func (c *connection) NotifyBlocked(l chan broker.Blocking) chan broker.Blocking {
	src := c.c.NotifyBlocked(make(chan amqp.Blocking, 1))
	go func() {
		defer close(l)
		for b := range src {
			l <- broker.Blocking{Active: b.Active, Reason: b.Reason}
		}
	}()
	return l
}

func (c *connection) IsClosed() bool { return c.c.IsClosed() }

func (c *connection) Close() error { return mapErr(c.c.Close()) }

// Abort gives the close handshake no time, which is all a dead socket allows.
func (c *connection) Abort() {
	_ = c.c.CloseDeadline(time.Now())
}

type channel struct {
	ch *amqp.Channel
}

func (c *channel) ExchangeDeclare(name, kind string, durable bool) error {
	return mapErr(c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil))
}

func (c *channel) QueueDeclare(name string, durable, autoDelete bool) (string, error) {
	q, err := c.ch.QueueDeclare(name, durable, autoDelete, false, false, nil)
	if err != nil {
		return "", mapErr(err)
	}
	return q.Name, nil
}

func (c *channel) QueueBind(queue, key, exchange string) error {
	return mapErr(c.ch.QueueBind(queue, key, exchange, false, nil))
}

func (c *channel) QueueDelete(name string) error {
	_, err := c.ch.QueueDelete(name, false, false, false)
	return mapErr(err)
}

func (c *channel) Consume(queue, consumerTag string, autoAck bool) (<-chan broker.Delivery, error) {
	msgs, err := c.ch.Consume(queue, consumerTag, autoAck, false, false, false, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for m := range msgs {
			out <- toDelivery(m)
		}
	}()
	return out, nil
}

func toDelivery(m amqp.Delivery) broker.Delivery {
	return broker.Delivery{
		ConsumerTag: m.ConsumerTag,
		Exchange:    m.Exchange,
		RoutingKey:  m.RoutingKey,
		ContentType: m.ContentType,
		Body:        m.Body,
	}
}

func (c *channel) Cancel(consumerTag string) error {
	return mapErr(c.ch.Cancel(consumerTag, false))
}

func (c *channel) Publish(ctx context.Context, exchange, key string, msg broker.Message) error {
	return mapErr(c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	}))
}

func (c *channel) Close() error { return mapErr(c.ch.Close()) }
