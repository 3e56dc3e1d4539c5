// Package broker defines the transport contract the event bus runs on. The
// shape follows AMQP 0-9-1: a connection multiplexes channels, a channel
// declares exchanges and queues, binds them, consumes and publishes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ExchangeTopic is the only exchange kind the bus declares.
const ExchangeTopic = "topic"

// Persistent is the AMQP delivery mode asking the broker to store a message.
const Persistent uint8 = 2

var (
	// ErrClosed is returned by operations on a closed connection or channel.
	ErrClosed = errors.New("broker: connection closed")
	// ErrUnreachable wraps dial failures.
	ErrUnreachable = errors.New("broker: unreachable")
)

// Error describes a connection shutdown that the application did not ask for.
type Error struct {
	Code   int
	Reason string
	Server bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: connection lost (%d): %s", e.Code, e.Reason)
}

// Blocking is sent when the broker starts or stops throttling publishers.
type Blocking struct {
	Active bool
	Reason string
}

// Message is an outbound publish.
type Message struct {
	ContentType  string
	DeliveryMode uint8
	MessageID    string
	Timestamp    time.Time
	Body         []byte
}

// Delivery is an inbound message handed to a consumer.
type Delivery struct {
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	ContentType string
	Body        []byte
}

// Dialer opens connections to a broker.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// Connection is a live broker connection shared by many channels.
type Connection interface {
	Channel(ctx context.Context) (Channel, error)
	// NotifyClose registers a listener. The listener receives an *Error when
	// the connection is lost, and is closed without a value on Close.
	NotifyClose(c chan *Error) chan *Error
	NotifyBlocked(c chan Blocking) chan Blocking
	IsClosed() bool
	// Close shuts the connection down gracefully.
	Close() error
	// Abort drops the connection without the close handshake.
	Abort()
}

// Channel is a lightweight session on a connection.
type Channel interface {
	ExchangeDeclare(name, kind string, durable bool) error
	// QueueDeclare declares a queue. An empty name asks for a generated one.
	QueueDeclare(name string, durable, autoDelete bool) (string, error)
	QueueBind(queue, key, exchange string) error
	QueueDelete(name string) error
	// Consume starts delivering messages from queue. The returned channel is
	// closed when the consumer is cancelled or the channel shuts down.
	Consume(queue, consumerTag string, autoAck bool) (<-chan Delivery, error)
	Cancel(consumerTag string) error
	Publish(ctx context.Context, exchange, key string, msg Message) error
	Close() error
}

// IsConnectivity reports whether err means the connection is unusable.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var (
		be *Error
		ne net.Error
	)
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrUnreachable) ||
		errors.As(err, &be) || errors.As(err, &ne)
}
