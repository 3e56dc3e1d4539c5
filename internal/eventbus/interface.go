package eventbus

import (
	"context"

	"github.com/google/uuid"

	"cloud-eventbus/internal/core"
)

// EventBus defines publish/subscribe semantics for control plane events.
type EventBus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, event core.Event) error
	Subscribe(ctx context.Context, topic core.Topic, subscriber Subscriber) (uuid.UUID, error)
	Unsubscribe(ctx context.Context, id uuid.UUID) error
}

// Subscriber receives events matching its subscription. OnEvent runs on a
// dispatcher goroutine; deliveries of one subscription never overlap.
type Subscriber interface {
	OnEvent(event core.Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(event core.Event)

// OnEvent calls f(event).
func (f SubscriberFunc) OnEvent(event core.Event) { f(event) }

var _ EventBus = (*Bus)(nil)
