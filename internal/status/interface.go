// Package status records whether each subscription is currently bound on the
// broker, so operators can see subscriptions left inactive by an outage.
package status

import (
	"context"
	"errors"

	"cloud-eventbus/internal/core"
)

// ErrNotFound is returned by Get for unknown subscriptions.
var ErrNotFound = errors.New("status: subscription not found")

// Store defines operations for the subscription status board.
type Store interface {
	// Put records a status and returns the entry's new version.
	Put(ctx context.Context, id string, st core.SubscriptionStatus, reason string) (int64, error)
	Get(ctx context.Context, id string) (core.StatusUpdate, error)
	Delete(ctx context.Context, id string) error
	// Watch streams every change until ctx is done.
	Watch(ctx context.Context) (<-chan core.StatusUpdate, error)
	Close() error
}
