package eventbus

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidConfig matches every *ConfigError.
	ErrInvalidConfig = errors.New("eventbus: invalid configuration")
	// ErrUnavailable means the broker connection is down. Callers may retry.
	ErrUnavailable = errors.New("eventbus: broker unavailable")
	// ErrPublishFailed matches every *PublishError.
	ErrPublishFailed = errors.New("eventbus: publish failed")
	// ErrSubscriptionFailed matches every *SubscriptionError.
	ErrSubscriptionFailed = errors.New("eventbus: subscription failed")

	ErrNotStarted     = errors.New("eventbus: not started")
	ErrAlreadyStarted = errors.New("eventbus: already started")
	ErrStopped        = errors.New("eventbus: stopped")
)

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("eventbus: invalid configuration: %s %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidConfig) hold.
func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// PublishError wraps a publish failure that is not a connectivity loss.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("eventbus: failed to publish %s on exchange %s: %v", e.RoutingKey, e.Exchange, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPublishFailed) hold.
func (e *PublishError) Is(target error) bool { return target == ErrPublishFailed }

// SubscriptionError reports an invalid subscribe request or a broker-side
// failure unrelated to connectivity.
type SubscriptionError struct {
	ID         uuid.UUID
	BindingKey string
	Err        error
}

func (e *SubscriptionError) Error() string {
	if e.BindingKey == "" {
		return fmt.Sprintf("eventbus: subscription failed: %v", e.Err)
	}
	return fmt.Sprintf("eventbus: subscription %s to %s failed: %v", e.ID, e.BindingKey, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSubscriptionFailed) hold.
func (e *SubscriptionError) Is(target error) bool { return target == ErrSubscriptionFailed }

// IsRetryable reports whether a failed call may succeed once the broker is back.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
