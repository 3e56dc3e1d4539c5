package core

// SubscriptionStatus reports whether a subscription is bound on the broker.
type SubscriptionStatus string

const (
	// StatusPending means the subscription is registered but has no broker channel.
	StatusPending SubscriptionStatus = "pending"
	// StatusActive means the subscription's queue is bound and consumed.
	StatusActive SubscriptionStatus = "active"
	// StatusRemoved is reported once when a subscription is unsubscribed.
	StatusRemoved SubscriptionStatus = "removed"
)

// StatusUpdate is emitted when a subscription changes status.
type StatusUpdate struct {
	ID      string             `json:"id"`
	Status  SubscriptionStatus `json:"status"`
	Reason  string             `json:"reason,omitempty"`
	Version int64              `json:"version"`
}
