package log

// Canonical field name constants for structured logging.
const (
	FieldComponent      = "component"
	FieldSubscriptionID = "subscription_id"
	FieldRoutingKey     = "routing_key"
	FieldBindingKey     = "binding_key"
	FieldExchange       = "exchange"
	FieldQueue          = "queue"
	FieldAttempt        = "attempt"
	FieldOldState       = "old_state"
	FieldNewState       = "new_state"
	FieldReason         = "reason"
	FieldTransport      = "transport"
)
