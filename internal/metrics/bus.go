// Package metrics holds the Prometheus instruments of the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_published_total",
		Help: "Total number of publish calls by result",
	}, []string{"result"})

	DeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_delivered_total",
		Help: "Total number of messages handed to subscriber callbacks",
	})

	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_dropped_total",
		Help: "Total number of inbound messages dropped before reaching a callback, by reason",
	}, []string{"reason"})

	CallbackPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_callback_panics_total",
		Help: "Total number of subscriber callbacks that panicked",
	})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_reconnects_total",
		Help: "Total number of reconnection attempts by result",
	}, []string{"result"})

	ConnectionUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventbus_connection_up",
		Help: "1 while the bus holds a live broker connection",
	})

	Subscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventbus_subscriptions",
		Help: "Registered subscriptions by status",
	}, []string{"status"})
)

// Publish results.
const (
	ResultOK          = "ok"
	ResultUnavailable = "unavailable"
	ResultFailed      = "failed"
)

// Drop reasons.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonMalformed    = "malformed"
	ReasonStopped      = "stopped"
)

// IncPublished records the outcome of a publish call.
func IncPublished(result string) {
	if result == "" {
		result = "unknown"
	}
	PublishedTotal.WithLabelValues(result).Inc()
}

// IncDropped records an inbound message that was not dispatched.
func IncDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	DroppedTotal.WithLabelValues(reason).Inc()
}

// SetConnectionUp flips the connection gauge.
func SetConnectionUp(up bool) {
	if up {
		ConnectionUp.Set(1)
		return
	}
	ConnectionUp.Set(0)
}

// SetSubscriptions publishes the registry size by status.
func SetSubscriptions(active, pending int) {
	Subscriptions.WithLabelValues("active").Set(float64(active))
	Subscriptions.WithLabelValues("pending").Set(float64(pending))
}
