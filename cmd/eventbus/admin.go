package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cloud-eventbus/internal/eventbus"
	"cloud-eventbus/internal/fsm"
)

// busView is the part of the bus the admin endpoints read.
type busView interface {
	Connected() bool
	State() fsm.State
	Subscriptions() []eventbus.SubscriptionInfo
}

type health struct {
	Connected     bool   `json:"connected"`
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
}

func newAdminRouter(bus busView) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := health{
			Connected:     bus.Connected(),
			State:         string(bus.State()),
			Subscriptions: len(bus.Subscriptions()),
		}
		code := http.StatusOK
		if !h.Connected {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})
	r.Get("/subscriptions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, bus.Subscriptions())
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
