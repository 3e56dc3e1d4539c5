package eventbus

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/metrics"
)

// entry is one registered subscription. The queue on the broker and the
// consumer tag are both named after the id.
type entry struct {
	id         uuid.UUID
	name       string
	topic      core.Topic
	bindingKey string
	subscriber Subscriber

	// bindMu serialises channel construction for this entry.
	bindMu sync.Mutex

	// guarded by Bus.mu
	channel broker.Channel
	conn    broker.Connection
}

// status is pending until a channel is bound, and again as soon as the
// connection under that channel is seen closed, before the close
// notification has been handled.
func (e *entry) status() core.SubscriptionStatus {
	if e.channel == nil || e.conn == nil || e.conn.IsClosed() {
		return core.StatusPending
	}
	return core.StatusActive
}

// SubscriptionInfo is a snapshot of a registered subscription.
type SubscriptionInfo struct {
	ID         uuid.UUID               `json:"id"`
	Topic      core.Topic              `json:"topic"`
	BindingKey string                  `json:"binding_key"`
	Status     core.SubscriptionStatus `json:"status"`
}

// registry is not safe for concurrent use; the bus guards it with its mutex.
type registry struct {
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) add(e *entry) {
	r.entries[e.name] = e
	r.publishGauges()
}

func (r *registry) get(name string) *entry {
	return r.entries[name]
}

func (r *registry) remove(name string) *entry {
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	delete(r.entries, name)
	r.publishGauges()
	return e
}

func (r *registry) all() []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// detachAll marks every entry pending and returns their names.
func (r *registry) detachAll() []string {
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		e.channel, e.conn = nil, nil
		names = append(names, name)
	}
	r.publishGauges()
	return names
}

func (r *registry) drain() []*entry {
	out := r.all()
	r.entries = make(map[string]*entry)
	r.publishGauges()
	return out
}

func (r *registry) snapshot() []SubscriptionInfo {
	out := make([]SubscriptionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, SubscriptionInfo{ID: e.id, Topic: e.topic, BindingKey: e.bindingKey, Status: e.status()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (r *registry) publishGauges() {
	var active, pending int
	for _, e := range r.entries {
		if e.status() == core.StatusActive {
			active++
		} else {
			pending++
		}
	}
	metrics.SetSubscriptions(active, pending)
}
