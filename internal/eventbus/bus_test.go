package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cloud-eventbus/internal/broker"
	"cloud-eventbus/internal/broker/memory"
	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/fsm"
	"cloud-eventbus/internal/log"
	"cloud-eventbus/internal/metrics"
	"cloud-eventbus/internal/status"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	cfg := validConfig()
	cfg.RetryIntervalMS = 20
	return cfg
}

type collector struct {
	ch chan core.Event
}

func newCollector() *collector {
	return &collector{ch: make(chan core.Event, 1024)}
}

func (c *collector) OnEvent(ev core.Event) { c.ch <- ev }

func (c *collector) next(t *testing.T) core.Event {
	t.Helper()
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for event")
		return core.Event{}
	}
}

func (c *collector) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-c.ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func startBus(t *testing.T, mb *memory.Broker, opts ...Option) *Bus {
	t.Helper()
	opts = append([]Option{WithDialer(mb), WithLogger(log.Nop())}, opts...)
	bus := New(testConfig(), opts...)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

func allActive(bus *Bus, n int) func() bool {
	return func() bool {
		subs := bus.Subscriptions()
		if len(subs) != n {
			return false
		}
		for _, s := range subs {
			if s.Status != core.StatusActive {
				return false
			}
		}
		return true
	}
}

func TestPublishSubscribe(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	ctx := context.Background()

	storage := newCollector()
	_, err := bus.Subscribe(ctx, core.Topic{Category: "storage"}, storage)
	require.NoError(t, err)
	exact := newCollector()
	_, err = bus.Subscribe(ctx, core.Topic{Source: "mgmt", Category: "vm", Type: "created", ResourceType: "instance", ResourceUUID: "abc-1"}, exact)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, core.Event{
		Source: "mgmt", Category: "storage", Type: "deleted", ResourceType: "volume", ResourceUUID: "xyz",
		Payload: []byte(`{"size":10}`),
	}))
	require.NoError(t, bus.Publish(ctx, core.Event{
		Source: "mgmt", Category: "vm", Type: "created", ResourceType: "instance", ResourceUUID: "abc-1",
		Payload: []byte("vm up"),
	}))

	got := storage.next(t)
	assert.Equal(t, core.Event{
		Source: "mgmt", Category: "storage", Type: "deleted", ResourceType: "volume", ResourceUUID: "xyz",
		Payload: []byte(`{"size":10}`),
	}, got)
	storage.none(t)

	got = exact.next(t)
	assert.Equal(t, "vm up", string(got.Payload))
	exact.none(t)
}

func TestAbsentEventFieldsArriveAsWildcards(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	ctx := context.Background()

	c := newCollector()
	_, err := bus.Subscribe(ctx, core.Topic{}, c)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, core.Event{Category: "alert", ResourceUUID: "10.0.0.1"}))

	got := c.next(t)
	assert.Equal(t, "*", got.Source)
	assert.Equal(t, "alert", got.Category)
	assert.Equal(t, "10-0-0-1", got.ResourceUUID)
}

func TestStartRejectsInvalidConfigWithoutDialing(t *testing.T) {
	for field, mutate := range map[string]func(*Config){
		"exchange":  func(c *Config) { c.Exchange = "" },
		"host":      func(c *Config) { c.Host = "" },
		"username":  func(c *Config) { c.Username = "" },
		"password":  func(c *Config) { c.Password = "" },
		"port":      func(c *Config) { c.Port = 0 },
		"retry":     func(c *Config) { c.RetryIntervalMS = -1 },
		"heartbeat": func(c *Config) { c.HeartbeatSeconds = -5 },
	} {
		t.Run(field, func(t *testing.T) {
			mb := memory.New()
			cfg := testConfig()
			mutate(&cfg)
			bus := New(cfg, WithDialer(mb), WithLogger(log.Nop()))
			err := bus.Start(context.Background())
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Zero(t, mb.Dials())
			assert.ErrorIs(t, bus.Publish(context.Background(), core.Event{}), ErrNotStarted)
		})
	}
}

func TestLifecycleErrors(t *testing.T) {
	mb := memory.New()
	bus := New(testConfig(), WithDialer(mb), WithLogger(log.Nop()))
	ctx := context.Background()

	assert.ErrorIs(t, bus.Publish(ctx, core.Event{}), ErrNotStarted)
	_, err := bus.Subscribe(ctx, core.Topic{}, newCollector())
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, bus.Start(ctx))
	assert.ErrorIs(t, bus.Start(ctx), ErrAlreadyStarted)
	assert.Equal(t, StateReconnected, bus.State())
	assert.True(t, bus.Connected())

	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))
	assert.Equal(t, StateStopped, bus.State())
	assert.ErrorIs(t, bus.Publish(ctx, core.Event{}), ErrStopped)
	_, err = bus.Subscribe(ctx, core.Topic{}, newCollector())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, mb.Connections())
}

func TestUnsubscribe(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	ctx := context.Background()

	c := newCollector()
	id, err := bus.Subscribe(ctx, core.Topic{Category: "network"}, c)
	require.NoError(t, err)
	require.Len(t, bus.Subscriptions(), 1)

	require.NoError(t, bus.Unsubscribe(ctx, id))
	assert.Empty(t, bus.Subscriptions())
	assert.NotContains(t, mb.Queues(), id.String())

	require.NoError(t, bus.Publish(ctx, core.Event{Category: "network"}))
	c.none(t)

	// already removed and never issued ids are both no-ops
	assert.NoError(t, bus.Unsubscribe(ctx, id))
	assert.NoError(t, bus.Unsubscribe(ctx, uuid.New()))
	assert.Empty(t, bus.Subscriptions())
}

func TestSubscribeValidation(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, core.Topic{Category: "vm"}, nil)
	assert.ErrorIs(t, err, ErrSubscriptionFailed)

	_, err = bus.Subscribe(ctx, core.Topic{Category: "vm*"}, newCollector())
	assert.ErrorIs(t, err, ErrSubscriptionFailed)
	assert.Empty(t, bus.Subscriptions())
}

func TestSubscribeBrokerFailureIsSurfaced(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	refused := errors.New("ACCESS_REFUSED - bind not permitted")
	mb.Fail("bind", refused)

	id, err := bus.Subscribe(context.Background(), core.Topic{Category: "vm"}, newCollector())
	assert.Equal(t, uuid.Nil, id)
	assert.ErrorIs(t, err, ErrSubscriptionFailed)
	assert.ErrorIs(t, err, refused)
	assert.Empty(t, bus.Subscriptions())
	assert.True(t, bus.Connected())
}

func TestPublishFailureCarriesCause(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	boom := errors.New("PRECONDITION_FAILED")
	mb.Fail("publish", boom)

	err := bus.Publish(context.Background(), core.Event{Category: "vm"})
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsRetryable(err))
	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "*.vm.*.*.*", pe.RoutingKey)
	assert.True(t, bus.Connected())
}

func TestResubscribeAfterConnectionDrop(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	ctx := context.Background()

	storage, vm := newCollector(), newCollector()
	storageID, err := bus.Subscribe(ctx, core.Topic{Category: "storage"}, storage)
	require.NoError(t, err)
	vmID, err := bus.Subscribe(ctx, core.Topic{Category: "vm"}, vm)
	require.NoError(t, err)

	mb.Drop()
	require.Eventually(t, func() bool {
		return bus.State() == StateReconnected && mb.Dials() >= 2
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, allActive(bus, 2), waitFor, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{storageID.String(), vmID.String()}, mb.Queues())

	require.NoError(t, bus.Publish(ctx, core.Event{Source: "mgmt", Category: "storage", Type: "deleted", ResourceType: "volume", ResourceUUID: "xyz"}))
	require.NoError(t, bus.Publish(ctx, core.Event{Category: "vm", Type: "stopped"}))
	assert.Equal(t, "deleted", storage.next(t).Type)
	assert.Equal(t, "stopped", vm.next(t).Type)
}

func TestOutageKeepsSubscriptionsPending(t *testing.T) {
	mb := memory.New()
	mb.SetDown(true)
	store := status.NewMemoryStore()
	bus := startBus(t, mb, WithStatusStore(store))
	ctx := context.Background()
	assert.False(t, bus.Connected())

	c := newCollector()
	id, err := bus.Subscribe(ctx, core.Topic{ResourceType: "volume"}, c)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	st, err := bus.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, st.Status)

	err = bus.Publish(ctx, core.Event{ResourceType: "volume"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))

	mb.SetDown(false)
	require.Eventually(t, allActive(bus, 1), waitFor, 5*time.Millisecond)
	st, err = bus.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, st.Status)

	require.NoError(t, bus.Publish(ctx, core.Event{ResourceType: "volume", ResourceUUID: "v-1"}))
	assert.Equal(t, "v-1", c.next(t).ResourceUUID)

	require.NoError(t, bus.Unsubscribe(ctx, id))
	_, err = bus.Status(ctx, id)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestPublishDuringOutageIsUnavailable(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	mb.SetDown(true)
	mb.Drop()

	require.Eventually(t, func() bool { return !bus.Connected() }, waitFor, 5*time.Millisecond)
	err := bus.Publish(context.Background(), core.Event{Category: "vm"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Eventually(t, func() bool { return bus.State() == StateConnecting }, waitFor, 5*time.Millisecond)
}

func TestBlockedConnectionIsReplaced(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	ctx := context.Background()

	c := newCollector()
	_, err := bus.Subscribe(ctx, core.Topic{Category: "alert"}, c)
	require.NoError(t, err)

	mb.Block("low on disk space")
	require.Eventually(t, func() bool {
		return mb.Dials() >= 2 && bus.State() == StateReconnected
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, allActive(bus, 1), waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, mb.Connections())

	require.NoError(t, bus.Publish(ctx, core.Event{Category: "alert", Type: "disk"}))
	assert.Equal(t, "disk", c.next(t).Type)
}

func TestLostConnectionDuringRestoreIsRetried(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := bus.Subscribe(ctx, core.Topic{Type: fmt.Sprintf("t%d", i)}, newCollector())
		require.NoError(t, err)
	}
	mb.Fail("bind", broker.ErrClosed)
	mb.Drop()

	// initial dial, the attempt whose restore lost its connection, and the
	// one that succeeded
	require.Eventually(t, func() bool {
		return mb.Dials() >= 3 && bus.State() == StateReconnected && allActive(bus, 3)()
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, mb.Connections())
}

func TestRefusedRebindLeavesOthersRunning(t *testing.T) {
	mb := memory.New()
	store := status.NewMemoryStore()
	bus := startBus(t, mb, WithStatusStore(store))
	ctx := context.Background()

	a, b := newCollector(), newCollector()
	_, err := bus.Subscribe(ctx, core.Topic{Category: "a"}, a)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, core.Topic{Category: "b"}, b)
	require.NoError(t, err)

	mb.Fail("bind", errors.New("ACCESS_REFUSED - access to queue refused"))
	mb.Drop()
	require.Eventually(t, func() bool {
		return mb.Dials() >= 2 && bus.State() == StateReconnected
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, mb.Dials())
	assert.True(t, bus.Connected())

	var active, pending []SubscriptionInfo
	for _, s := range bus.Subscriptions() {
		if s.Status == core.StatusActive {
			active = append(active, s)
		} else {
			pending = append(pending, s)
		}
	}
	require.Len(t, active, 1)
	require.Len(t, pending, 1)
	assert.Eventually(t, func() bool {
		st, err := bus.Status(ctx, pending[0].ID)
		return err == nil && st.Status == core.StatusPending && strings.Contains(st.Reason, "ACCESS_REFUSED")
	}, waitFor, 5*time.Millisecond)

	working := a
	if active[0].Topic.Category == "b" {
		working = b
	}
	require.NoError(t, bus.Publish(ctx, core.Event{Category: active[0].Topic.Category, Type: "ping"}))
	assert.Equal(t, "ping", working.next(t).Type)
}

func TestEntryOnClosedConnectionIsPending(t *testing.T) {
	mb := memory.New()
	ctx := context.Background()
	conn, err := mb.Dial(ctx)
	require.NoError(t, err)
	ch, err := conn.Channel(ctx)
	require.NoError(t, err)

	e := &entry{name: "sub", channel: ch, conn: conn}
	assert.Equal(t, core.StatusActive, e.status())
	// closed but not yet detached by the close notification
	conn.Abort()
	assert.Equal(t, core.StatusPending, e.status())
}

func TestDeliveryDuringStopIsCountedAsStopped(t *testing.T) {
	bus := New(testConfig(), WithDialer(memory.New()), WithLogger(log.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.runCtx = ctx
	c := newCollector()
	bus.registry.add(&entry{name: "sub", subscriber: c})

	stopped := testutil.ToFloat64(metrics.DroppedTotal.WithLabelValues(metrics.ReasonStopped))
	unsubscribed := testutil.ToFloat64(metrics.DroppedTotal.WithLabelValues(metrics.ReasonUnsubscribed))
	bus.dispatch("sub", broker.Delivery{ConsumerTag: "sub", RoutingKey: "mgmt.vm.created.instance.abc"})

	assert.Equal(t, stopped+1, testutil.ToFloat64(metrics.DroppedTotal.WithLabelValues(metrics.ReasonStopped)))
	assert.Equal(t, unsubscribed, testutil.ToFloat64(metrics.DroppedTotal.WithLabelValues(metrics.ReasonUnsubscribed)))
	c.none(t)
}

func TestCloseConnAbortsWhenHandshakeHangs(t *testing.T) {
	mb := memory.New()
	conn, err := mb.Dial(context.Background())
	require.NoError(t, err)
	mb.Block("low on disk space")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = closeConn(ctx, conn)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, conn.IsClosed())
	assert.Zero(t, mb.Connections())
}

func TestConcurrentPublishersDoNotInterleave(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	ctx := context.Background()

	c := newCollector()
	_, err := bus.Subscribe(ctx, core.Topic{Category: "load"}, c)
	require.NoError(t, err)

	const publishers, each = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				payload := fmt.Sprintf("publisher-%d-message-%03d", p, i)
				assert.NoError(t, bus.Publish(ctx, core.Event{Category: "load", Payload: []byte(payload)}))
			}
		}(p)
	}
	wg.Wait()

	var got, want []string
	for p := 0; p < publishers; p++ {
		for i := 0; i < each; i++ {
			want = append(want, fmt.Sprintf("publisher-%d-message-%03d", p, i))
		}
	}
	for range want {
		got = append(got, string(c.next(t).Payload))
	}
	sort.Strings(got)
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestCallbackPanicDoesNotStopDelivery(t *testing.T) {
	mb := memory.New()
	bus := startBus(t, mb)
	ctx := context.Background()

	got := make(chan string, 2)
	_, err := bus.Subscribe(ctx, core.Topic{Category: "vm"}, SubscriberFunc(func(ev core.Event) {
		if ev.Type == "bad" {
			panic("subscriber bug")
		}
		got <- ev.Type
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, core.Event{Category: "vm", Type: "bad"}))
	require.NoError(t, bus.Publish(ctx, core.Event{Category: "vm", Type: "good"}))
	select {
	case typ := <-got:
		assert.Equal(t, "good", typ)
	case <-time.After(waitFor):
		t.Fatal("delivery stopped after a panicking callback")
	}
}

func TestStopInterruptsReconnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mb := memory.New()
	mb.SetDown(true)
	cfg := testConfig()
	cfg.RetryIntervalMS = int((time.Hour).Milliseconds())
	bus := New(cfg, WithDialer(mb), WithLogger(log.Nop()))
	require.NoError(t, bus.Start(context.Background()))
	_, err := bus.Subscribe(context.Background(), core.Topic{Category: "vm"}, newCollector())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, bus.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, mb.Dials())
}

func TestStopTearsDownSubscriptions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mb := memory.New()
	bus := New(testConfig(), WithDialer(mb), WithLogger(log.Nop()))
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	for i := 0; i < 3; i++ {
		_, err := bus.Subscribe(ctx, core.Topic{Type: fmt.Sprintf("t%d", i)}, newCollector())
		require.NoError(t, err)
	}
	require.Len(t, mb.Queues(), 3)

	require.NoError(t, bus.Stop(ctx))
	assert.Empty(t, mb.Queues())
	assert.Zero(t, mb.Connections())
	assert.Empty(t, bus.Subscriptions())
}

func TestConnectionMachine(t *testing.T) {
	m := newConnectionMachine()
	require.NoError(t, m.ValidateTransitions())
	ctx := context.Background()

	for _, step := range []struct {
		on   fsm.Trigger
		want fsm.State
	}{
		{triggerConnect, StateConnecting},
		{triggerConnect, StateConnecting},
		{triggerLost, StateDisconnected},
		{triggerConnect, StateConnecting},
		{triggerConnected, StateReconnected},
		{triggerStop, StateStopped},
	} {
		require.NoError(t, m.Fire(ctx, step.on))
		assert.Equal(t, step.want, m.State())
	}
	assert.ErrorIs(t, m.Fire(ctx, triggerConnect), fsm.ErrNoTransition)
}
