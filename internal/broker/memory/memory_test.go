package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloud-eventbus/internal/broker"
)

func setup(t *testing.T, b *Broker, queue, key string) (broker.Channel, <-chan broker.Delivery) {
	t.Helper()
	ctx := context.Background()
	conn, err := b.Dial(ctx)
	require.NoError(t, err)
	ch, err := conn.Channel(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.ExchangeDeclare("events", broker.ExchangeTopic, true))
	name, err := ch.QueueDeclare(queue, false, true)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(name, key, "events"))
	out, err := ch.Consume(name, name, true)
	require.NoError(t, err)
	return ch, out
}

func TestTopicRouting(t *testing.T) {
	b := New()
	pub, storage := setup(t, b, "q1", "*.storage.*.*.*")
	_, network := setup(t, b, "q2", "*.network.#")

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, "events", "mgmt.storage.deleted.volume.xyz", broker.Message{Body: []byte("vol")}))
	require.NoError(t, pub.Publish(ctx, "events", "mgmt.network.created.nic.1", broker.Message{Body: []byte("nic")}))

	select {
	case d := <-storage:
		assert.Equal(t, "vol", string(d.Body))
		assert.Equal(t, "q1", d.ConsumerTag)
		assert.Equal(t, "mgmt.storage.deleted.volume.xyz", d.RoutingKey)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for storage delivery")
	}
	select {
	case d := <-network:
		assert.Equal(t, "nic", string(d.Body))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for network delivery")
	}
	select {
	case d := <-storage:
		t.Fatalf("unexpected delivery %q", d.RoutingKey)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishUndeclaredExchange(t *testing.T) {
	b := New()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	ch, err := conn.Channel(context.Background())
	require.NoError(t, err)
	err = ch.Publish(context.Background(), "missing", "a.b.c.d.e", broker.Message{})
	require.Error(t, err)
	assert.False(t, broker.IsConnectivity(err))
}

func TestDropNotifiesListeners(t *testing.T) {
	b := New()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	closed := conn.NotifyClose(make(chan *broker.Error, 1))
	_, out := setup(t, b, "q", "#")

	b.Drop()

	select {
	case err, ok := <-closed:
		require.True(t, ok)
		assert.True(t, err.Server)
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
	assert.True(t, conn.IsClosed())
	_, ok := <-out
	assert.False(t, ok, "consumer channel should be closed")
	assert.Empty(t, b.Queues(), "auto-delete queue should be gone")
}

func TestGracefulCloseClosesListenerWithoutError(t *testing.T) {
	b := New()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	closed := conn.NotifyClose(make(chan *broker.Error, 1))
	require.NoError(t, conn.Close())
	_, ok := <-closed
	assert.False(t, ok)
	assert.ErrorIs(t, conn.Close(), broker.ErrClosed)
}

func TestSetDownRefusesDials(t *testing.T) {
	b := New()
	b.SetDown(true)
	_, err := b.Dial(context.Background())
	assert.ErrorIs(t, err, broker.ErrUnreachable)
	assert.True(t, broker.IsConnectivity(err))
	b.SetDown(false)
	_, err = b.Dial(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, b.Dials())
}

func TestBlockNotifies(t *testing.T) {
	b := New()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	blocked := conn.NotifyBlocked(make(chan broker.Blocking, 1))
	b.Block("low on disk")
	select {
	case bl := <-blocked:
		assert.True(t, bl.Active)
		assert.Equal(t, "low on disk", bl.Reason)
	case <-time.After(time.Second):
		t.Fatal("no blocked notification")
	}
}

func TestCloseOfBlockedConnectionWaitsForAbort(t *testing.T) {
	b := New()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	b.Block("low on disk")

	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()
	select {
	case <-closed:
		t.Fatal("close of a blocked connection returned before abort")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, conn.IsClosed())

	conn.Abort()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not return after abort")
	}
	assert.True(t, conn.IsClosed())
	assert.Zero(t, b.Connections())
}

func TestFailInjectsOnce(t *testing.T) {
	b := New()
	boom := errors.New("boom")
	b.Fail("bind", boom)
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	ch, err := conn.Channel(context.Background())
	require.NoError(t, err)
	require.NoError(t, ch.ExchangeDeclare("events", broker.ExchangeTopic, true))
	_, err = ch.QueueDeclare("q", false, true)
	require.NoError(t, err)
	assert.ErrorIs(t, ch.QueueBind("q", "#", "events"), boom)
	assert.NoError(t, ch.QueueBind("q", "#", "events"))
}

func TestCancelDeletesAutoDeleteQueue(t *testing.T) {
	b := New()
	ch, out := setup(t, b, "q", "#")
	require.NoError(t, ch.Cancel("q"))
	_, ok := <-out
	assert.False(t, ok)
	assert.Empty(t, b.Queues())
}
