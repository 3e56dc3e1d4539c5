// Command eventbus publishes and listens to control plane events and runs the
// bus with an admin HTTP endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cloud-eventbus/internal/broker/memory"
	"cloud-eventbus/internal/broker/redisbroker"
	"cloud-eventbus/internal/config"
	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/eventbus"
	"cloud-eventbus/internal/log"
	"cloud-eventbus/internal/status"
)

const (
	shutdownTimeout = 10 * time.Second
	usage           = "usage: eventbus [-config file] publish|listen|serve [flags]"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		logger := log.WithComponent("cmd")
		logger.Error().Err(err).Msg("eventbus failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	global := flag.NewFlagSet("eventbus", flag.ContinueOnError)
	configPath := global.String("config", "", "path to the YAML configuration file")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		return errors.New(usage)
	}

	app, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log.Configure(log.Config{Level: app.LogLevel})
	logger := log.WithComponent("cmd")
	logger.Debug().Interface("config", app.Redacted()).Msg("configuration loaded")
	logger.Info().
		Str(log.FieldTransport, app.Transport).
		Str("status_store", app.StatusStore).
		Str(log.FieldExchange, app.EventBus.Exchange).
		Msg("using configuration")

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "publish":
		return publish(ctx, app, rest)
	case "listen":
		return listen(ctx, app, rest, stdout)
	case "serve":
		return serve(ctx, app, logger)
	}
	return fmt.Errorf("unknown command %q; %s", cmd, usage)
}

// newBus wires the configured transport and status store into a bus.
func newBus(app config.App) (*eventbus.Bus, status.Store) {
	var store status.Store
	switch app.StatusStore {
	case config.StatusStoreRedis:
		store = status.NewRedisStore(&redis.Options{
			Addr:     app.Redis.Addr,
			Username: app.Redis.Username,
			Password: app.Redis.Password,
			DB:       app.Redis.DB,
		}, 0)
	default:
		store = status.NewMemoryStore()
	}

	opts := []eventbus.Option{eventbus.WithStatusStore(store)}
	switch app.Transport {
	case config.TransportRedis:
		opts = append(opts, eventbus.WithDialer(redisbroker.NewDialer(redisbroker.Config{
			Addr:     app.Redis.Addr,
			Username: app.Redis.Username,
			Password: app.Redis.Password,
			DB:       app.Redis.DB,
		})))
	case config.TransportMemory:
		opts = append(opts, eventbus.WithDialer(memory.New()))
	}
	return eventbus.New(app.EventBus, opts...), store
}

func topicFlags(fs *flag.FlagSet) *core.Topic {
	t := &core.Topic{}
	fs.StringVar(&t.Source, "source", "", "event source")
	fs.StringVar(&t.Category, "category", "", "event category")
	fs.StringVar(&t.Type, "type", "", "event type")
	fs.StringVar(&t.ResourceType, "resource-type", "", "resource type")
	fs.StringVar(&t.ResourceUUID, "resource-uuid", "", "resource uuid")
	return t
}

func shutdown(bus *eventbus.Bus, store status.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(bus.Stop(ctx), store.Close())
}

func publish(ctx context.Context, app config.App, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	t := topicFlags(fs)
	payload := fs.String("payload", "", "event payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bus, store := newBus(app)
	if err := bus.Start(ctx); err != nil {
		return err
	}
	err := bus.Publish(ctx, core.Event{
		Source:       t.Source,
		Category:     t.Category,
		Type:         t.Type,
		ResourceType: t.ResourceType,
		ResourceUUID: t.ResourceUUID,
		Payload:      []byte(*payload),
	})
	return errors.Join(err, shutdown(bus, store))
}

// delivery is one line of listen output.
type delivery struct {
	Subscription string `json:"subscription"`
	core.Event
	Payload string `json:"payload"`
}

func listen(ctx context.Context, app config.App, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	t := topicFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	selected, err := core.NewTopic(t.Source, t.Category, t.Type, t.ResourceType, t.ResourceUUID)
	if err != nil {
		return err
	}

	bus, store := newBus(app)
	if err := bus.Start(ctx); err != nil {
		return err
	}

	var mu sync.Mutex
	enc := json.NewEncoder(stdout)
	var id string
	sub := eventbus.SubscriberFunc(func(ev core.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(delivery{Subscription: id, Event: ev, Payload: string(ev.Payload)})
	})
	mu.Lock()
	subID, err := bus.Subscribe(ctx, selected, sub)
	if err == nil {
		id = subID.String()
	}
	mu.Unlock()
	if err != nil {
		return errors.Join(err, shutdown(bus, store))
	}

	<-ctx.Done()
	return shutdown(bus, store)
}

func serve(ctx context.Context, app config.App, logger zerolog.Logger) error {
	bus, store := newBus(app)
	if err := bus.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              app.AdminAddr,
		Handler:           newAdminRouter(bus),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", app.AdminAddr).Msg("admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		updates, err := store.Watch(gctx)
		if err != nil {
			logger.Warn().Err(err).Msg("subscription status updates unavailable")
			return nil
		}
		for upd := range updates {
			logger.Info().
				Str(log.FieldSubscriptionID, upd.ID).
				Str("status", string(upd.Status)).
				Str(log.FieldReason, upd.Reason).
				Int64("version", upd.Version).
				Msg("subscription status changed")
		}
		return nil
	})

	err := g.Wait()
	return errors.Join(err, shutdown(bus, store))
}
