package status

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cloud-eventbus/internal/core"
	"cloud-eventbus/internal/log"
)

const (
	defaultKeyPrefix = "eventbus:subscription:"
	updatesChannel   = "updates"
)

// RedisStore keeps statuses in Redis hashes and announces changes over
// pub/sub, so several processes can watch the same board.
type RedisStore struct {
	mu     sync.Mutex
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisStore returns a store using the given client options. Entries
// expire after ttl when it is positive.
func NewRedisStore(opts *redis.Options, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(opts),
		prefix: defaultKeyPrefix,
		ttl:    ttl,
		logger: log.WithComponent("status"),
	}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

// Put stores a status with an incremented version and publishes the update.
func (s *RedisStore) Put(ctx context.Context, id string, st core.SubscriptionStatus, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(id)
	var ver int64
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "version").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		ver = cur + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(st), "reason", reason, "version", ver)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, core.StatusUpdate{ID: id, Status: st, Reason: reason, Version: ver})
	return ver, nil
}

// Get retrieves the latest status for id.
func (s *RedisStore) Get(ctx context.Context, id string) (core.StatusUpdate, error) {
	res, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return core.StatusUpdate{}, err
	}
	if len(res) == 0 {
		return core.StatusUpdate{}, ErrNotFound
	}
	ver, err := parseInt(res["version"])
	if err != nil {
		return core.StatusUpdate{}, err
	}
	return core.StatusUpdate{
		ID:      id,
		Status:  core.SubscriptionStatus(res["status"]),
		Reason:  res["reason"],
		Version: ver,
	}, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Delete removes id and publishes a removed update.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		s.publish(ctx, core.StatusUpdate{ID: id, Status: core.StatusRemoved})
	}
	return nil
}

func (s *RedisStore) publish(ctx context.Context, upd core.StatusUpdate) {
	payload, err := json.Marshal(upd)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.prefix+updatesChannel, payload).Err(); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldSubscriptionID, upd.ID).Msg("status update not published")
	}
}

// Watch subscribes to status updates from every process sharing the prefix.
func (s *RedisStore) Watch(ctx context.Context) (<-chan core.StatusUpdate, error) {
	pubsub := s.client.Subscribe(ctx, s.prefix+updatesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	ch := make(chan core.StatusUpdate)
	go func() {
		defer close(ch)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var upd core.StatusUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &upd); err != nil {
					s.logger.Debug().Err(err).Msg("ignoring malformed status update")
					continue
				}
				select {
				case ch <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
