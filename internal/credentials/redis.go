package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps the credential entries in one Redis hash so several
// instances of the companion share a session. Every write is announced on a
// pub/sub channel tagged with the writer's origin id.
type RedisStore struct {
	client *backend.Client
	prefix string
	origin string
	logger zerolog.Logger
}

type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix for the credential hash and channel.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRedisLogger sets the logger used by the watch loop.
func WithRedisLogger(logger zerolog.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore creates a store with its own client.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, opts...)
}

// NewRedisStoreFromClient creates a store from an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "storefront:session:",
		origin: uuid.NewString(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*RedisStore)(nil)
var _ Watcher = (*RedisStore)(nil)

type redisNotice struct {
	Origin  string `json:"origin"`
	Cleared bool   `json:"cleared"`
}

func (s *RedisStore) key() string {
	return s.prefix + "credential"
}

func (s *RedisStore) channel() string {
	return s.prefix + "changes"
}

// Load reads the credential hash
func (s *RedisStore) Load(ctx context.Context) (*Credential, error) {
	entries, err := s.client.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get credential from redis: %w", err)
	}
	return FromEntries(entries)
}

// Save replaces the whole hash in one MULTI/EXEC and announces the write
func (s *RedisStore) Save(ctx context.Context, c *Credential) error {
	entries, err := c.Entries()
	if err != nil {
		return err
	}
	fields := make([]interface{}, 0, 2*len(entries))
	for _, k := range entryKeys {
		fields = append(fields, k, entries[k])
	}

	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Del(ctx, s.key())
		pipe.HSet(ctx, s.key(), fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credential to redis: %w", err)
	}
	return s.publish(ctx, false)
}

// Clear deletes the hash and announces it
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("failed to clear credential in redis: %w", err)
	}
	return s.publish(ctx, true)
}

func (s *RedisStore) publish(ctx context.Context, cleared bool) error {
	payload, err := json.Marshal(redisNotice{Origin: s.origin, Cleared: cleared})
	if err != nil {
		return fmt.Errorf("failed to marshal change notice: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change notice: %w", err)
	}
	return nil
}

// Watch subscribes to change notices from other instances and reloads the
// hash for each one. Notices from this store are skipped.
func (s *RedisStore) Watch(ctx context.Context) (<-chan Change, error) {
	sub := s.client.Subscribe(ctx, s.channel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel(), err)
	}

	out := make(chan Change, 1)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var notice redisNotice
				if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
					s.logger.Warn().Err(err).Msg("Ignoring malformed credential change notice")
					continue
				}
				if notice.Origin == s.origin {
					continue
				}
				var change Change
				if !notice.Cleared {
					c, err := s.Load(ctx)
					if err != nil {
						s.logger.Error().Err(err).Msg("Failed to reload credential after change notice")
						continue
					}
					change.Credential = c
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks that redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
