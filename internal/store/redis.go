package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	defaultRedisPrefix = "vision365:"
	redisWriteAttempts = 5
)

var errMissingRedisClient = errors.New("store: redis client is required")

// RedisStoreConfig describes the dependencies of a RedisStore.
type RedisStoreConfig struct {
	Client *redis.Client
	Prefix string
	Logger *zap.Logger
}

// RedisStore keeps each document as a JSON string and publishes the committed
// document on a per-document channel, which subscribers consume through Redis pub/sub.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore constructs a store over the provided client.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: cfg.Client, prefix: prefix, logger: logger}, nil
}

func (s *RedisStore) documentKey(namespace, key string) string {
	return s.prefix + "doc:" + addressOf(namespace, key)
}

func (s *RedisStore) indexKey(namespace string) string {
	return s.prefix + "ns:" + namespace
}

func (s *RedisStore) channel(namespace, key string) string {
	return s.prefix + "changes:" + addressOf(namespace, key)
}

func (s *RedisStore) ReadDocument(ctx context.Context, namespace, key string) (Document, error) {
	if err := validateAddress(namespace, key); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.documentKey(namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return decodeDocument(raw)
}

func (s *RedisStore) WriteDocument(ctx context.Context, namespace, key string, patch Document, mode WriteMode) error {
	if err := validateAddress(namespace, key); err != nil {
		return rejected(err)
	}
	documentKey := s.documentKey(namespace, key)

	var payload []byte
	transaction := func(tx *redis.Tx) error {
		var existing Document
		raw, err := tx.Get(ctx, documentKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			existing, err = decodeDocument(raw)
			if err != nil {
				return err
			}
		}
		payload, err = json.Marshal(applyPatch(existing, patch, mode))
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, documentKey, payload, 0)
			pipe.SAdd(ctx, s.indexKey(namespace), key)
			pipe.Publish(ctx, s.channel(namespace, key), payload)
			return nil
		})
		return err
	}

	var err error
	for range redisWriteAttempts {
		err = s.client.Watch(ctx, transaction, documentKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		s.logger.Warn("redis document write failed",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Error(err))
		return rejected(err)
	}
	return nil
}

func (s *RedisStore) SubscribeDocument(ctx context.Context, namespace, key string, onChange ChangeHandler, onError ErrorHandler) (CancelFunc, error) {
	if err := validateAddress(namespace, key); err != nil {
		return nil, err
	}
	pubsub := s.client.Subscribe(ctx, s.channel(namespace, key))
	// Wait for the subscription to be confirmed before reading the current state so
	// that no commit falls between the snapshot and the first message.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe document: %w", err)
	}

	current, err := s.ReadDocument(ctx, namespace, key)
	exists := true
	if errors.Is(err, ErrNotFound) {
		current, exists, err = nil, false, nil
	}
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	done := make(chan struct{})
	messages := pubsub.Channel()
	go func() {
		onChange(current, exists)
		for {
			select {
			case <-done:
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				document, err := decodeDocument(message.Payload)
				if err != nil {
					s.logger.Warn("undecodable change notification",
						zap.String("channel", message.Channel),
						zap.Error(err))
					if onError != nil {
						onError(err)
					}
					continue
				}
				onChange(document, true)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}, nil
}

func (s *RedisStore) ListCollection(ctx context.Context, namespace string) ([]Entry, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}
	if len(keys) == 0 {
		return []Entry{}, nil
	}
	slices.Sort(keys)
	documentKeys := make([]string, len(keys))
	for index, key := range keys {
		documentKeys[index] = s.documentKey(namespace, key)
	}
	values, err := s.client.MGet(ctx, documentKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for index, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		document, err := decodeDocument(raw)
		if err != nil {
			s.logger.Warn("skipping undecodable document",
				zap.String("namespace", namespace),
				zap.String("key", keys[index]),
				zap.Error(err))
			continue
		}
		entries = append(entries, Entry{Key: keys[index], Document: document})
	}
	return entries, nil
}
