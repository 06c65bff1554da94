package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots as string keys under a prefix, with a set
// indexing the names.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore uses client with keys under prefix (default "esta:snapshot:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "esta:snapshot:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis builds a client from a URL such as "redis://localhost:6379/0".
func DialRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func (s *RedisStore) key(name string) string { return s.prefix + name }
func (s *RedisStore) index() string          { return s.prefix + "_index" }

func (s *RedisStore) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(name), data, 0)
		p.SAdd(ctx, s.index(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot: redis put %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	b, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis get %s: %w", name, err)
	}
	return b, nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis list: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.key(name))
		p.SRem(ctx, s.index(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot: redis delete %s: %w", name, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}
