package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configure the redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key written by the backend.
	Prefix string
}

// Redis keeps each store in a hash and the store names in a set.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, prefix: opts.Prefix}, nil
}

func (r *Redis) storesKey() string           { return r.prefix + "stores" }
func (r *Redis) storeKey(name string) string { return r.prefix + "store:" + name }

func (r *Redis) CreateStore(ctx context.Context, name string) error {
	return r.client.SAdd(ctx, r.storesKey(), name).Err()
}

func (r *Redis) HasStore(ctx context.Context, name string) (bool, error) {
	return r.client.SIsMember(ctx, r.storesKey(), name).Result()
}

func (r *Redis) StoreNames(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.storesKey()).Result()
}

func (r *Redis) DropStore(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.storeKey(name))
		removed = pipe.SRem(ctx, r.storesKey(), name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *Redis) Get(ctx context.Context, store, key string) (Entry, bool, error) {
	b, err := r.client.HGet(ctx, r.storeKey(store), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (r *Redis) Put(ctx context.Context, store, key string, ent Entry) error {
	return r.PutBatch(ctx, store, map[string]Entry{key: ent})
}

func (r *Redis) PutBatch(ctx context.Context, store string, entries map[string]Entry) error {
	values := make(map[string]any, len(entries))
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		values[key] = b
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.storesKey(), store)
		if len(values) > 0 {
			pipe.HSet(ctx, r.storeKey(store), values)
		}
		return nil
	})
	return err
}

func (r *Redis) Delete(ctx context.Context, store, key string) error {
	return r.client.HDel(ctx, r.storeKey(store), key).Err()
}

func (r *Redis) Keys(ctx context.Context, store string) ([]string, error) {
	return r.client.HKeys(ctx, r.storeKey(store)).Result()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
