// Package rediskv stores session entries in Redis so several client processes
// on one host (or a BFF tier) share a single session record.
package rediskv

import (
	"context"
	"fmt"

	"github.com/jrsteele09/go-auth-client/session"
	redis "github.com/redis/go-redis/v9"
)

var _ session.KV = (*KV)(nil)

type KV struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *KV {
	return &KV{client: client}
}

// Dial creates a client from the address settings and checks it with PING.
func Dial(ctx context.Context, addr, password string, db int) (*KV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("[rediskv.Dial] ping %s: %w", addr, err)
	}
	return New(client), nil
}

// GetAll uses MGET, which reads every key as one snapshot.
func (kv *KV) GetAll(ctx context.Context, keys ...string) (map[string]string, error) {
	values, err := kv.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("[rediskv.GetAll] %w", err)
	}
	found := make(map[string]string, len(keys))
	for i, v := range values {
		if s, ok := v.(string); ok {
			found[keys[i]] = s
		}
	}
	return found, nil
}

// SetAll uses MSET, which applies every pair atomically.
func (kv *KV) SetAll(ctx context.Context, entries map[string]string) error {
	pairs := make([]any, 0, len(entries)*2)
	for k, v := range entries {
		pairs = append(pairs, k, v)
	}
	if err := kv.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("[rediskv.SetAll] %w", err)
	}
	return nil
}

func (kv *KV) DeleteAll(ctx context.Context, keys ...string) error {
	if err := kv.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("[rediskv.DeleteAll] %w", err)
	}
	return nil
}

func (kv *KV) Close() error {
	return kv.client.Close()
}
