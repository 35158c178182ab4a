// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/protocol"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares manifests between receiver processes. Manifest sets
// carry a TTL refreshed on every chunk, so abandoned transfers expire on
// their own.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	ownClient bool
}

var _ Store = (*RedisStore)(nil)

// markScript adds one index and clears the set once it is complete.
// KEYS[1] manifest set, ARGV[1] index, ARGV[2] total, ARGV[3] ttl seconds.
// Returns 1 to exactly one caller per completed manifest.
var markScript = redis.NewScript(`
redis.call("SADD", KEYS[1], ARGV[1])
local count = redis.call("SCARD", KEYS[1])
if count >= tonumber(ARGV[2]) then
    redis.call("DEL", KEYS[1])
    return 1
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call("EXPIRE", KEYS[1], ttl)
end
return 0
`)

// NewRedisStore dials cfg.RedisAddr and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.TTL)
	s.ownClient = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. Close leaves the client
// open.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *RedisStore) manifestKey(id protocol.TransferIdentity) string {
	return s.keyPrefix + "manifest:" + id.Key()
}

func (s *RedisStore) filesKey(sessionName string) string {
	return s.keyPrefix + "files:" + sessionName
}

func (s *RedisStore) MarkReceived(ctx context.Context, id protocol.TransferIdentity, index, total uint64) (bool, error) {
	res, err := markScript.Run(ctx, s.client,
		[]string{s.manifestKey(id)},
		index, total, int64(s.ttl/time.Second),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis manifest: mark %s chunk %d: %w", id, index, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Received(ctx context.Context, id protocol.TransferIdentity) ([]uint64, error) {
	members, err := s.client.SMembers(ctx, s.manifestKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis manifest: read %s: %w", id, err)
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		idx, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis manifest: bad index %q in %s: %w", m, id, err)
		}
		out = append(out, idx)
	}
	slices.Sort(out)
	return out, nil
}

func (s *RedisStore) AddStoredFile(ctx context.Context, sessionName, path string, multiple bool) error {
	key := s.filesKey(sessionName)
	if multiple {
		return s.client.RPush(ctx, key, path).Err()
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, path)
		return nil
	})
	return err
}

func (s *RedisStore) StoredFiles(ctx context.Context, sessionName string) ([]string, error) {
	paths, err := s.client.LRange(ctx, s.filesKey(sessionName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis manifest: stored files for %s: %w", sessionName, err)
	}
	if len(paths) == 0 {
		return nil, nil
	}
	return paths, nil
}

// Expire is a no-op: idle manifests lapse through their key TTL.
func (s *RedisStore) Expire(context.Context, time.Duration) ([]protocol.TransferIdentity, error) {
	return nil, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}
