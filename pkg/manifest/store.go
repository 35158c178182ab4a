// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
)

// Store records which chunk indices have arrived for each transfer and which
// final paths each session has produced.
//
// MarkReceived is the only completion signal the receiver trusts: it adds the
// index and, when the manifest then holds total distinct indices, deletes the
// manifest in the same atomic step and reports complete. Exactly one caller
// observes completion for a given manifest, so a duplicate of the last chunk
// can never trigger a second merge.
type Store interface {
	io.Closer

	MarkReceived(ctx context.Context, id protocol.TransferIdentity, index, total uint64) (complete bool, err error)

	// Received returns the recorded indices in ascending order.
	Received(ctx context.Context, id protocol.TransferIdentity) ([]uint64, error)

	// AddStoredFile appends path to the session's list when multiple is set,
	// otherwise replaces it.
	AddStoredFile(ctx context.Context, sessionName, path string, multiple bool) error
	StoredFiles(ctx context.Context, sessionName string) ([]string, error)

	// Expire drops manifests not updated within olderThan and returns their
	// identities. Backends with native key expiry return nothing.
	Expire(ctx context.Context, olderThan time.Duration) ([]protocol.TransferIdentity, error)

	Ping(ctx context.Context) error
}

type Kind string

const (
	KindMemory  Kind = "memory"
	KindLevelDB Kind = "leveldb"
	KindRedis   Kind = "redis"
)

var ErrUnknownBackend = errors.New("unknown manifest backend")

// Config selects and configures a backend.
type Config struct {
	Backend Kind `mapstructure:"manifest_backend"`

	LevelDBPath string `mapstructure:"leveldb_path"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"redis_key_prefix"`

	// TTL bounds the life of an idle manifest in Redis.
	TTL time.Duration `mapstructure:"manifest_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Backend:     KindMemory,
		LevelDBPath: "./zapup-manifest",
		RedisAddr:   "localhost:6379",
		KeyPrefix:   "zapup:",
		TTL:         24 * time.Hour,
	}
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case KindMemory, "":
		return NewMemoryStore(), nil
	case KindLevelDB:
		return NewLevelDBStore(cfg.LevelDBPath)
	case KindRedis:
		return NewRedisStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
