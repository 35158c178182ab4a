// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/logger"
	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	manifestPrefix = "m\x00"
	filesPrefix    = "f\x00"
	lockStripes    = 64
)

// LevelDBStore persists manifests on local disk. Read-modify-write cycles are
// serialized by a striped lock on the record key, so it is safe for one
// process with many goroutines; multi-process deployments need Redis.
type LevelDBStore struct {
	db    *leveldb.DB
	locks [lockStripes]sync.Mutex

	// Every write is synced: an acknowledged chunk must still be in the
	// manifest after a crash.
	writeOpts *opt.WriteOptions

	now func() time.Time
}

type manifestRecord struct {
	Indices   []uint64
	UpdatedAt int64
}

var _ Store = (*LevelDBStore)(nil)

func NewLevelDBStore(dbDir string) (*LevelDBStore, error) {
	if dbDir == "" {
		return nil, errors.New("leveldb manifest: empty path")
	}
	db, err := leveldb.OpenFile(dbDir, nil)
	if err != nil && !lerrors.IsCorrupted(err) {
		return nil, fmt.Errorf("leveldb manifest: open %s: %w", dbDir, err)
	}
	if lerrors.IsCorrupted(err) {
		logger.Warn().Err(err).Str("path", dbDir).Msg("recovering corrupted manifest database")
		db, err = leveldb.RecoverFile(dbDir, nil)
		if err != nil {
			return nil, fmt.Errorf("leveldb manifest: recover %s: %w", dbDir, err)
		}
	}
	return &LevelDBStore{
		db:        db,
		writeOpts: &opt.WriteOptions{Sync: true},
		now:       time.Now,
	}, nil
}

func serialize[T any](v T) ([]byte, error) {
	buf := utils.SyncPoolGetBuffer()
	defer utils.SyncPoolPutBuffer(buf)
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func deserialize[T any](data []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

func (s *LevelDBStore) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// get returns the zero value when the key is absent.
func get[T any](db *leveldb.DB, key []byte) (T, bool, error) {
	data, err := db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	v, err := deserialize[T](data)
	return v, err == nil, err
}

func (s *LevelDBStore) MarkReceived(_ context.Context, id protocol.TransferIdentity, index, total uint64) (bool, error) {
	key := manifestPrefix + id.Key()
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	rec, _, err := get[manifestRecord](s.db, []byte(key))
	if err != nil {
		return false, fmt.Errorf("leveldb manifest: read %s: %w", id, err)
	}
	if !slices.Contains(rec.Indices, index) {
		rec.Indices = append(rec.Indices, index)
	}
	if uint64(len(rec.Indices)) >= total {
		if err := s.db.Delete([]byte(key), s.writeOpts); err != nil {
			return false, fmt.Errorf("leveldb manifest: clear %s: %w", id, err)
		}
		return true, nil
	}

	rec.UpdatedAt = s.now().UnixNano()
	data, err := serialize(rec)
	if err != nil {
		return false, err
	}
	if err := s.db.Put([]byte(key), data, s.writeOpts); err != nil {
		return false, fmt.Errorf("leveldb manifest: write %s: %w", id, err)
	}
	return false, nil
}

func (s *LevelDBStore) Received(_ context.Context, id protocol.TransferIdentity) ([]uint64, error) {
	rec, _, err := get[manifestRecord](s.db, []byte(manifestPrefix+id.Key()))
	if err != nil {
		return nil, fmt.Errorf("leveldb manifest: read %s: %w", id, err)
	}
	out := slices.Clone(rec.Indices)
	slices.Sort(out)
	return out, nil
}

func (s *LevelDBStore) AddStoredFile(_ context.Context, sessionName, path string, multiple bool) error {
	key := filesPrefix + sessionName
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	paths := []string{path}
	if multiple {
		existing, _, err := get[[]string](s.db, []byte(key))
		if err != nil {
			return fmt.Errorf("leveldb manifest: read stored files for %s: %w", sessionName, err)
		}
		paths = append(existing, path)
	}
	data, err := serialize(paths)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), data, s.writeOpts)
}

func (s *LevelDBStore) StoredFiles(_ context.Context, sessionName string) ([]string, error) {
	paths, _, err := get[[]string](s.db, []byte(filesPrefix+sessionName))
	if err != nil {
		return nil, fmt.Errorf("leveldb manifest: read stored files for %s: %w", sessionName, err)
	}
	return paths, nil
}

func (s *LevelDBStore) Expire(ctx context.Context, olderThan time.Duration) ([]protocol.TransferIdentity, error) {
	cutoff := s.now().Add(-olderThan).UnixNano()

	var stale []string
	iter := s.db.NewIterator(util.BytesPrefix([]byte(manifestPrefix)), nil)
	for iter.Next() {
		if ctx.Err() != nil {
			break
		}
		rec, err := deserialize[manifestRecord](iter.Value())
		if err != nil {
			logger.Error().Err(err).Bytes("key", iter.Key()).Msg("failed to decode manifest record")
			continue
		}
		if rec.UpdatedAt < cutoff {
			stale = append(stale, string(iter.Key()))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb manifest: scan: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var expired []protocol.TransferIdentity
	for _, key := range stale {
		ok, err := s.expireOne(key, cutoff)
		if err != nil {
			return expired, err
		}
		if !ok {
			continue
		}
		if id, ok := protocol.ParseKey(key[len(manifestPrefix):]); ok {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *LevelDBStore) expireOne(key string, cutoff int64) (bool, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := get[manifestRecord](s.db, []byte(key))
	if err != nil || !found || rec.UpdatedAt >= cutoff {
		return false, err
	}
	return true, s.db.Delete([]byte(key), s.writeOpts)
}

func (s *LevelDBStore) Ping(context.Context) error {
	_, err := s.db.GetProperty("leveldb.stats")
	return err
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
