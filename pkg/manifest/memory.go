// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"
)

// MemoryStore keeps manifests in a sharded map with one mutex per transfer,
// so unrelated transfers never contend. It does not survive a restart and is
// not shared between processes.
type MemoryStore struct {
	manifests *utils.ShardedMap[*entry]

	filesMu sync.Mutex
	files   map[string][]string

	now func() time.Time
}

type entry struct {
	mu      sync.Mutex
	indices map[uint64]struct{}
	updated time.Time
	// dead is set once the entry has left the map (completed or expired). A
	// caller holding a dead entry must load a fresh one.
	dead bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: utils.NewShardedMap[*entry](),
		files:     make(map[string][]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) MarkReceived(_ context.Context, id protocol.TransferIdentity, index, total uint64) (bool, error) {
	key := id.Key()
	for {
		e, _ := s.manifests.LoadOrStore(key, &entry{indices: make(map[uint64]struct{})})
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		e.indices[index] = struct{}{}
		e.updated = s.now()
		complete := uint64(len(e.indices)) >= total
		if complete {
			e.dead = true
		}
		e.mu.Unlock()

		if complete {
			s.remove(key, e)
		}
		return complete, nil
	}
}

// remove must be called without e.mu held: DeleteIf takes the shard
// lock before entry locks.
func (s *MemoryStore) remove(key string, e *entry) {
	s.manifests.CompareAndDelete(key, func(v *entry) bool { return v == e })
}

func (s *MemoryStore) Received(_ context.Context, id protocol.TransferIdentity) ([]uint64, error) {
	e, ok := s.manifests.Load(id.Key())
	if !ok {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil, nil
	}
	out := make([]uint64, 0, len(e.indices))
	for idx := range e.indices {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) AddStoredFile(_ context.Context, sessionName, path string, multiple bool) error {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	if multiple {
		s.files[sessionName] = append(s.files[sessionName], path)
	} else {
		s.files[sessionName] = []string{path}
	}
	return nil
}

func (s *MemoryStore) StoredFiles(_ context.Context, sessionName string) ([]string, error) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	return slices.Clone(s.files[sessionName]), nil
}

func (s *MemoryStore) Expire(_ context.Context, olderThan time.Duration) ([]protocol.TransferIdentity, error) {
	cutoff := s.now().Add(-olderThan)

	var expired []protocol.TransferIdentity
	s.manifests.DeleteIf(func(key string, e *entry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.dead || !e.updated.Before(cutoff) {
			return false
		}
		e.dead = true
		if id, ok := protocol.ParseKey(key); ok {
			expired = append(expired, id)
		}
		return true
	})
	return expired, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
