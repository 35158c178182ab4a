// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/logger"
	"github.com/LeeDigitalWorks/zapup/pkg/manifest"
	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
	"github.com/LeeDigitalWorks/zapup/pkg/session"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// DefaultGracePeriod is how long a temporary chunk may sit untouched before
// its transfer counts as abandoned.
const DefaultGracePeriod = 24 * time.Hour

// Sweeper deletes temporary chunks of abandoned transfers and expires their
// manifests.
type Sweeper struct {
	fs          afero.Fs
	sessions    *session.Registry
	store       manifest.Store
	interval    time.Duration
	gracePeriod time.Duration
	concurrency int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

type SweeperConfig struct {
	Interval    time.Duration
	GracePeriod time.Duration // 0 means DefaultGracePeriod
	Concurrency int           // upload directories scanned in parallel, 0 means 4
}

// SweepStats summarizes one pass.
type SweepStats struct {
	ExpiredManifests int
	DeletedChunks    int64
}

func NewSweeper(fs afero.Fs, sessions *session.Registry, store manifest.Store, cfg SweeperConfig) *Sweeper {
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{
		fs:          fs,
		sessions:    sessions,
		store:       store,
		interval:    cfg.Interval,
		gracePeriod: grace,
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start runs a pass every interval until Stop. A non-positive interval
// disables the loop.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Jitter keeps receivers sharing an upload directory from sweeping
		// in lockstep.
		tick, stop := utils.JitteredTicker(s.interval, 0.1)
		defer stop()
		for {
			select {
			case <-tick:
				ctx, cancel := context.WithTimeout(context.Background(), s.interval)
				if _, err := s.Run(ctx); err != nil {
					logger.Error().Err(err).Msg("sweep failed")
				}
				cancel()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Run performs one pass: expire idle manifests, delete their chunks, then
// delete any temporary chunk file older than the grace period.
func (s *Sweeper) Run(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	expired, err := s.store.Expire(ctx, s.gracePeriod)
	if err != nil {
		return stats, err
	}
	stats.ExpiredManifests = len(expired)
	expiredManifestsTotal.Add(float64(len(expired)))

	var deleted atomic.Int64
	for _, id := range expired {
		cfg, ok := s.sessions.Get(id.SessionName)
		if !ok {
			continue
		}
		deleted.Add(s.removeTransferChunks(cfg.UploadPath, id))
	}

	cutoff := s.now().Add(-s.gracePeriod)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, dir := range s.sessions.UploadPaths() {
		g.Go(func() error {
			n, err := s.sweepDir(gctx, dir, cutoff)
			deleted.Add(n)
			return err
		})
	}
	err = g.Wait()

	stats.DeletedChunks = deleted.Load()
	sweptChunksTotal.Add(float64(stats.DeletedChunks))
	if stats.ExpiredManifests > 0 || stats.DeletedChunks > 0 {
		logger.Info().
			Int("expired_manifests", stats.ExpiredManifests).
			Int64("deleted_chunks", stats.DeletedChunks).
			Dur("grace_period", s.gracePeriod).
			Msg("sweep pass completed")
	}
	return stats, err
}

func (s *Sweeper) removeTransferChunks(dir string, id protocol.TransferIdentity) int64 {
	matches, err := afero.Glob(s.fs, filepath.Join(dir, "*_"+id.SessionID+protocol.TempChunkSuffix+"*"))
	if err != nil {
		logger.Warn().Err(err).Str("transfer", id.String()).Msg("sweep: failed to list chunks")
		return 0
	}
	var n int64
	for _, m := range matches {
		if err := s.fs.Remove(m); err == nil {
			n++
		}
	}
	return n
}

func (s *Sweeper) sweepDir(ctx context.Context, dir string, cutoff time.Time) (int64, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var n int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if e.IsDir() || !strings.Contains(e.Name(), protocol.TempChunkSuffix) || !e.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("path", path).Msg("sweep: failed to delete chunk")
			continue
		}
		n++
	}
	return n, nil
}
