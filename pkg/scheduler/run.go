// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/logger"
	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"golang.org/x/sync/errgroup"
)

type task struct {
	u    *upload
	desc protocol.ChunkDescriptor
}

type outcome struct {
	task
	resp protocol.Response
	err  error
}

// Run uploads every enqueued file and returns once each is done or errored.
// A file failure never stops its siblings. On cancellation Run stops
// dispatching, waits for chunks in flight and returns ctx.Err(); files left
// unfinished are reported as errored.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}, ErrRunning
	}
	s.running = true
	files := s.files
	s.mu.Unlock()

	start := time.Now()
	log := logger.With().Str("job_id", s.jobID).Logger()
	log.Info().
		Int("files", len(files)).
		Int("concurrency", s.opts.MaxConcurrent).
		Int("max_retries", s.opts.MaxRetries).
		Msg("scheduler: starting")

	if s.opts.Resume {
		s.resume(ctx, files)
	}

	var jobSize, jobSent int64
	for _, u := range files {
		jobSize += u.file.Size
		jobSent += u.sent
	}

	work := make(chan task)
	results := make(chan outcome)
	retries := make(chan task)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.opts.MaxConcurrent; i++ {
		wg.Add(1)
		go s.worker(wctx, work, results, &wg)
	}

	timers := make(map[*time.Timer]struct{})
	var inFlight, waiting int
	done := ctx.Done()

	finish := func(u *upload) {
		if s.opts.OnFileDone != nil {
			s.opts.OnFileDone(u.result())
		}
	}
	fail := func(u *upload, err error) {
		if u.state.terminal() {
			return
		}
		u.state = StateErrored
		u.err = err
		u.pending = nil
		log.Warn().Err(err).Str("file", u.file.Name).Msg("scheduler: file failed")
		finish(u)
	}
	requeue := func(t task) {
		if !t.u.state.terminal() {
			t.u.pending = append(t.u.pending, t.desc)
		}
	}
	for {
		var next task
		var sendCh chan<- task
		if ctx.Err() == nil {
			if t, ok := nextTask(files); ok {
				next, sendCh = t, work
			}
		}
		if sendCh == nil && inFlight == 0 && waiting == 0 {
			break
		}

		select {
		case sendCh <- next:
			u := next.u
			u.pending = u.pending[:len(u.pending)-1]
			u.inFlight++
			inFlight++
			if u.state == StateQueued {
				u.state = StateTransferring
				log.Debug().Str("file", u.file.Name).Uint64("chunks", u.total).Msg("scheduler: file started")
			}

		case o := <-results:
			inFlight--
			u := o.u
			u.inFlight--
			if u.state.terminal() {
				continue
			}

			switch {
			case ctx.Err() != nil:
				// Unsent work is reported below; the chunk is not charged a retry.
				requeue(o.task)

			case o.err != nil || (!o.resp.Success && o.resp.Recoverable):
				cause := o.err
				if cause == nil {
					cause = errors.New(o.resp.Msg)
				}
				if o.desc.Retries >= s.opts.MaxRetries {
					fail(u, fmt.Errorf("%w: chunk %d after %d retries: %w", ErrRetriesExhausted, o.desc.Index, o.desc.Retries, cause))
					continue
				}
				o.desc.Retries++
				u.retries++
				delay := utils.Backoff(s.opts.RetryDelay, o.desc.Retries, s.opts.MaxRetryDelay)
				log.Debug().
					Err(cause).
					Str("file", u.file.Name).
					Uint64("chunk", o.desc.Index).
					Int("attempt", o.desc.Retries).
					Dur("delay", delay).
					Msg("scheduler: retrying chunk")
				if delay <= 0 {
					requeue(o.task)
					continue
				}
				waiting++
				t := o.task
				timer := time.AfterFunc(delay, func() {
					select {
					case retries <- t:
					case <-wctx.Done():
					}
				})
				timers[timer] = struct{}{}

			case !o.resp.Success:
				fail(u, fmt.Errorf("%w: chunk %d: %s", ErrRejected, o.desc.Index, o.resp.Msg))

			default:
				u.acked++
				u.sent += o.desc.Length
				jobSent += o.desc.Length
				if s.opts.OnProgress != nil {
					s.opts.OnProgress(Progress{
						File:           u.file.Name,
						UploadedChunks: u.acked + u.skipped,
						TotalChunks:    u.total,
						BytesSent:      u.sent,
						Size:           u.file.Size,
						JobBytesSent:   jobSent,
						JobSize:        jobSize,
					})
				}
				if u.acked+u.skipped == u.total {
					u.state = StateDone
					log.Debug().Str("file", u.file.Name).Int("retries", u.retries).Msg("scheduler: file done")
					finish(u)
				}
			}

		case t := <-retries:
			if done == nil {
				// A timer that fired before cancellation still counted
				// toward waiting, which was already reset.
				continue
			}
			waiting--
			requeue(t)

		case <-done:
			done = nil
			// Pending retry timers are abandoned; any that already fired
			// give up on wctx.
			for timer := range timers {
				timer.Stop()
			}
			clear(timers)
			waiting = 0
			cancel()
			log.Info().Int("in_flight", inFlight).Msg("scheduler: cancelled, draining")
		}
	}

	close(work)
	wg.Wait()
	for timer := range timers {
		timer.Stop()
	}

	report := Report{JobID: s.jobID, Duration: time.Since(start)}
	for _, u := range files {
		if !u.state.terminal() {
			err := ctx.Err()
			if err == nil {
				err = errors.New("file did not finish")
			}
			fail(u, err)
		}
		report.Files = append(report.Files, u.result())
	}

	log.Info().
		Int("files", len(report.Files)).
		Int("failed", report.Failed()).
		Dur("duration", report.Duration).
		Msg("scheduler: finished")
	return report, ctx.Err()
}

// nextTask picks the top pending chunk of the earliest file that still has
// work, so files complete roughly in enqueue order.
func nextTask(files []*upload) (task, bool) {
	for _, u := range files {
		if u.state.terminal() || len(u.pending) == 0 {
			continue
		}
		return task{u: u, desc: u.pending[len(u.pending)-1]}, true
	}
	return task{}, false
}

func (s *Scheduler) worker(ctx context.Context, work <-chan task, results chan<- outcome, wg *sync.WaitGroup) {
	defer wg.Done()
	for t := range work {
		meta := t.u.meta(s.opts.SessionName, t.desc)
		body := io.NewSectionReader(t.u.file.Data, t.desc.Offset, t.desc.Length)
		resp, err := s.transport.SendChunk(ctx, meta, body)
		results <- outcome{task: t, resp: resp, err: err}
	}
}

// resume drops chunks the receiver already holds. Lookup failures only cost
// a full upload of that file.
func (s *Scheduler) resume(ctx context.Context, files []*upload) {
	received := make([][]uint64, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrent)
	for i, u := range files {
		if u.total < 2 {
			continue
		}
		g.Go(func() error {
			got, err := s.transport.ReceivedChunks(gctx, u.meta(s.opts.SessionName, protocol.ChunkDescriptor{Total: u.total}))
			if err != nil {
				logger.Warn().Err(err).Str("file", u.file.Name).Msg("scheduler: resume lookup failed")
				return nil
			}
			received[i] = got
			return nil
		})
	}
	_ = g.Wait()

	for i, u := range files {
		if len(received[i]) == 0 {
			continue
		}
		keep := u.pending[:0:0]
		for _, d := range u.pending {
			if !slices.Contains(received[i], d.Index) {
				keep = append(keep, d)
			}
		}
		// A manifest is cleared on completion, so a full set means stale
		// state; send everything again.
		if len(keep) == 0 {
			continue
		}
		u.skipped = u.total - uint64(len(keep))
		for _, d := range u.pending {
			if slices.Contains(received[i], d.Index) {
				u.sent += d.Length
			}
		}
		u.pending = keep
		logger.Info().
			Str("file", u.file.Name).
			Uint64("skipped", u.skipped).
			Uint64("chunks", u.total).
			Msg("scheduler: resuming")
	}
}
