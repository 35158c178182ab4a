// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives chunked uploads of a batch of files with a
// global concurrency cap and per-chunk retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
	"github.com/LeeDigitalWorks/zapup/pkg/session"

	"github.com/google/uuid"
)

const (
	DefaultMaxConcurrent = 5
	DefaultMaxRetries    = 3
	DefaultMaxRetryDelay = 30 * time.Second
)

var (
	ErrFileTooLarge        = errors.New("file exceeds the maximum size")
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
	ErrInvalidFile         = errors.New("invalid file")
	ErrRetriesExhausted    = errors.New("chunk retries exhausted")
	ErrRejected            = errors.New("chunk rejected by receiver")
	ErrRunning             = errors.New("scheduler already running")
)

// Transport sends chunks to a receiver. *client.Client implements it.
type Transport interface {
	// SendChunk returns an error only when the exchange itself failed; such
	// errors are retried. A rejected chunk is a Response with Success false.
	SendChunk(ctx context.Context, meta protocol.ChunkMetadata, body *io.SectionReader) (protocol.Response, error)
	ReceivedChunks(ctx context.Context, meta protocol.ChunkMetadata) ([]uint64, error)
}

// File is one upload source.
type File struct {
	Name string
	Size int64
	Data io.ReaderAt
	// TransferID optionally pins the server side identity.
	TransferID string
}

type FileState int

const (
	StateQueued FileState = iota
	StateTransferring
	StateDone
	StateErrored
)

func (s FileState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateTransferring:
		return "transferring"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("FileState(%d)", int(s))
	}
}

func (s FileState) terminal() bool {
	return s == StateDone || s == StateErrored
}

// Progress is reported after every acknowledged chunk.
type Progress struct {
	File           string
	UploadedChunks uint64
	TotalChunks    uint64
	BytesSent      int64
	Size           int64
	// Job wide totals across all enqueued files.
	JobBytesSent int64
	JobSize      int64
}

// FileResult is the terminal outcome of one file.
type FileResult struct {
	Name     string
	State    FileState
	Chunks   uint64
	Uploaded uint64
	// Skipped counts chunks the receiver already held on resume.
	Skipped uint64
	Retries int
	Err     error
}

// Report summarizes a Run.
type Report struct {
	JobID    string
	Files    []FileResult
	Duration time.Duration
}

// Failed returns the number of errored files.
func (r Report) Failed() int {
	n := 0
	for _, f := range r.Files {
		if f.State == StateErrored {
			n++
		}
	}
	return n
}

// OK reports whether every file finished.
func (r Report) OK() bool {
	return r.Failed() == 0
}

// Options configures a Scheduler.
type Options struct {
	SessionName string
	// ChunkSize defaults to protocol.DefaultChunkSize.
	ChunkSize int64
	// MaxConcurrent caps chunks in flight across all files.
	MaxConcurrent int
	// MaxRetries is the per-chunk retry budget. 0 means DefaultMaxRetries,
	// negative disables retries.
	MaxRetries int
	// RetryDelay is the base backoff before a retry. 0 retries immediately.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// Advisory client side limits. The receiver enforces its own.
	AllowedExtensions []string
	MaxFileSize       uint64

	// Resume asks the receiver which chunks it holds and skips them.
	Resume bool

	// Callbacks run on the scheduler goroutine and must not block.
	OnProgress func(Progress)
	OnFileDone func(FileResult)
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = protocol.DefaultChunkSize
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	o.AllowedExtensions = session.NormalizeExtensions(o.AllowedExtensions)
	return o
}

// Scheduler uploads the files enqueued before Run. It is single use.
type Scheduler struct {
	transport Transport
	opts      Options
	jobID     string

	mu      sync.Mutex
	files   []*upload
	running bool
}

func New(transport Transport, opts Options) *Scheduler {
	return &Scheduler{
		transport: transport,
		opts:      opts.withDefaults(),
		jobID:     uuid.NewString(),
	}
}

func (s *Scheduler) JobID() string {
	return s.jobID
}

// Enqueue validates f against the advisory limits and queues its chunks.
func (s *Scheduler) Enqueue(f File) error {
	if err := s.check(f); err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.files = append(s.files, newUpload(f, s.opts.ChunkSize))
	return nil
}

func (s *Scheduler) check(f File) error {
	if f.Name == "" || f.Name == "." || f.Name == ".." || strings.ContainsAny(f.Name, "\x00/\\") {
		return fmt.Errorf("%w: bad file name", ErrInvalidFile)
	}
	if f.Size < 0 || f.Data == nil {
		return fmt.Errorf("%w: no data", ErrInvalidFile)
	}
	if s.opts.MaxFileSize > 0 && uint64(f.Size) > s.opts.MaxFileSize {
		return ErrFileTooLarge
	}
	if len(s.opts.AllowedExtensions) > 0 {
		ext := session.Extension(f.Name)
		allowed := false
		for _, e := range s.opts.AllowedExtensions {
			if e == ext {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrExtensionNotAllowed
		}
	}
	return nil
}

// upload is the scheduler's view of one file. Only the Run loop touches it
// once Run has started.
type upload struct {
	file  File
	state FileState
	total uint64
	// pending is a stack; the next chunk to send is the last element.
	pending  []protocol.ChunkDescriptor
	inFlight int
	acked    uint64
	skipped  uint64
	sent     int64
	retries  int
	err      error
}

func newUpload(f File, chunkSize int64) *upload {
	plan := protocol.Plan(f.Size, chunkSize)
	// Reverse so chunks go out in ascending order.
	pending := make([]protocol.ChunkDescriptor, len(plan))
	for i, d := range plan {
		pending[len(plan)-1-i] = d
	}
	return &upload{
		file:    f,
		state:   StateQueued,
		total:   uint64(len(plan)),
		pending: pending,
	}
}

func (u *upload) meta(sessionName string, d protocol.ChunkDescriptor) protocol.ChunkMetadata {
	return protocol.ChunkMetadata{
		FileName:    u.file.Name,
		ChunkIndex:  d.Index,
		TotalChunks: d.Total,
		FileSize:    uint64(u.file.Size),
		ChunkLength: d.Length,
		SessionName: sessionName,
		Checksum:    protocol.Checksum(d.Index, u.file.Name, uint64(u.file.Size)),
		TransferID:  u.file.TransferID,
	}
}

func (u *upload) result() FileResult {
	return FileResult{
		Name:     u.file.Name,
		State:    u.state,
		Chunks:   u.total,
		Uploaded: u.acked,
		Skipped:  u.skipped,
		Retries:  u.retries,
		Err:      u.err,
	}
}
