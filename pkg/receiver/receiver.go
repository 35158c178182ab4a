// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/logger"
	"github.com/LeeDigitalWorks/zapup/pkg/manifest"
	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
	"github.com/LeeDigitalWorks/zapup/pkg/session"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	// DefaultMergeRetries is the merge retry budget when none is configured.
	DefaultMergeRetries = 3

	copyBufferSize = 256 << 10
)

type Config struct {
	// MergeRetries is the shared attempt budget for opening the destination
	// and, separately, for copying chunks into it.
	MergeRetries int
}

// Receiver validates chunks, stores them as temporary files and merges a
// transfer once its manifest is complete.
type Receiver struct {
	fs           afero.Fs
	sessions     *session.Registry
	store        manifest.Store
	mergeRetries int

	now        func() time.Time
	randSuffix func() int
}

// Result describes an accepted chunk.
type Result struct {
	// Complete is set on the chunk that finished the file.
	Complete bool
	// Path is the final file path when Complete is set.
	Path string
}

func New(fs afero.Fs, sessions *session.Registry, store manifest.Store, cfg Config) *Receiver {
	retries := cfg.MergeRetries
	if retries <= 0 {
		retries = DefaultMergeRetries
	}
	return &Receiver{
		fs:           fs,
		sessions:     sessions,
		store:        store,
		mergeRetries: retries,
		now:          time.Now,
		randSuffix:   func() int { return rand.IntN(9999) + 1 },
	}
}

// AcceptChunk validates meta, persists body and merges the file when this
// chunk completes it. The returned error is always a *Error for rejected
// chunks; store failures are wrapped as TransientIoError.
func (r *Receiver) AcceptChunk(ctx context.Context, meta protocol.ChunkMetadata, body io.Reader) (Result, error) {
	start := time.Now()
	res, err := r.acceptChunk(ctx, meta, body)
	observeChunk(meta, res, err, time.Since(start))
	return res, err
}

func (r *Receiver) acceptChunk(ctx context.Context, meta protocol.ChunkMetadata, body io.Reader) (Result, error) {
	cfg, err := r.validate(meta)
	if err != nil {
		return Result{}, err
	}

	id := meta.Identity()
	log := logger.Ctx(ctx).With().
		Str("session", id.SessionName).
		Str("session_id", id.SessionID).
		Str("file", id.FileName).
		Uint64("chunk", meta.ChunkIndex).
		Uint64("total", meta.TotalChunks).
		Logger()

	if meta.TotalChunks == 1 {
		path, err := r.writeSingle(ctx, cfg, meta, body)
		if err != nil {
			return Result{}, err
		}
		log.Info().Str("path", path).Msg("stored single chunk file")
		return Result{Complete: true, Path: path}, nil
	}

	tempPath := filepath.Join(cfg.UploadPath, protocol.TempChunkName(meta.ChunkIndex, id.SessionID))
	if err := r.writeChunk(tempPath, meta, body); err != nil {
		log.Warn().Err(err).Msg("failed to write chunk")
		return Result{}, err
	}

	complete, err := r.store.MarkReceived(ctx, id, meta.ChunkIndex, meta.TotalChunks)
	if err != nil {
		return Result{}, transient("failed to record chunk", err)
	}
	if !complete {
		log.Debug().Msg("chunk stored")
		return Result{}, nil
	}

	// The manifest is already cleared, so the merge must finish even if the
	// client goes away.
	path, err := r.merge(context.WithoutCancel(ctx), cfg, meta, id)
	if err != nil {
		return Result{}, err
	}
	return Result{Complete: true, Path: path}, nil
}

func (r *Receiver) validate(meta protocol.ChunkMetadata) (session.Config, error) {
	switch {
	case meta.FileName == "", meta.SessionName == "", meta.Checksum == "":
		return session.Config{}, malformed("missing transfer metadata", protocol.ErrMissingField)
	case meta.TotalChunks == 0, meta.ChunkIndex >= meta.TotalChunks, meta.ChunkLength < 0:
		return session.Config{}, malformed(
			fmt.Sprintf("chunk %d of %d is out of range", meta.ChunkIndex, meta.TotalChunks),
			protocol.ErrInvalidField)
	}

	if !meta.VerifyChecksum() {
		return session.Config{}, newError(CodeIntegrityError, "file integrity check failed", nil)
	}

	cfg, ok := r.sessions.Get(meta.SessionName)
	if !ok {
		return cfg, invalid("invalid file", fmt.Errorf("%w: %s", ErrUnknownSession, meta.SessionName))
	}
	if !ValidFileName(meta.FileName) {
		return cfg, invalid("invalid file", fmt.Errorf("%w: %q", ErrInvalidFileName, meta.FileName))
	}
	if !cfg.AllowsExtension(meta.FileName) {
		return cfg, invalid("invalid file", fmt.Errorf("%w: %q", ErrExtensionNotAllowed, session.Extension(meta.FileName)))
	}
	if !cfg.AllowsSize(meta.FileSize) || uint64(meta.ChunkLength) > meta.FileSize {
		return cfg, invalid("invalid file", fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, meta.FileSize, cfg.MaxFileSize))
	}
	if err := checkLayout(meta); err != nil {
		return cfg, invalid("invalid file", err)
	}
	return cfg, nil
}

// checkLayout bounds what one transfer can stage by its declared size.
// Every chunk but the last carries the same non-zero length L and together
// they stay below the file size, so (total-1)*L < fileSize. The last chunk
// holds at most what the others leave over. Callers have already checked
// ChunkLength <= FileSize and ChunkIndex < TotalChunks.
func checkLayout(meta protocol.ChunkMetadata) error {
	size, length, last := meta.FileSize, uint64(meta.ChunkLength), meta.TotalChunks-1
	switch {
	case last > size-length:
		return fmt.Errorf("%w: %d chunks cannot carry %d bytes", ErrChunkLayout, meta.TotalChunks, meta.FileSize)
	case meta.ChunkIndex < last && (length == 0 || last > (size-1)/length):
		return fmt.Errorf("%w: %d chunks of %d bytes exceed %d bytes", ErrChunkLayout, meta.TotalChunks, length, meta.FileSize)
	}
	return nil
}

// writeChunk stages the body under a unique name and renames it into place,
// so concurrent duplicates of one chunk never interleave.
func (r *Receiver) writeChunk(tempPath string, meta protocol.ChunkMetadata, body io.Reader) error {
	staging := tempPath + "." + uuid.NewString()[:8] + ".part"
	f, err := r.fs.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return transient("failed to open temporary chunk", err)
	}

	err = copyBody(f, meta, body)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = transient("failed to close temporary chunk", cerr)
	}
	if err == nil {
		if rerr := r.fs.Rename(staging, tempPath); rerr != nil {
			err = transient("failed to move temporary chunk into place", rerr)
		}
	}
	if err != nil {
		r.fs.Remove(staging)
		return err
	}
	return nil
}

// writeSingle stores a one-chunk file directly under its final name.
func (r *Receiver) writeSingle(ctx context.Context, cfg session.Config, meta protocol.ChunkMetadata, body io.Reader) (string, error) {
	f, path, err := r.createFinal(cfg, meta.FileName)
	if err != nil {
		return "", transient("failed to open destination", err)
	}

	err = copyBody(f, meta, body)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = transient("failed to close destination", cerr)
	}
	if err == nil {
		err = r.checkFinalSize(cfg, path)
	}
	if err != nil {
		r.fs.Remove(path)
		return "", err
	}

	if err := r.store.AddStoredFile(ctx, cfg.Name, path, cfg.AllowMultipleFiles); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("path", path).Msg("failed to record stored file")
	}
	return path, nil
}

// copyBody writes exactly meta.ChunkLength bytes and verifies the optional
// payload digest.
func copyBody(dst io.Writer, meta protocol.ChunkMetadata, body io.Reader) error {
	var h hash.Hash
	if meta.Digest != "" {
		h = utils.Sha256PoolGetHasher()
		defer utils.Sha256PoolPutHasher(h)
		dst = io.MultiWriter(dst, h)
	}

	buf := utils.GetBuffer(copyBufferSize)
	defer utils.PutBuffer(buf)

	n, err := io.CopyBuffer(dst, io.LimitReader(body, meta.ChunkLength+1), buf)
	if err != nil {
		return transient("failed to write chunk", err)
	}
	if n != meta.ChunkLength {
		return transient("incomplete chunk", fmt.Errorf("%w: got %d, want %d", ErrShortBody, n, meta.ChunkLength))
	}
	if h != nil && hex.EncodeToString(h.Sum(nil)) != meta.Digest {
		return newError(CodeDigestMismatch, "chunk payload digest mismatch", nil)
	}
	return nil
}

func (r *Receiver) checkFinalSize(cfg session.Config, path string) error {
	info, err := r.fs.Stat(path)
	if err != nil {
		return transient("failed to stat final file", err)
	}
	if !cfg.AllowsSize(uint64(info.Size())) {
		return newError(CodeSizeExceeded, "file exceeds the maximum size",
			fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, info.Size(), cfg.MaxFileSize))
	}
	return nil
}

// Received lists the chunk indices already held for the transfer meta
// belongs to. Only the identity fields of meta are used.
func (r *Receiver) Received(ctx context.Context, meta protocol.ChunkMetadata) ([]uint64, error) {
	if meta.FileName == "" || meta.SessionName == "" {
		return nil, malformed("missing transfer metadata", protocol.ErrMissingField)
	}
	if _, ok := r.sessions.Get(meta.SessionName); !ok {
		return nil, invalid("invalid session", fmt.Errorf("%w: %s", ErrUnknownSession, meta.SessionName))
	}
	received, err := r.store.Received(ctx, meta.Identity())
	if err != nil {
		return nil, transient("failed to read manifest", err)
	}
	return received, nil
}

// StoredFiles returns the final paths recorded for a session.
func (r *Receiver) StoredFiles(ctx context.Context, sessionName string) ([]string, bool, error) {
	cfg, ok := r.sessions.Get(sessionName)
	if !ok {
		return nil, false, invalid("invalid session", fmt.Errorf("%w: %s", ErrUnknownSession, sessionName))
	}
	paths, err := r.store.StoredFiles(ctx, sessionName)
	if err != nil {
		return nil, false, transient("failed to read stored files", err)
	}
	return paths, cfg.AllowMultipleFiles, nil
}

// removeChunks deletes every temporary chunk of a transfer. Missing files
// are not an error.
func (r *Receiver) removeChunks(dir string, id protocol.TransferIdentity, total uint64) int {
	removed := 0
	for idx := uint64(0); idx < total; idx++ {
		err := r.fs.Remove(filepath.Join(dir, protocol.TempChunkName(idx, id.SessionID)))
		switch {
		case err == nil:
			removed++
		case !errors.Is(err, os.ErrNotExist):
			logger.Warn().Err(err).Str("transfer", id.String()).Uint64("chunk", idx).Msg("failed to remove temporary chunk")
		}
	}
	return removed
}
