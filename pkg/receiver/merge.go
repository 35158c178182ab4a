// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/logger"
	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
	"github.com/LeeDigitalWorks/zapup/pkg/session"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"github.com/spf13/afero"
)

// merge assembles the temporary chunks of id into the final file in
// ascending index order.
//
// Opening the destination gets r.mergeRetries attempts. Copying then gets a
// fresh budget of r.mergeRetries attempts shared by all chunks; a failed copy
// rolls the destination back to the chunk's start offset and retries the
// same index. Any abort removes the partial file and every temporary chunk.
func (r *Receiver) merge(ctx context.Context, cfg session.Config, meta protocol.ChunkMetadata, id protocol.TransferIdentity) (string, error) {
	start := time.Now()
	log := logger.Ctx(ctx).With().Str("transfer", id.String()).Uint64("total", meta.TotalChunks).Logger()

	abort := func(dst afero.File, path string, err *Error) (string, error) {
		if dst != nil {
			dst.Close()
			r.fs.Remove(path)
		}
		removed := r.removeChunks(cfg.UploadPath, id, meta.TotalChunks)
		mergesTotal.WithLabelValues(string(err.Code)).Inc()
		log.Error().Err(err).Int("chunks_removed", removed).Msg("merge aborted")
		return "", err
	}

	var (
		dst  afero.File
		path string
		err  error
	)
	for retries := r.mergeRetries; ; {
		dst, path, err = r.createFinal(cfg, meta.FileName)
		if err == nil {
			break
		}
		retries--
		if retries <= 0 {
			return abort(nil, "", newError(CodeMergeFailed, "failed to write file", err))
		}
		mergeRetriesTotal.Inc()
		log.Warn().Err(err).Int("retries_left", retries).Msg("failed to open destination, retrying")
	}

	buf := utils.GetBuffer(copyBufferSize)
	defer utils.PutBuffer(buf)

	var offset int64
	retries := r.mergeRetries
	for idx := uint64(0); idx < meta.TotalChunks; {
		n, err := r.copyChunk(dst, filepath.Join(cfg.UploadPath, protocol.TempChunkName(idx, id.SessionID)), buf)
		if err == nil {
			offset += n
			idx++
			continue
		}

		if rerr := rollback(dst, offset); rerr != nil {
			return abort(dst, path, newError(CodeMergeFailed, "failed to write file", rerr))
		}
		retries--
		if retries <= 0 {
			return abort(dst, path, newError(CodeMergeFailed, "failed to write file", fmt.Errorf("chunk %d: %w", idx, err)))
		}
		mergeRetriesTotal.Inc()
		log.Warn().Err(err).Uint64("chunk", idx).Int("retries_left", retries).Msg("failed to copy chunk, retrying")
	}

	if err := dst.Close(); err != nil {
		r.fs.Remove(path)
		return abort(nil, "", newError(CodeMergeFailed, "failed to write file", err))
	}

	if err := r.checkFinalSize(cfg, path); err != nil {
		r.fs.Remove(path)
		r.removeChunks(cfg.UploadPath, id, meta.TotalChunks)
		code := CodeOf(err)
		mergesTotal.WithLabelValues(string(code)).Inc()
		log.Warn().Err(err).Str("path", path).Msg("merged file rejected")
		return "", err
	}

	r.removeChunks(cfg.UploadPath, id, meta.TotalChunks)
	if err := r.store.AddStoredFile(ctx, cfg.Name, path, cfg.AllowMultipleFiles); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to record stored file")
	}

	mergesTotal.WithLabelValues("ok").Inc()
	mergeDuration.Observe(time.Since(start).Seconds())
	log.Info().Str("path", path).Int64("bytes", offset).Dur("took", time.Since(start)).Msg("merged file")
	return path, nil
}

func (r *Receiver) copyChunk(dst io.Writer, chunkPath string, buf []byte) (int64, error) {
	src, err := r.fs.Open(chunkPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return io.CopyBuffer(dst, src, buf)
}

// rollback discards anything written past offset by a failed copy.
func rollback(dst afero.File, offset int64) error {
	if err := dst.Truncate(offset); err != nil {
		return err
	}
	_, err := dst.Seek(offset, io.SeekStart)
	return err
}
