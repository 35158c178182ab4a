// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	zctx "github.com/LeeDigitalWorks/zapup/pkg/context"
	"github.com/LeeDigitalWorks/zapup/pkg/logger"
	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
)

// DefaultMaxRequestBytes caps a single chunk body.
const DefaultMaxRequestBytes = 64 << 20

// Handler exposes a Receiver over HTTP:
//
//	POST /        one chunk, metadata in X-* headers, raw bytes as body
//	GET  /status  chunk indices already held for a transfer
//	GET  /files   stored final path(s) of ?session=
//
// Chunk outcomes travel in the JSON body with status 200; only transport
// level problems use other status codes.
type Handler struct {
	recv            *Receiver
	maxRequestBytes int64
	mux             *http.ServeMux
}

func NewHandler(recv *Receiver, maxRequestBytes int64) *Handler {
	if maxRequestBytes <= 0 {
		maxRequestBytes = DefaultMaxRequestBytes
	}
	h := &Handler{
		recv:            recv,
		maxRequestBytes: maxRequestBytes,
		mux:             http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /{$}", h.PostHandler)
	h.mux.HandleFunc("GET /status", h.StatusHandler)
	h.mux.HandleFunc("GET /files", h.FilesHandler)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, reqID := zctx.FromRequest(r)
	log := logger.With().Str("request_id", reqID).Logger()
	ctx = logger.WithLogger(ctx, &log)

	w.Header().Set(zctx.RequestHeader, reqID)
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) PostHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer r.Body.Close()

	meta, err := protocol.ParseHeaders(r.Header, r.ContentLength)
	if err != nil {
		h.writeChunkError(w, r, malformed("malformed chunk request", err))
		return
	}
	if meta.ChunkLength > h.maxRequestBytes {
		h.writeChunkError(w, r, invalid("chunk too large",
			fmt.Errorf("%d bytes, limit %d", meta.ChunkLength, h.maxRequestBytes)))
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxRequestBytes)
	res, err := h.recv.AcceptChunk(ctx, meta, body)
	if err != nil {
		h.writeChunkError(w, r, err)
		return
	}

	resp := protocol.OK()
	resp.Complete = res.Complete
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeChunkError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.Ctx(r.Context())
	recoverable := IsRecoverable(err)
	var rerr *Error
	if !errors.As(err, &rerr) {
		log.Error().Err(err).Msg("unexpected chunk error")
		writeJSON(w, http.StatusOK, protocol.Failure("internal error", recoverable))
		return
	}

	ev := log.Warn()
	if rerr.Code == CodeMergeFailed || rerr.Code == CodeIntegrityError {
		ev = log.Error()
	}
	ev.Err(rerr).
		Str("code", string(rerr.Code)).
		Bool("recoverable", recoverable).
		Str("file", r.Header.Get(protocol.HeaderFileName)).
		Str("chunk", r.Header.Get(protocol.HeaderChunkID)).
		Msg("chunk rejected")
	writeJSON(w, http.StatusOK, protocol.Failure(rerr.Message, recoverable))
}

func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	fileSize, err := strconv.ParseUint(strings.TrimSpace(r.Header.Get(protocol.HeaderFileSize)), 10, 64)
	if err != nil {
		http.Error(w, "invalid "+protocol.HeaderFileSize, http.StatusBadRequest)
		return
	}
	meta := protocol.ChunkMetadata{
		FileName:    strings.TrimSpace(r.Header.Get(protocol.HeaderFileName)),
		SessionName: strings.TrimSpace(r.Header.Get(protocol.HeaderSessionName)),
		TransferID:  strings.TrimSpace(r.Header.Get(protocol.HeaderTransferID)),
		FileSize:    fileSize,
	}

	received, err := h.recv.Received(r.Context(), meta)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if received == nil {
		received = []uint64{}
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Received: received})
}

func (h *Handler) FilesHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("session")
	if name == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	paths, multiple, err := h.recv.StoredFiles(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	var resp protocol.FilesResponse
	switch {
	case multiple:
		resp.Paths = paths
	case len(paths) > 0:
		resp.Path = paths[len(paths)-1]
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch CodeOf(err) {
	case CodeMalformedRequest:
		return http.StatusBadRequest
	case CodeValidationError:
		if errors.Is(err, ErrUnknownSession) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("failed to write response")
	}
}
