// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	HeaderFileName    = "X-Content-Name"
	HeaderChunkID     = "X-Chunk-Id"
	HeaderFileSize    = "X-Content-Length"
	HeaderSessionName = "X-Session-Name"
	HeaderChunkCount  = "X-Chunk-Count"
	HeaderChecksum    = "X-Chunk-Checksum"
	HeaderTransferID  = "X-Transfer-Id"
	HeaderDigest      = "X-Chunk-Digest"

	digestPrefix = "sha256="
)

var (
	ErrMissingField = errors.New("missing required field")
	ErrInvalidField = errors.New("invalid field")
)

// ChunkMetadata is everything the receiver learns about a chunk before
// reading its body.
type ChunkMetadata struct {
	FileName    string
	ChunkIndex  uint64
	TotalChunks uint64
	FileSize    uint64
	// ChunkLength is the transport content length of this chunk body.
	ChunkLength int64
	SessionName string
	Checksum    string

	// TransferID overrides the (fileSize, fileName) identity derivation.
	TransferID string
	// Digest is the lowercase hex sha256 of the body, empty when not sent.
	Digest string
}

// ParseHeaders extracts chunk metadata from request headers. contentLength is
// the transport's own body length and must be known (>= 0).
func ParseHeaders(h http.Header, contentLength int64) (ChunkMetadata, error) {
	var missing []string
	get := func(name string) string {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	m := ChunkMetadata{
		FileName:    get(HeaderFileName),
		SessionName: get(HeaderSessionName),
		Checksum:    get(HeaderChecksum),
		TransferID:  strings.TrimSpace(h.Get(HeaderTransferID)),
		ChunkLength: contentLength,
	}
	chunkID := get(HeaderChunkID)
	fileSize := get(HeaderFileSize)
	chunkCount := get(HeaderChunkCount)
	if contentLength < 0 {
		missing = append(missing, "Content-Length")
	}
	if len(missing) > 0 {
		return m, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	var err error
	if m.ChunkIndex, err = strconv.ParseUint(chunkID, 10, 64); err != nil {
		return m, fmt.Errorf("%w: %s=%q", ErrInvalidField, HeaderChunkID, chunkID)
	}
	if m.FileSize, err = strconv.ParseUint(fileSize, 10, 64); err != nil {
		return m, fmt.Errorf("%w: %s=%q", ErrInvalidField, HeaderFileSize, fileSize)
	}
	if m.TotalChunks, err = strconv.ParseUint(chunkCount, 10, 64); err != nil || m.TotalChunks == 0 {
		return m, fmt.Errorf("%w: %s=%q", ErrInvalidField, HeaderChunkCount, chunkCount)
	}
	if m.ChunkIndex >= m.TotalChunks {
		return m, fmt.Errorf("%w: chunk %d out of range for %d chunks", ErrInvalidField, m.ChunkIndex, m.TotalChunks)
	}

	if d := strings.TrimSpace(h.Get(HeaderDigest)); d != "" {
		if !strings.HasPrefix(strings.ToLower(d), digestPrefix) {
			return m, fmt.Errorf("%w: %s must be %s<hex>", ErrInvalidField, HeaderDigest, digestPrefix)
		}
		m.Digest = strings.ToLower(d[len(digestPrefix):])
	}
	return m, nil
}

// SetHeaders writes m onto h. The checksum is recomputed when m.Checksum is
// empty.
func (m ChunkMetadata) SetHeaders(h http.Header) {
	checksum := m.Checksum
	if checksum == "" {
		checksum = Checksum(m.ChunkIndex, m.FileName, m.FileSize)
	}
	h.Set(HeaderFileName, m.FileName)
	h.Set(HeaderChunkID, strconv.FormatUint(m.ChunkIndex, 10))
	h.Set(HeaderFileSize, strconv.FormatUint(m.FileSize, 10))
	h.Set(HeaderSessionName, m.SessionName)
	h.Set(HeaderChunkCount, strconv.FormatUint(m.TotalChunks, 10))
	h.Set(HeaderChecksum, checksum)
	if m.TransferID != "" {
		h.Set(HeaderTransferID, m.TransferID)
	}
	if m.Digest != "" {
		h.Set(HeaderDigest, digestPrefix+m.Digest)
	}
}

// VerifyChecksum reports whether the supplied checksum matches the metadata.
func (m ChunkMetadata) VerifyChecksum() bool {
	return m.Checksum == Checksum(m.ChunkIndex, m.FileName, m.FileSize)
}

// Identity derives the transfer identity this chunk belongs to.
func (m ChunkMetadata) Identity() TransferIdentity {
	return NewIdentity(m.SessionName, m.FileName, m.FileSize, m.TransferID)
}
