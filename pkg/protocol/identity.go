// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/zapup/pkg/utils"
)

// TransferIdentity names one resumable upload. Two uploads of the same file
// name and size in the same session share an identity unless the client
// sends an explicit transfer id.
type TransferIdentity struct {
	SessionName string
	SessionID   string
	FileName    string
}

// NewIdentity derives the identity for a file. With an empty transferID the
// session id is crc32(fileSize + fileName), so re-uploading the same logical
// file reproduces it.
func NewIdentity(sessionName, fileName string, fileSize uint64, transferID string) TransferIdentity {
	return TransferIdentity{
		SessionName: sessionName,
		SessionID:   SessionID(fileName, fileSize, transferID),
		FileName:    fileName,
	}
}

// SessionID returns the file-system safe id used to name temporary chunks.
func SessionID(fileName string, fileSize uint64, transferID string) string {
	if transferID != "" {
		h := utils.Sha256PoolGetHasher()
		defer utils.Sha256PoolPutHasher(h)
		h.Write([]byte(transferID))
		return "t" + hex.EncodeToString(h.Sum(nil))[:24]
	}
	return crc32String(strconv.FormatUint(fileSize, 10) + fileName)
}

// Checksum covers the chunk metadata, not the payload.
func Checksum(chunkIndex uint64, fileName string, fileSize uint64) string {
	return crc32String(strconv.FormatUint(chunkIndex, 10) + fileName + strconv.FormatUint(fileSize, 10))
}

func crc32String(s string) string {
	h := utils.Crc32PoolGetHasher()
	defer utils.Crc32PoolPutHasher(h)
	h.Write([]byte(s))
	return strconv.FormatUint(uint64(h.Sum32()), 10)
}

// Key is the store key for the identity. Session names come from config and
// session ids are digits or hex, so only the trailing file name may hold '|'.
func (id TransferIdentity) Key() string {
	return strings.Join([]string{id.SessionName, id.SessionID, id.FileName}, "|")
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (TransferIdentity, bool) {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return TransferIdentity{}, false
	}
	return TransferIdentity{SessionName: parts[0], SessionID: parts[1], FileName: parts[2]}, true
}

func (id TransferIdentity) String() string {
	return id.SessionName + "/" + id.SessionID + "/" + id.FileName
}

// TempChunkName is the deterministic temporary file name of a chunk.
func TempChunkName(chunkIndex uint64, sessionID string) string {
	return strconv.FormatUint(chunkIndex, 10) + "_" + sessionID + TempChunkSuffix
}

const TempChunkSuffix = ".zchunk"
