// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// DefaultChunkSize matches the 2 MiB slices used by browser clients.
const DefaultChunkSize = 2 << 20

// ChunkDescriptor is a client side unit of work. It is owned by the
// scheduler until acknowledged.
type ChunkDescriptor struct {
	Index   uint64
	Total   uint64
	Offset  int64
	Length  int64
	Retries int
}

// TotalChunks returns ceil(size/chunkSize). Empty files still travel as one
// zero-length chunk.
func TotalChunks(size, chunkSize int64) uint64 {
	if chunkSize <= 0 || size <= 0 {
		return 1
	}
	return uint64((size + chunkSize - 1) / chunkSize)
}

// Plan slices a file of size bytes into descriptors in ascending index
// order.
func Plan(size, chunkSize int64) []ChunkDescriptor {
	total := TotalChunks(size, chunkSize)
	if total == 1 {
		return []ChunkDescriptor{{Index: 0, Total: 1, Offset: 0, Length: size}}
	}
	out := make([]ChunkDescriptor, 0, total)
	for i := uint64(0); i < total; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}
		out = append(out, ChunkDescriptor{Index: i, Total: total, Offset: offset, Length: length})
	}
	return out
}
