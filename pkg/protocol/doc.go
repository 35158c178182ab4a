// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol holds the wire contract shared by the upload client and
// the chunk receiver: header names, transfer identity derivation, the
// metadata checksum and the JSON response envelope.
//
// One POST carries one chunk. The body is the raw chunk bytes; everything
// else travels in X- headers:
//
//	X-Content-Name     original file name
//	X-Chunk-Id         zero based chunk index
//	X-Content-Length   declared size of the whole file
//	X-Session-Name     upload session (selects server side config)
//	X-Chunk-Count      total number of chunks
//	X-Chunk-Checksum   crc32 of chunkId + fileName + fileSize, unsigned decimal
//	X-Transfer-Id      optional caller supplied identity
//	X-Chunk-Digest     optional "sha256=<hex>" digest of the body
package protocol
