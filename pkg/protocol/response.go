// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Response is the JSON body answered for every chunk. A missing recoverable
// field decodes as false, i.e. non-recoverable.
type Response struct {
	Success     bool   `json:"success"`
	Msg         string `json:"msg,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	// Complete is set on the response that finished the file.
	Complete bool `json:"complete,omitempty"`
}

// StatusResponse lists the chunk indices the receiver already holds.
type StatusResponse struct {
	Received []uint64 `json:"received"`
}

// FilesResponse answers the stored-files query. Exactly one field is set,
// depending on whether the session keeps multiple files.
type FilesResponse struct {
	Path  string   `json:"path,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

func OK() Response {
	return Response{Success: true}
}

func Failure(msg string, recoverable bool) Response {
	return Response{Success: false, Msg: msg, Recoverable: recoverable}
}
