// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	RequestHeader = "X-Request-Id"
)

type RequestID struct{}

// WithUUID returns a context carrying a request id, reusing an existing one.
func WithUUID(c context.Context) (context.Context, string) {
	if id, ok := c.Value(RequestID{}).(string); ok && id != "" {
		return c, id
	}
	newID := uuid.New().String()
	c = context.WithValue(c, RequestID{}, newID)
	return c, newID
}

func FromUUID(c context.Context, reqID string) context.Context {
	return context.WithValue(c, RequestID{}, reqID)
}

// FromRequest prefers the caller supplied X-Request-Id header and falls back
// to a fresh UUID.
func FromRequest(r *http.Request) (context.Context, string) {
	if id := r.Header.Get(RequestHeader); id != "" {
		return FromUUID(r.Context(), id), id
	}
	return WithUUID(r.Context())
}
