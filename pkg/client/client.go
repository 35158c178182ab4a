// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package client speaks the chunk upload protocol over HTTP.
package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	zctx "github.com/LeeDigitalWorks/zapup/pkg/context"
	"github.com/LeeDigitalWorks/zapup/pkg/protocol"
	"github.com/LeeDigitalWorks/zapup/pkg/utils"

	"golang.org/x/time/rate"
)

// maxResponseBytes bounds how much of a response body is decoded.
const maxResponseBytes = 1 << 20

// Config configures a Client.
type Config struct {
	// Endpoint is the receiver base URL, e.g. http://localhost:8080/.
	Endpoint string
	// Timeout bounds one request. 0 means 5 minutes.
	Timeout time.Duration
	// Bandwidth caps upload throughput in bytes per second across all
	// concurrent chunks. 0 means unlimited.
	Bandwidth int64
	// PayloadDigest sends a sha256 of every chunk body.
	PayloadDigest bool
	// MaxIdleConns defaults to 100.
	MaxIdleConns int
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client uploads chunks to a receiver. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	digest     bool
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", cfg.Endpoint)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 100
	}

	c := &Client{
		base:   base,
		digest: cfg.PayloadDigest,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        maxIdle,
				MaxIdleConnsPerHost: maxIdle,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	if cfg.Bandwidth > 0 {
		burst := int(cfg.Bandwidth)
		if burst > 256<<10 {
			burst = 256 << 10
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Bandwidth), burst)
	}
	return c, nil
}

// NewWithHTTPClient uses hc for every request.
func NewWithHTTPClient(cfg Config, hc *http.Client) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	c.httpClient = hc
	return c, nil
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.base
	if path != "" {
		u = *c.base.JoinPath(path)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// SendChunk posts one chunk. body is read from its start; meta.ChunkLength
// is taken from body.Size(). An error means the exchange itself failed and
// is always worth retrying; a rejected chunk comes back as a Response with
// Success false.
func (c *Client) SendChunk(ctx context.Context, meta protocol.ChunkMetadata, body *io.SectionReader) (protocol.Response, error) {
	size := body.Size()
	meta.ChunkLength = size
	if c.digest {
		sum, err := digest(body)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("digest chunk %d: %w", meta.ChunkIndex, err)
		}
		meta.Digest = sum
	}

	newBody := func() io.ReadCloser {
		if size == 0 {
			return http.NoBody
		}
		var r io.Reader = io.NewSectionReader(body, 0, size)
		if c.limiter != nil {
			r = &limitedReader{ctx: ctx, r: r, limiter: c.limiter}
		}
		return io.NopCloser(r)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("", nil), newBody())
	if err != nil {
		return protocol.Response{}, err
	}
	req.ContentLength = size
	req.GetBody = func() (io.ReadCloser, error) { return newBody(), nil }
	meta.SetHeaders(req.Header)
	req.Header.Set("Content-Type", "application/octet-stream")
	_, reqID := zctx.WithUUID(ctx)
	req.Header.Set(zctx.RequestHeader, reqID)

	var out protocol.Response
	if err := c.do(req, &out); err != nil {
		return protocol.Response{}, fmt.Errorf("chunk %d of %s: %w", meta.ChunkIndex, meta.FileName, err)
	}
	return out, nil
}

// ReceivedChunks asks the receiver which chunks of a transfer it already
// holds. Only the identity fields of meta are sent.
func (c *Client) ReceivedChunks(ctx context.Context, meta protocol.ChunkMetadata) ([]uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("status", nil), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(protocol.HeaderFileName, meta.FileName)
	req.Header.Set(protocol.HeaderSessionName, meta.SessionName)
	req.Header.Set(protocol.HeaderFileSize, strconv.FormatUint(meta.FileSize, 10))
	if meta.TransferID != "" {
		req.Header.Set(protocol.HeaderTransferID, meta.TransferID)
	}

	var out protocol.StatusResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("status of %s: %w", meta.FileName, err)
	}
	return out.Received, nil
}

// StoredFiles returns the final path(s) the receiver recorded for a session.
func (c *Client) StoredFiles(ctx context.Context, sessionName string) (protocol.FilesResponse, error) {
	var out protocol.FilesResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("files", url.Values{"session": {sessionName}}), nil)
	if err != nil {
		return out, err
	}
	if err := c.do(req, &out); err != nil {
		return out, fmt.Errorf("stored files of %s: %w", sessionName, err)
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
	}()

	body := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func digest(body *io.SectionReader) (string, error) {
	h := utils.Sha256PoolGetHasher()
	defer utils.Sha256PoolPutHasher(h)
	if _, err := io.Copy(h, io.NewSectionReader(body, 0, body.Size())); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// limitedReader paces reads through a shared token bucket.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
