// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// minUploadBytesPerSecond is the slowest chunk upload a Conn tolerates
// before its deadline catches up with it.
const minUploadBytesPerSecond = 4000

// Listener hands out Conns whose deadlines stretch with the bytes already
// moved, so a large chunk body on a slow link is not cut off while an idle
// or stalled client still is.
type Listener struct {
	net.Listener
	Timeout time.Duration
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c, Timeout: l.Timeout}, nil
}

// Conn applies a throughput scaled deadline to every read and write. The
// byte counts cover the current request only; see TrackConnState.
type Conn struct {
	net.Conn
	Timeout      time.Duration
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

func (c *Conn) deadline(moved int64) time.Time {
	perPeriod := int64(float64(minUploadBytesPerSecond) * c.Timeout.Seconds())
	if perPeriod <= 0 {
		perPeriod = 1
	}
	return time.Now().Add(c.Timeout * time.Duration(moved/perPeriod+1))
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetReadDeadline(c.deadline(c.bytesRead.Load())); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(int64(n))
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetWriteDeadline(c.deadline(c.bytesWritten.Load())); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(int64(n))
	return n, err
}

// Reset starts a fresh allowance, as if nothing had been transferred yet.
func (c *Conn) Reset() {
	c.bytesRead.Store(0)
	c.bytesWritten.Store(0)
}

// TrackConnState is an http.Server ConnState hook that resets a Conn when a
// keep-alive connection goes idle, so earlier requests do not stretch the
// deadline of the next one.
func TrackConnState(c net.Conn, state http.ConnState) {
	if tc, ok := c.(*Conn); ok && state == http.StateIdle {
		tc.Reset()
	}
}

// NewListener listens on addr. A zero timeout disables deadlines.
func NewListener(addr string, timeout time.Duration) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l, Timeout: timeout}, nil
}
