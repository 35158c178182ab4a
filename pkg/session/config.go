// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
)

// DefaultMaxFileSize is applied when a session does not set max_file_size.
const DefaultMaxFileSize = 10 << 20

var (
	ErrNoName         = errors.New("session name is required")
	ErrNoUploadPath   = errors.New("upload path is required")
	ErrDuplicate      = errors.New("duplicate session")
	ErrInvalidName    = errors.New("session name must not contain '|' or whitespace")
	ErrInvalidSize    = errors.New("invalid size")
)

// Config is the per-session upload policy. Values handed out by a Registry
// are copies; mutating them does not affect the server.
type Config struct {
	Name       string
	UploadPath string
	// AllowedExtensions are lower case without the leading dot. Empty allows
	// every extension.
	AllowedExtensions []string
	MaxFileSize       uint64
	Overwrite         bool
	// RenameTemplate, when set, names the final file. Placeholders:
	// {name} {session} {uuid} {timestamp}. The original extension is kept.
	RenameTemplate     string
	AllowMultipleFiles bool
}

// Defaults returns a config with the stock policy: overwrite on, 10MiB cap,
// single stored file.
func Defaults(name, uploadPath string) Config {
	return Config{
		Name:        name,
		UploadPath:  uploadPath,
		MaxFileSize: DefaultMaxFileSize,
		Overwrite:   true,
	}
}

func (c Config) Validate() error {
	if c.Name == "" {
		return ErrNoName
	}
	if strings.ContainsFunc(c.Name, func(r rune) bool { return r == '|' || unicode.IsSpace(r) }) {
		return fmt.Errorf("%w: %q", ErrInvalidName, c.Name)
	}
	if c.UploadPath == "" {
		return fmt.Errorf("%w: session %s", ErrNoUploadPath, c.Name)
	}
	if c.MaxFileSize == 0 {
		return fmt.Errorf("%w: session %s max file size", ErrInvalidSize, c.Name)
	}
	return nil
}

// AllowsExtension reports whether fileName's extension passes the allow-list.
// Spaces are ignored and comparison is case-insensitive.
func (c Config) AllowsExtension(fileName string) bool {
	if len(c.AllowedExtensions) == 0 {
		return true
	}
	return slices.Contains(c.AllowedExtensions, Extension(fileName))
}

func (c Config) AllowsSize(size uint64) bool {
	return size <= c.MaxFileSize
}

func (c Config) clone() Config {
	c.AllowedExtensions = slices.Clone(c.AllowedExtensions)
	return c
}

// Extension returns the lower case extension of name without the dot.
func Extension(name string) string {
	name = strings.ReplaceAll(name, " ", "")
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// NormalizeExtensions lower-cases and strips dots and blanks.
func NormalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

// ParseSize parses sizes like "10MB", "512k" or "1048576". Unit suffixes are
// binary multiples (1MB = 1024*1024) and a bare number is bytes.
func ParseSize(s string) (uint64, error) {
	v := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if v == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidSize)
	}
	v = strings.TrimSuffix(v, "b")
	if n := len(v); n > 0 && strings.ContainsRune("kmgtpe", rune(v[n-1])) {
		v += "i"
	}
	if strings.HasSuffix(v, "i") {
		v += "b"
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSize, s, err)
	}
	return n, nil
}
