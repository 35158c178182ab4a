// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/zapup/pkg/session"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	// invalidNameChars are rejected anywhere in a client supplied file name.
	invalidNameChars = "\x00/\\:*<>?"

	// maxNameAttempts bounds the collision loop when overwrite is off.
	maxNameAttempts = 1000
)

// ValidFileName reports whether name is safe to use as a single path
// element.
func ValidFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, invalidNameChars)
}

// baseName returns the final file name before collision handling. A rename
// template replaces the stem and keeps the original extension.
func (r *Receiver) baseName(cfg session.Config, fileName string) string {
	if cfg.RenameTemplate == "" {
		return fileName
	}
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)
	name := strings.NewReplacer(
		"{name}", stem,
		"{session}", cfg.Name,
		"{uuid}", uuid.NewString(),
		"{timestamp}", strconv.FormatInt(r.now().Unix(), 10),
	).Replace(cfg.RenameTemplate)
	name = strings.Map(func(c rune) rune {
		if strings.ContainsRune(invalidNameChars, c) {
			return '_'
		}
		return c
	}, name)
	return name + ext
}

// createFinal opens the destination for a completed file. With overwrite on
// an existing file is truncated. With overwrite off the name gets a
// "_<random><count>" suffix until an exclusive create succeeds.
func (r *Receiver) createFinal(cfg session.Config, fileName string) (afero.File, string, error) {
	name := r.baseName(cfg, fileName)
	path := filepath.Join(cfg.UploadPath, name)

	if cfg.Overwrite {
		f, err := r.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, "", err
		}
		return f, path, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for count := 0; count < maxNameAttempts; count++ {
		if count > 0 {
			path = filepath.Join(cfg.UploadPath, fmt.Sprintf("%s_%d%d%s", stem, r.randSuffix(), count, ext))
		}
		f, err := r.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free name for %s after %d attempts", name, maxNameAttempts)
}
