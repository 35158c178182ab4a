// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"path/filepath"
	"sort"
)

// Registry maps session names to their config. It is built once at startup
// and is read-only afterwards, so lookups need no locking.
type Registry struct {
	sessions map[string]Config
}

func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{sessions: make(map[string]Config, len(configs))}
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.sessions[c.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, c.Name)
		}
		c = c.clone()
		c.AllowedExtensions = NormalizeExtensions(c.AllowedExtensions)
		c.UploadPath = filepath.Clean(c.UploadPath)
		r.sessions[c.Name] = c
	}
	return r, nil
}

// Get returns a copy of the named session config.
func (r *Registry) Get(name string) (Config, bool) {
	c, ok := r.sessions[name]
	if !ok {
		return Config{}, false
	}
	return c.clone(), true
}

// Names returns the configured session names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UploadPaths returns every distinct upload directory.
func (r *Registry) UploadPaths() []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, name := range r.Names() {
		p := r.sessions[name].UploadPath
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	return paths
}
