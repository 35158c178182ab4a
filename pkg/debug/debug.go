// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readyStateNotReady = 0
	readyStateReady    = 1

	readyCheckTimeout = 500 * time.Millisecond
)

// ReadyCheck reports whether a dependency (manifest store, upload directory)
// is usable. A nil error means ready.
type ReadyCheck func(ctx context.Context) error

var (
	readyState atomic.Int64

	readyChecksMu sync.RWMutex
	readyChecks   = make(map[string]ReadyCheck)

	// Global registry for custom metrics
	globalRegistry = prometheus.NewRegistry()
)

func SetReady() {
	readyState.Store(readyStateReady)
}

func SetNotReady() {
	readyState.Store(readyStateNotReady)
}

// AddReadyCheck registers a named readiness check. Registering the same name
// twice replaces the earlier check.
func AddReadyCheck(name string, check ReadyCheck) {
	readyChecksMu.Lock()
	defer readyChecksMu.Unlock()
	readyChecks[name] = check
}

// Readiness runs every registered check and returns the failures by name.
func Readiness(ctx context.Context) (bool, map[string]string) {
	failures := make(map[string]string)
	if readyState.Load() != readyStateReady {
		failures["server"] = "not ready"
	}

	readyChecksMu.RLock()
	names := make([]string, 0, len(readyChecks))
	for name := range readyChecks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]ReadyCheck, len(names))
	for i, name := range names {
		checks[i] = readyChecks[name]
	}
	readyChecksMu.RUnlock()

	for i, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			failures[names[i]] = err.Error()
		}
	}
	return len(failures) == 0, failures
}

// Registry returns the Prometheus registry for registering custom metrics.
// Metrics registered here will be exported on /metrics alongside default metrics.
func Registry() prometheus.Registerer {
	return globalRegistry
}

// Gatherer exposes the custom registry, mostly for tests.
func Gatherer() prometheus.Gatherer {
	return globalRegistry
}

func GetMux() *http.ServeMux {
	mux := http.NewServeMux()

	gatherers := prometheus.Gatherers{
		prometheus.DefaultGatherer,
		globalRegistry,
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	mux.Handle("/debug/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/cmdline", http.HandlerFunc(pprof.Cmdline))
	mux.Handle("/debug/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/trace", http.HandlerFunc(pprof.Trace))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ok, failures := Readiness(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{"ready": ok, "failures": failures})
	})

	return mux
}
