// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"time"

	"github.com/LeeDigitalWorks/zapup/pkg/debug"
	"github.com/LeeDigitalWorks/zapup/pkg/protocol"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// chunksTotal counts chunk requests by outcome: "ok", "complete" or an error code.
	chunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapup",
		Subsystem: "receiver",
		Name:      "chunks_total",
		Help:      "Total number of chunk requests handled",
	}, []string{"result"})

	bytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapup",
		Subsystem: "receiver",
		Name:      "bytes_total",
		Help:      "Total chunk payload bytes accepted",
	})

	chunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapup",
		Subsystem: "receiver",
		Name:      "chunk_duration_seconds",
		Help:      "Time spent handling one chunk, including any merge it triggers",
		Buckets:   prometheus.DefBuckets,
	})

	mergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapup",
		Subsystem: "receiver",
		Name:      "merges_total",
		Help:      "Total number of merges by outcome",
	}, []string{"result"})

	mergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapup",
		Subsystem: "receiver",
		Name:      "merge_duration_seconds",
		Help:      "Time spent assembling a file from its chunks",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	mergeRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapup",
		Subsystem: "receiver",
		Name:      "merge_retries_total",
		Help:      "Total number of retried merge steps",
	})

	sweptChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapup",
		Subsystem: "receiver",
		Name:      "swept_chunks_total",
		Help:      "Total number of abandoned temporary chunks deleted",
	})

	expiredManifestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapup",
		Subsystem: "receiver",
		Name:      "expired_manifests_total",
		Help:      "Total number of idle manifests expired by the sweeper",
	})
)

func init() {
	debug.Registry().MustRegister(
		chunksTotal,
		bytesTotal,
		chunkDuration,
		mergesTotal,
		mergeDuration,
		mergeRetriesTotal,
		sweptChunksTotal,
		expiredManifestsTotal,
	)
}

func observeChunk(meta protocol.ChunkMetadata, res Result, err error, took time.Duration) {
	chunkDuration.Observe(took.Seconds())
	switch {
	case err != nil:
		code := CodeOf(err)
		if code == "" {
			code = "internal"
		}
		chunksTotal.WithLabelValues(string(code)).Inc()
	case res.Complete:
		chunksTotal.WithLabelValues("complete").Inc()
		bytesTotal.Add(float64(meta.ChunkLength))
	default:
		chunksTotal.WithLabelValues("ok").Inc()
		bytesTotal.Add(float64(meta.ChunkLength))
	}
}
