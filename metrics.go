// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package duplex

import "github.com/prometheus/client_golang/prometheus"

var (
	decodeRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "decode_request_ops_total",
			Help:      "The total number of decode requests.",
		},
		[]string{"task", "strategy"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "decode_errors_total",
			Help:      "The total number of failed decode requests.",
		},
		[]string{"task", "kind"}, // configuration, shape, fusion, other
	)
	hypothesisCreationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "hypothesis_creation_ops_total",
			Help:      "The total number of hypotheses returned.",
		},
		[]string{"task", "strategy"},
	)

	fusionCandidates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "fusion_candidates_total",
			Help:      "Total number of candidates considered by forward-backward fusion.",
		},
	)
	fusionSplices = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "fusion_splices_total",
			Help:      "Total number of time-matched splices found.",
		},
	)
	fusionSplicedWins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "fusion_spliced_wins_total",
			Help:      "Total number of items whose fused hypothesis is a splice.",
		},
	)
	fusionSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "fusion_skipped_hypotheses_total",
			Help:      "Total number of end-marker-only hypotheses skipped by fusion.",
		},
	)

	decodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "decode_duration_seconds",
			Help:      "Time taken to encode and decode a batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"task", "strategy", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"}, // fusion
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "duplex",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"}, // fusion
	)
)

func init() {
	prometheus.MustRegister(decodeRequestOps)
	prometheus.MustRegister(decodeErrors)
	prometheus.MustRegister(hypothesisCreationOps)
	prometheus.MustRegister(fusionCandidates)
	prometheus.MustRegister(fusionSplices)
	prometheus.MustRegister(fusionSplicedWins)
	prometheus.MustRegister(fusionSkipped)
	prometheus.MustRegister(decodeDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordDecodeRequest increments the decode request counter
func RecordDecodeRequest(task, strategy string) {
	decodeRequestOps.WithLabelValues(task, strategy).Inc()
}

// RecordDecodeError increments the error counter for a failure kind
func RecordDecodeError(task, kind string) {
	decodeErrors.WithLabelValues(task, kind).Inc()
}

// RecordHypothesisCreation records the number of hypotheses returned
func RecordHypothesisCreation(task, strategy string, count int) {
	hypothesisCreationOps.WithLabelValues(task, strategy).Add(float64(count))
}

// RecordFusion records the candidate statistics of one fused batch
func RecordFusion(candidates, splices, splicedWins, skipped int) {
	fusionCandidates.Add(float64(candidates))
	fusionSplices.Add(float64(splices))
	fusionSplicedWins.Add(float64(splicedWins))
	fusionSkipped.Add(float64(skipped))
}

// RecordDecodeDuration records how long a decode call took
func RecordDecodeDuration(task, strategy, status string, seconds float64) {
	decodeDuration.WithLabelValues(task, strategy, status).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
