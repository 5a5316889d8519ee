// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package telemetry holds the agent's internal prometheus metrics. Metrics
// describe the agent itself, never meter data; meter data goes to the
// time-series store.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// CycleRuns counts completed monitor cycles per meter and outcome.
	CycleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterview",
			Name:      "cycle_runs_total",
			Help:      "Monitor cycles run, by meter and outcome.",
		},
		[]string{"meter", "outcome"},
	)

	// CycleErrors counts cycle failures by meter and error kind.
	CycleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterview",
			Name:      "cycle_errors_total",
			Help:      "Monitor cycle failures, by meter and error kind.",
		},
		[]string{"meter", "kind"},
	)

	// ProviderCalls counts vision provider invocations.
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterview",
			Name:      "provider_calls_total",
			Help:      "Vision provider calls, by provider, model and outcome.",
		},
		[]string{"provider", "model", "outcome"},
	)

	// ProviderTokens counts tokens reported by vision providers.
	ProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterview",
			Name:      "provider_tokens_total",
			Help:      "Tokens consumed by vision providers, by provider, model and direction.",
		},
		[]string{"provider", "model", "direction"},
	)

	// TimeseriesWriteFailures counts failed primary store writes.
	TimeseriesWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterview",
			Name:      "timeseries_write_failures_total",
			Help:      "Primary time-series write failures, by meter.",
		},
		[]string{"meter"},
	)

	// TimeseriesReplays counts points replayed from the retry queue.
	TimeseriesReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterview",
			Name:      "timeseries_replays_total",
			Help:      "Points replayed from the retry queue, by meter.",
		},
		[]string{"meter"},
	)

	// SnapshotsPruned counts snapshots removed by retention.
	SnapshotsPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterview",
			Name:      "snapshots_pruned_total",
			Help:      "Snapshots removed by retention, by meter.",
		},
		[]string{"meter"},
	)
)

func init() {
	registry.MustRegister(
		CycleRuns,
		CycleErrors,
		ProviderCalls,
		ProviderTokens,
		TimeseriesWriteFailures,
		TimeseriesReplays,
		SnapshotsPruned,
	)
}

// Handler returns the HTTP handler serving the agent metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
