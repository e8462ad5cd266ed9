// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics exposes relay-side observability counters and gauges
// over github.com/prometheus/client_golang: package-level
// prometheus.Collector vars registered once, served via
// promhttp.Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JoinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caesar_relay_joins_total",
			Help: "Number of join control messages accepted, by role and status",
		},
		[]string{"role", "status"},
	)

	JoinsRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caesar_relay_joins_rate_limited_total",
			Help: "Number of join attempts rejected by the ratelimit package",
		},
	)

	RoomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "caesar_relay_rooms_active",
			Help: "Number of rooms currently tracked by the registry",
		},
	)

	RoomsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caesar_relay_rooms_closed_total",
			Help: "Number of rooms torn down, by reason",
		},
		[]string{"reason"},
	)

	FramesForwardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caesar_relay_frames_forwarded_total",
			Help: "Number of opaque frames forwarded between paired peers",
		},
	)

	FramesForwardedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caesar_relay_frames_forwarded_bytes_total",
			Help: "Total size in bytes of opaque frames forwarded between paired peers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JoinsTotal,
		JoinsRateLimited,
		RoomsActive,
		RoomsClosedTotal,
		FramesForwardedTotal,
		FramesForwardedBytes,
	)
}

// Handler returns the HTTP handler to mount at the relay's metrics
// address (config.Config.MetricsAddr).
func Handler() http.Handler {
	return promhttp.Handler()
}
