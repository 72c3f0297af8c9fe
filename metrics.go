// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chanrpc

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
)

type metrics struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	pending   prometheus.Gauge
	chunks    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		started: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chanrpc_client_calls_started_total", Help: "Calls issued over a channel transport"},
			[]string{"method", "kind"},
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chanrpc_client_calls_completed_total", Help: "Settled calls by result code"},
			[]string{"method", "code"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "chanrpc_client_pending_calls", Help: "Calls awaiting their first response"},
		),
		chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chanrpc_client_stream_chunks_total", Help: "Stream chunks received"},
			[]string{"method"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "chanrpc_client_call_duration_seconds", Help: "Time from send to settlement"},
			[]string{"method"},
		),
	}
	if reg != nil {
		m.started = register(reg, m.started)
		m.completed = register(reg, m.completed)
		m.pending = register(reg, m.pending)
		m.chunks = register(reg, m.chunks)
		m.duration = register(reg, m.duration)
	}
	return m
}

// register returns the already registered collector when one with the same
// description exists, so several transports can share a registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) recordStart(method, kind string) {
	m.started.WithLabelValues(method, kind).Inc()
	m.pending.Inc()
}

func (m *metrics) recordSettled(method string, code codes.Code, dur time.Duration) {
	m.pending.Dec()
	m.completed.WithLabelValues(method, CodeName(code)).Inc()
	m.duration.WithLabelValues(method).Observe(dur.Seconds())
}

func (m *metrics) recordChunk(method string) {
	m.chunks.WithLabelValues(method).Inc()
}
