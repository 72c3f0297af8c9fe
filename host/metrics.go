// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package host

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/chanrpc"
)

// Sub-channel outcomes
const (
	subChannelClaimed      = "claimed"       // paired with its request
	subChannelClaimTimeout = "claim_timeout" // the request gave up waiting for the connection
	subChannelUnclaimed    = "unclaimed"     // a connection no request asked for
)

type metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	sessions    prometheus.Gauge
	activeCalls prometheus.Gauge
	subChannels *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chanrpc_host_requests_total", Help: "Requests handled by result code"},
			[]string{"method", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "chanrpc_host_request_duration_seconds", Help: "Handler run time"},
			[]string{"method"},
		),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "chanrpc_host_sessions", Help: "Open sessions"},
		),
		activeCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "chanrpc_host_active_calls", Help: "Requests being handled"},
		),
		subChannels: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "chanrpc_host_subchannels_total", Help: "Stream sub-channels by outcome"},
			[]string{"result"},
		),
	}
	if reg != nil {
		m.requests = register(reg, m.requests)
		m.duration = register(reg, m.duration)
		m.sessions = register(reg, m.sessions)
		m.activeCalls = register(reg, m.activeCalls)
		m.subChannels = register(reg, m.subChannels)
	}
	return m
}

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

func (m *metrics) handled(method string, code codes.Code, d time.Duration) {
	m.requests.WithLabelValues(method, chanrpc.CodeName(code)).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}
