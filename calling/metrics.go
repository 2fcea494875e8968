/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects call counters. A nil *Metrics is valid and records
// nothing, so instrumentation stays optional.
type Metrics struct {
	callsStarted   prometheus.Counter
	callsConnected prometheus.Counter
	callFailures   *prometheus.CounterVec
	turnRefreshes  prometheus.Counter
	activeCalls    prometheus.Gauge
}

// NewMetrics creates the call metric set and registers it with reg when reg
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voip",
			Name:      "calls_started_total",
			Help:      "Calls placed or accepted locally.",
		}),
		callsConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voip",
			Name:      "calls_connected_total",
			Help:      "Calls that reached media-plane connectivity.",
		}),
		callFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voip",
			Name:      "call_failures_total",
			Help:      "Calls that failed, by reason.",
		}, []string{"reason"}),
		turnRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voip",
			Name:      "turn_refreshes_total",
			Help:      "TURN credential fetches from the homeserver.",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voip",
			Name:      "active_calls",
			Help:      "Calls currently in flight.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.callsStarted, m.callsConnected, m.callFailures, m.turnRefreshes, m.activeCalls)
	}
	return m
}

// CallStarted records a placed or accepted call.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.callsStarted.Inc()
	m.activeCalls.Inc()
}

// CallConnected records a call reaching connectivity.
func (m *Metrics) CallConnected() {
	if m == nil {
		return
	}
	m.callsConnected.Inc()
}

// CallFailed records a call failure under the given reason.
func (m *Metrics) CallFailed(reason string) {
	if m == nil {
		return
	}
	m.callFailures.WithLabelValues(reason).Inc()
}

// CallEndedNow records a call leaving flight.
func (m *Metrics) CallEndedNow() {
	if m == nil {
		return
	}
	m.activeCalls.Dec()
}

// TurnRefreshed records a TURN credential fetch.
func (m *Metrics) TurnRefreshed() {
	if m == nil {
		return
	}
	m.turnRefreshes.Inc()
}
