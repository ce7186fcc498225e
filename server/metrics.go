// File: server/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import "github.com/prometheus/client_golang/prometheus"

// metrics carries the server's collectors. All fields are always
// non-nil; registration with an external registry is optional.
type metrics struct {
	sessionsActive     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	framesIn           prometheus.Counter
	framesOut          prometheus.Counter
	watchersActive     prometheus.Gauge
	eventsSent         prometheus.Counter
	handlesTransferred prometheus.Counter
	protocolErrors     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mwrs", Subsystem: "server",
			Name: "sessions_active", Help: "Currently connected sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mwrs", Subsystem: "server",
			Name: "sessions_total", Help: "Sessions accepted since start.",
		}),
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mwrs", Subsystem: "server",
			Name: "frames_received_total", Help: "Request frames received.",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mwrs", Subsystem: "server",
			Name: "frames_sent_total", Help: "Response and event frames enqueued.",
		}),
		watchersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mwrs", Subsystem: "server",
			Name: "watchers_active", Help: "Live watcher subscriptions.",
		}),
		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mwrs", Subsystem: "server",
			Name: "events_sent_total", Help: "Watcher events enqueued.",
		}),
		handlesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mwrs", Subsystem: "server",
			Name: "handles_transferred_total", Help: "OS handles duplicated into clients.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mwrs", Subsystem: "server",
			Name: "protocol_errors_total", Help: "Sessions torn down for protocol violations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sessionsActive, m.sessionsTotal, m.framesIn, m.framesOut,
			m.watchersActive, m.eventsSent, m.handlesTransferred, m.protocolErrors,
		)
	}
	return m
}
