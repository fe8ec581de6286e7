// Package metrics exposes Prometheus instrumentation for the orchestrator.
//
// The Sink is a plain event-bus subscriber: it counts lifecycle and
// acquisition events without the publishing components knowing it exists.
// Gauges for current state (running servers, registered capabilities) are
// computed at scrape time from the owning components' snapshots.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashby-io/ashby/internal/bus"
)

// Sink subscribes to the event bus and serves /metrics.
type Sink struct {
	registry *prometheus.Registry

	serverEvents *prometheus.CounterVec
	acquisitions *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a Sink with its own registry. countServers and countCapabilities
// are snapshot functions evaluated at scrape time.
func New(countServers func() float64, countCapabilities func() float64) *Sink {
	registry := prometheus.NewRegistry()

	s := &Sink{
		registry: registry,
		serverEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ashby_server_events_total",
			Help: "Lifecycle events emitted by the process supervisor.",
		}, []string{"event"}),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ashby_acquisitions_total",
			Help: "Capability acquisition jobs by outcome.",
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ashby_http_request_duration_seconds",
			Help:    "Control API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(
		s.serverEvents,
		s.acquisitions,
		s.httpDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ashby_servers_running",
			Help: "Child servers currently in the running state.",
		}, countServers),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ashby_capabilities_registered",
			Help: "Capabilities currently resolvable through the router.",
		}, countCapabilities),
	)
	return s
}

// Run consumes bus events until ctx is cancelled.
func (s *Sink) Run(ctx context.Context, events *bus.Bus) {
	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case bus.ServerStarted, bus.ServerStopped, bus.ServerFailed:
				s.serverEvents.WithLabelValues(string(ev.Type)).Inc()
			case bus.AcquisitionSucceeded:
				s.acquisitions.WithLabelValues("succeeded").Inc()
			case bus.AcquisitionFailed:
				s.acquisitions.WithLabelValues("failed").Inc()
			case bus.AcquisitionStarted:
				s.acquisitions.WithLabelValues("started").Inc()
			}
		case <-ctx.Done():
			return
		}
	}
}

// ObserveHTTP records one control-API request. Called by the API middleware.
func (s *Sink) ObserveHTTP(method, route, status string, seconds float64) {
	s.httpDuration.WithLabelValues(method, route, status).Observe(seconds)
}

// Handler serves the Prometheus exposition endpoint.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
