package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	connects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpnconnector",
			Subsystem: "connection",
			Name:      "connects_total",
			Help:      "Number of VPN client processes spawned.",
		}, []string{"backend"},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpnconnector",
			Subsystem: "connection",
			Name:      "disconnects_total",
			Help:      "Number of connections stopped on request.",
		}, []string{"backend"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpnconnector",
			Subsystem: "connection",
			Name:      "failures_total",
			Help:      "Number of connections torn down by the failure handler.",
		}, []string{"backend", "reason"},
	)
	spawnErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpnconnector",
			Subsystem: "connection",
			Name:      "spawn_errors_total",
			Help:      "Number of connect attempts that failed before the client was running.",
		}, []string{"backend"},
	)
	establishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vpnconnector",
			Subsystem: "connection",
			Name:      "establish_duration_seconds",
			Help:      "Time from spawn until the success marker was observed.",
			Buckets:   []float64{1, 2.5, 5, 10, 15, 30, 60, 120},
		}, []string{"backend"},
	)
	active = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vpnconnector",
			Subsystem: "connection",
			Name:      "active",
			Help:      "Currently supervised connections per backend.",
		}, []string{"backend"},
	)
	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpnconnector",
			Subsystem: "connection",
			Name:      "phase_transitions_total",
			Help:      "Number of in-memory phase transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{connects, disconnects, failures, spawnErrors, establishDuration, active, phaseTransitions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncConnect(backend string) {
	if regOK.Load() {
		connects.WithLabelValues(backend).Inc()
	}
}

func IncDisconnect(backend string) {
	if regOK.Load() {
		disconnects.WithLabelValues(backend).Inc()
	}
}

func IncFailure(backend, reason string) {
	if regOK.Load() {
		failures.WithLabelValues(backend, reason).Inc()
	}
}

func IncSpawnError(backend string) {
	if regOK.Load() {
		spawnErrors.WithLabelValues(backend).Inc()
	}
}

func ObserveEstablish(backend string, seconds float64) {
	if regOK.Load() {
		establishDuration.WithLabelValues(backend).Observe(seconds)
	}
}

func SetActive(backend string, n int) {
	if regOK.Load() {
		active.WithLabelValues(backend).Set(float64(n))
	}
}

func RecordPhaseTransition(from, to string) {
	if regOK.Load() && from != to {
		phaseTransitions.WithLabelValues(from, to).Inc()
	}
}
