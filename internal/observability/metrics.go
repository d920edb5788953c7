package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rembraille",
			Subsystem: "wire",
			Name:      "frames_sent_total",
			Help:      "Frames written to the wire.",
		},
		[]string{"role", "type"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rembraille",
			Subsystem: "wire",
			Name:      "frames_received_total",
			Help:      "Frames decoded from the wire.",
		},
		[]string{"role", "type"},
	)
	sessionFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rembraille",
			Subsystem: "session",
			Name:      "faults_total",
			Help:      "Sessions lost to an I/O or protocol fault.",
		},
	)
	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rembraille",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnection attempts.",
		},
	)
	hostConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rembraille",
			Subsystem: "host",
			Name:      "connections_total",
			Help:      "Client connections accepted by the host server.",
		},
	)
	hostActiveClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rembraille",
			Subsystem: "host",
			Name:      "active_clients",
			Help:      "Currently connected clients.",
		},
	)
	hostCellsDisplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rembraille",
			Subsystem: "host",
			Name:      "cells_displayed_total",
			Help:      "Braille cells delivered to the display sink.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rembraille",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rembraille",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesSent, framesReceived,
			sessionFaults, reconnectAttempts,
			hostConnections, hostActiveClients, hostCellsDisplayed,
			httpRequests, httpDuration,
		)
	})
}

func RecordFrameSent(role, msgType string) {
	RegisterMetrics()
	framesSent.WithLabelValues(role, msgType).Inc()
}

func RecordFrameReceived(role, msgType string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(role, msgType).Inc()
}

func RecordSessionFault() {
	RegisterMetrics()
	sessionFaults.Inc()
}

func RecordReconnectAttempt() {
	RegisterMetrics()
	reconnectAttempts.Inc()
}

func RecordHostConnect() {
	RegisterMetrics()
	hostConnections.Inc()
	hostActiveClients.Inc()
}

func RecordHostDisconnect() {
	RegisterMetrics()
	hostActiveClients.Dec()
}

func RecordCellsDisplayed(n int) {
	RegisterMetrics()
	hostCellsDisplayed.Add(float64(n))
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}
