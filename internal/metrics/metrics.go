// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the pipeline's operational counters and gauges as
// Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PointsIngested counts points successfully persisted, labeled by the
	// edge that accepted them ("http" or "mqtt").
	PointsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_points_ingested_total",
		Help: "Total points persisted, by ingest edge.",
	}, []string{"edge"})

	// AnomaliesDetected counts anomalies flagged, labeled by the detector
	// that actually produced the score.
	AnomaliesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_anomalies_detected_total",
		Help: "Total anomalies flagged, by detector kind.",
	}, []string{"detector"})

	// MQTTBatchesDropped counts MQTT batches dropped after a persistence
	// failure.
	MQTTBatchesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_mqtt_batches_dropped_total",
		Help: "Total MQTT batches dropped after a store failure.",
	})

	// ExternalDetectorFallbacks counts times the external detector fell
	// back to z-score scoring.
	ExternalDetectorFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_external_detector_fallbacks_total",
		Help: "Total times the external detector fell back to z-score scoring.",
	})

	// EventBusOverflows counts events dropped due to a full subscriber
	// queue, summed across all subscribers.
	EventBusOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_eventbus_overflow_total",
		Help: "Total events dropped because a subscriber's queue was full.",
	})

	// ActiveDeviceWorkers reports how many per-device pipeline workers are
	// currently alive.
	ActiveDeviceWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_active_device_workers",
		Help: "Number of currently active per-device pipeline workers.",
	})
)

// Registry is the process-wide Prometheus registry. A dedicated registry
// (rather than the global DefaultRegisterer) keeps this package free of
// import-order surprises in tests that construct it multiple times.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		PointsIngested,
		AnomaliesDetected,
		MQTTBatchesDropped,
		ExternalDetectorFallbacks,
		EventBusOverflows,
	)
	Registry.MustRegister(ActiveDeviceWorkers)
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
