// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package detector implements the Detector Registry: per-device sliding
// windows and scorers, exposed through a single scoreBatch capability with
// three interchangeable variants (z-score, median-deviation, external).
// Operations on distinct devices are independent; operations on the same
// device are serialised by the caller (the ingestion pipeline's per-device
// worker), so the detectors themselves only need to guard first-touch
// insertion into their per-device state maps, never the state itself.
package detector

import "github.com/iotgrid/telemetry-pipeline/pkg/schema"

// Detector is a function from an ordered batch of points belonging to one
// device to an equally ordered batch of scores and anomaly flags, plus the
// detector kind that actually produced them (which may differ from the
// configured kind, e.g. when the external detector falls back to z-score).
type Detector interface {
	ScoreBatch(deviceID string, points []schema.Point) ([]schema.ScoreResult, schema.DetectorKind)
}

// Registry owns the single active Detector for this process and exposes it
// under the name the rest of the pipeline depends on.
type Registry struct {
	active Detector
	kind   schema.DetectorKind
}

// NewRegistry wraps a concrete Detector as the process-wide Detector Registry.
func NewRegistry(d Detector, kind schema.DetectorKind) *Registry {
	return &Registry{active: d, kind: kind}
}

// Kind returns the configured (not necessarily actually-used) detector kind.
func (r *Registry) Kind() schema.DetectorKind {
	return r.kind
}

// ScoreBatch delegates to the active detector.
func (r *Registry) ScoreBatch(deviceID string, points []schema.Point) ([]schema.ScoreResult, schema.DetectorKind) {
	return r.active.ScoreBatch(deviceID, points)
}
