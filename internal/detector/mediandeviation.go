// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package detector

import (
	"sync"

	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
)

// MedianDeviationDetector scores each point against a per-device multivariate
// window using a robust, median-based distance: for each of the four
// metrics, the window's median and median absolute deviation (MAD, floored
// at 1.0) give a per-feature normalized deviation; a point's distance d is
// the mean of those four normalized deviations. The anomaly threshold is the
// Pth percentile of d computed over the window (see DESIGN.md for the
// percentile convention); only newly appended points are reported as
// anomalous, never points already scored in an earlier call.
type MedianDeviationDetector struct {
	WindowSize int
	Percentile float64

	mu      sync.Mutex
	windows map[string]*vectorWindow
}

// NewMedianDeviationDetector builds a MedianDeviationDetector with the given
// window capacity and threshold percentile (0-100).
func NewMedianDeviationDetector(windowSize int, percentile float64) *MedianDeviationDetector {
	return &MedianDeviationDetector{
		WindowSize: windowSize,
		Percentile: percentile,
		windows:    make(map[string]*vectorWindow),
	}
}

func (d *MedianDeviationDetector) windowFor(deviceID string) *vectorWindow {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[deviceID]
	if !ok {
		w = newVectorWindow(d.WindowSize)
		d.windows[deviceID] = w
	}
	return w
}

// ScoreBatch implements Detector. A window with fewer than 2 points cannot
// support a median/MAD estimate, so points scored while the window is that
// sparse get score 0 and are never flagged.
func (d *MedianDeviationDetector) ScoreBatch(deviceID string, points []schema.Point) ([]schema.ScoreResult, schema.DetectorKind) {
	w := d.windowFor(deviceID)
	results := make([]schema.ScoreResult, len(points))
	for i := range points {
		vec := points[i].Vector()
		w.push(vec)

		if w.len() < 2 {
			results[i] = schema.ScoreResult{PointIndex: i, Score: 0, IsAnomaly: false}
			continue
		}

		med, mad := w.medianAndMAD()
		dist := distanceAll(w, med, mad)

		newDist := dist[len(dist)-1]
		threshold := percentile(dist, d.Percentile)

		results[i] = schema.ScoreResult{
			PointIndex: i,
			Score:      newDist,
			IsAnomaly:  newDist > threshold,
		}
	}
	return results, schema.DetectorMedianDeviation
}

// distanceAll computes the normalized per-point distance d for every vector
// currently in the window, given its median/MAD.
func distanceAll(w *vectorWindow, med, mad [4]float64) []float64 {
	out := make([]float64, w.len())
	for i, v := range w.buf {
		var sum float64
		for f := 0; f < 4; f++ {
			d := v[f] - med[f]
			if d < 0 {
				d = -d
			}
			sum += d / mad[f]
		}
		out[i] = sum / 4
	}
	return out
}
