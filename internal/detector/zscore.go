// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package detector

import (
	"math"
	"sync"

	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
)

// ZScoreDetector scores each point against a per-metric, per-device sliding
// window: z = |x - mean| / stddev, with the point's score taken as the max z
// across the four metrics. A point is anomalous when its score exceeds
// Threshold. New points are appended to the window before later points in
// the same batch are scored, so scoring is online within a batch, not a
// batch-wide snapshot. A window with fewer than 2 samples has no estimate of
// spread yet and always scores 0; once it does, stddev is floored at 1.0
// (see ring.meanStd) so a constant run of history cannot suppress a later
// genuine spike.
type ZScoreDetector struct {
	WindowSize int
	Threshold  float64

	mu      sync.Mutex
	windows map[string][4]*ring
}

// NewZScoreDetector builds a ZScoreDetector with the given per-metric window
// capacity and anomaly threshold.
func NewZScoreDetector(windowSize int, threshold float64) *ZScoreDetector {
	return &ZScoreDetector{
		WindowSize: windowSize,
		Threshold:  threshold,
		windows:    make(map[string][4]*ring),
	}
}

func (d *ZScoreDetector) windowsFor(deviceID string) [4]*ring {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[deviceID]
	if !ok {
		w = [4]*ring{
			newRing(d.WindowSize),
			newRing(d.WindowSize),
			newRing(d.WindowSize),
			newRing(d.WindowSize),
		}
		d.windows[deviceID] = w
	}
	return w
}

// ScoreBatch implements Detector.
func (d *ZScoreDetector) ScoreBatch(deviceID string, points []schema.Point) ([]schema.ScoreResult, schema.DetectorKind) {
	w := d.windowsFor(deviceID)
	results := make([]schema.ScoreResult, len(points))
	for i := range points {
		vec := points[i].Vector()
		var score float64
		for m := 0; m < 4; m++ {
			mean, std := w[m].meanStd()
			var z float64
			if std > 0 {
				z = math.Abs(vec[m]-mean) / std
			}
			if z > score {
				score = z
			}
		}
		for m := 0; m < 4; m++ {
			w[m].push(vec[m])
		}
		results[i] = schema.ScoreResult{
			PointIndex: i,
			Score:      score,
			IsAnomaly:  score > d.Threshold,
		}
	}
	return results, schema.DetectorZScore
}
