// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package detector

import (
	"testing"
	"time"

	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func point(temp float64) schema.Point {
	return schema.Point{
		DeviceID:     "dev-1",
		Timestamp:    time.Now(),
		TemperatureC: schema.Float(temp),
		VibrationG:   schema.Float(0.1),
		HumidityPct:  schema.Float(40),
		VoltageV:     schema.Float(12),
	}
}

func TestZScoreDetector(t *testing.T) {
	t.Run("nominal points never exceed threshold", func(t *testing.T) {
		d := NewZScoreDetector(200, 3.0)
		var points []schema.Point
		for i := 0; i < 20; i++ {
			points = append(points, point(20.0))
		}

		results, kind := d.ScoreBatch("dev-1", points)

		assert.Equal(t, schema.DetectorZScore, kind)
		for _, r := range results {
			assert.False(t, r.IsAnomaly)
		}
	})

	t.Run("spike after stable window is flagged", func(t *testing.T) {
		d := NewZScoreDetector(200, 3.0)
		var points []schema.Point
		for i := 0; i < 15; i++ {
			points = append(points, point(20.0))
		}
		points = append(points, point(500.0))

		results, _ := d.ScoreBatch("dev-1", points)

		for i := 0; i < 15; i++ {
			assert.False(t, results[i].IsAnomaly, "nominal point %d should not be flagged", i)
		}
		assert.True(t, results[15].IsAnomaly)
	})

	t.Run("new point is appended before scoring later points in the same batch", func(t *testing.T) {
		d := NewZScoreDetector(200, 3.0)
		// A spike followed by nominal points: the spike is scored against the
		// 15 nominal points before it and flagged, and the nominal points
		// after it are scored against a window that already holds the spike.
		var points []schema.Point
		for i := 0; i < 15; i++ {
			points = append(points, point(20.0))
		}
		points = append(points, point(500.0))
		for i := 0; i < 5; i++ {
			points = append(points, point(20.0))
		}

		results, _ := d.ScoreBatch("dev-1", points)

		assert.True(t, results[15].IsAnomaly)
		assert.Equal(t, 21, len(results))
	})

	t.Run("a spike following a perfectly constant run is flagged (S1)", func(t *testing.T) {
		d := NewZScoreDetector(200, 3.0)
		var points []schema.Point
		for i := 0; i < 50; i++ {
			points = append(points, point(22.0))
		}
		points = append(points, point(40.0))

		results, _ := d.ScoreBatch("dev-1", points)

		anomalies := 0
		for _, r := range results {
			if r.IsAnomaly {
				anomalies++
			}
		}
		assert.Equal(t, 1, anomalies)
		assert.True(t, results[50].IsAnomaly)
	})

	t.Run("devices are scored independently", func(t *testing.T) {
		d := NewZScoreDetector(200, 3.0)
		var a, b []schema.Point
		for i := 0; i < 10; i++ {
			a = append(a, point(20.0))
		}
		for i := 0; i < 10; i++ {
			b = append(b, point(900.0))
		}

		resA, _ := d.ScoreBatch("dev-a", a)
		resB, _ := d.ScoreBatch("dev-b", b)

		for _, r := range resA {
			assert.False(t, r.IsAnomaly)
		}
		for _, r := range resB {
			assert.False(t, r.IsAnomaly)
		}
	})
}
