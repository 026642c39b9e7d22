// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pipeline

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotgrid/telemetry-pipeline/internal/detector"
	"github.com/iotgrid/telemetry-pipeline/internal/eventbus"
	"github.com/iotgrid/telemetry-pipeline/internal/repository"
	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
)

var connectOnce sync.Once

func newTestPipeline(t *testing.T, allowAuto bool) (*Pipeline, *eventbus.Bus) {
	connectOnce.Do(func() {
		dbfile := filepath.Join(t.TempDir(), "pipeline_test.db")
		repository.Connect("sqlite3", dbfile)
	})

	reg := detector.NewRegistry(detector.NewZScoreDetector(20, 3), schema.DetectorZScore)
	bus := eventbus.New(256)
	p := New(repository.GetDeviceRepository(), repository.GetPointRepository(), repository.GetAnomalyRepository(), reg, bus, allowAuto, time.Minute)
	return p, bus
}

func point(temp float64) schema.Point {
	return schema.Point{
		TemperatureC: schema.Float(temp),
		VibrationG:   schema.Float(0.1),
		HumidityPct:  schema.Float(40),
		VoltageV:     schema.Float(12),
	}
}

func TestPipelineIngestHTTPBatch(t *testing.T) {
	t.Run("auto-provisions the device and reports counts", func(t *testing.T) {
		p, bus := newTestPipeline(t, true)
		sub := bus.SubscribeFirehose()
		defer sub.Close()

		deviceID := "http-auto-1"
		points := make([]schema.Point, 0, 21)
		for i := 0; i < 20; i++ {
			points = append(points, point(20.0))
		}
		points = append(points, point(500.0))

		inserted, anomalies, err := p.IngestHTTPBatch(deviceID, points)
		require.NoError(t, err)
		assert.Equal(t, 21, inserted)
		assert.Equal(t, 1, anomalies)

		exists, err := p.Devices.Exists(deviceID)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("rejects unknown device when auto-provisioning is disabled", func(t *testing.T) {
		p, _ := newTestPipeline(t, false)
		_, _, err := p.IngestHTTPBatch("http-unknown-1", []schema.Point{point(20.0)})
		assert.ErrorIs(t, err, ErrUnknownDevice)
	})

	t.Run("rejects a batch containing a NaN measurement", func(t *testing.T) {
		p, _ := newTestPipeline(t, true)
		bad := point(20.0)
		bad.TemperatureC = schema.NaN
		_, _, err := p.IngestHTTPBatch("http-invalid-1", []schema.Point{bad})
		assert.ErrorIs(t, err, ErrInvalidPoint)
	})

	t.Run("anomaly event carries the persisted anomaly id", func(t *testing.T) {
		p, bus := newTestPipeline(t, true)
		sub := bus.SubscribeFirehose()
		defer sub.Close()

		deviceID := "http-anomaly-id-1"
		points := make([]schema.Point, 0, 16)
		for i := 0; i < 15; i++ {
			points = append(points, point(20.0))
		}
		points = append(points, point(900.0))

		_, anomalies, err := p.IngestHTTPBatch(deviceID, points)
		require.NoError(t, err)
		require.Equal(t, 1, anomalies)

		var sawAnomaly bool
		for i := 0; i < 17; i++ {
			ev := <-sub.C
			if ev.Kind == eventbus.EventAnomalyNew {
				a, ok := ev.Payload.(schema.Anomaly)
				require.True(t, ok)
				assert.NotZero(t, a.ID)
				sawAnomaly = true
			}
		}
		assert.True(t, sawAnomaly)
	})

	t.Run("two devices process independently and do not share window state", func(t *testing.T) {
		p, _ := newTestPipeline(t, true)

		var wg sync.WaitGroup
		results := make([]int, 2)
		devices := []string{"http-indep-a", "http-indep-b"}
		for i, d := range devices {
			wg.Add(1)
			go func(i int, deviceID string) {
				defer wg.Done()
				points := make([]schema.Point, 0, 20)
				for j := 0; j < 20; j++ {
					points = append(points, point(20.0+float64(i)))
				}
				_, anomalies, err := p.IngestHTTPBatch(deviceID, points)
				assert.NoError(t, err)
				results[i] = anomalies
			}(i, d)
		}
		wg.Wait()
		assert.Equal(t, 0, results[0])
		assert.Equal(t, 0, results[1])
	})
}

func TestPipelineIngestMQTTBatch(t *testing.T) {
	t.Run("never blocks the caller and still persists", func(t *testing.T) {
		p, bus := newTestPipeline(t, true)
		sub := bus.SubscribeFirehose()
		defer sub.Close()

		deviceID := "mqtt-1"
		p.IngestMQTTBatch(deviceID, []schema.Point{point(20.0)})

		ev := <-sub.C
		assert.Equal(t, eventbus.EventMetricNew, ev.Kind)
		assert.Equal(t, deviceID, ev.DeviceID)
	})

	t.Run("drops a point with invalid measurement without error", func(t *testing.T) {
		p, _ := newTestPipeline(t, true)
		bad := point(20.0)
		bad.TemperatureC = schema.NaN
		p.IngestMQTTBatch("mqtt-invalid-1", []schema.Point{bad})
	})
}
