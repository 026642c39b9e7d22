// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package mqttedge

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotgrid/telemetry-pipeline/internal/detector"
	"github.com/iotgrid/telemetry-pipeline/internal/eventbus"
	"github.com/iotgrid/telemetry-pipeline/internal/pipeline"
	"github.com/iotgrid/telemetry-pipeline/internal/repository"
)

// fakeMessage is a minimal stand-in for mqtt.Message, sufficient to drive
// Bridge.onMessage without a live broker.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (f *fakeMessage) Duplicate() bool   { return false }
func (f *fakeMessage) Qos() byte         { return 0 }
func (f *fakeMessage) Retained() bool    { return false }
func (f *fakeMessage) Topic() string     { return f.topic }
func (f *fakeMessage) MessageID() uint16 { return 0 }
func (f *fakeMessage) Payload() []byte   { return f.payload }
func (f *fakeMessage) Ack()              {}

var connectOnce sync.Once

func newTestBridge(t *testing.T, batchSize int, flushEvery time.Duration) (*Bridge, *eventbus.Bus) {
	connectOnce.Do(func() {
		dbfile := filepath.Join(t.TempDir(), "mqttedge_test.db")
		repository.Connect("sqlite3", dbfile)
	})

	reg := detector.NewRegistry(detector.NewZScoreDetector(20, 3), "zscore")
	bus := eventbus.New(256)
	devices := repository.GetDeviceRepository()
	p := pipeline.New(devices, repository.GetPointRepository(), repository.GetAnomalyRepository(), reg, bus, true, time.Minute)
	return New(p, bus, devices, batchSize, flushEvery), bus
}

func TestDeviceIDFromTopic(t *testing.T) {
	assert.Equal(t, "dev-1", deviceIDFromTopic("sensors/dev-1/metrics"))
	assert.Equal(t, "", deviceIDFromTopic("sensors/dev-1"))
	assert.Equal(t, "", deviceIDFromTopic("other/dev-1/metrics"))
}

func TestBridgeOnMessage(t *testing.T) {
	t.Run("flushes once the size trigger is reached", func(t *testing.T) {
		b, bus := newTestBridge(t, 2, time.Hour)
		sub := bus.SubscribeFirehose()
		defer sub.Close()

		b.onMessage(nil, &fakeMessage{
			topic:   "sensors/mqtt-size-1/metrics",
			payload: []byte(`{"temperature_c":20.0,"vibration_g":0.1,"humidity_pct":40.0,"voltage_v":12.0}`),
		})
		b.onMessage(nil, &fakeMessage{
			topic:   "sensors/mqtt-size-1/metrics",
			payload: []byte(`{"temperature_c":21.0,"vibration_g":0.1,"humidity_pct":40.0,"voltage_v":12.0}`),
		})

		ev := <-sub.C
		assert.Equal(t, eventbus.EventMetricNew, ev.Kind)
		assert.Equal(t, "mqtt-size-1", ev.DeviceID)
	})

	t.Run("flushes on the time trigger even below batch size", func(t *testing.T) {
		b, bus := newTestBridge(t, 100, 20*time.Millisecond)
		sub := bus.SubscribeFirehose()
		defer sub.Close()

		b.onMessage(nil, &fakeMessage{
			topic:   "sensors/mqtt-time-1/metrics",
			payload: []byte(`{"temperature_c":20.0,"vibration_g":0.1,"humidity_pct":40.0,"voltage_v":12.0}`),
		})

		select {
		case ev := <-sub.C:
			assert.Equal(t, "mqtt-time-1", ev.DeviceID)
		case <-time.After(time.Second):
			t.Fatal("expected time-triggered flush to publish an event")
		}
	})

	t.Run("publishes device:update when location is present", func(t *testing.T) {
		b, bus := newTestBridge(t, 1, time.Hour)
		sub := bus.SubscribeFirehose()
		defer sub.Close()

		b.onMessage(nil, &fakeMessage{
			topic:   "sensors/mqtt-loc-1/metrics",
			payload: []byte(`{"temperature_c":20.0,"vibration_g":0.1,"humidity_pct":40.0,"voltage_v":12.0,"lat":37.3,"lng":-121.9}`),
		})

		var sawUpdate, sawMetric bool
		for i := 0; i < 2; i++ {
			ev := <-sub.C
			switch ev.Kind {
			case eventbus.EventDeviceUpdate:
				sawUpdate = true
				payload, ok := ev.Payload.(map[string]string)
				require.True(t, ok)
				assert.Equal(t, "lat:37.3,lng:-121.9", payload["location"])
			case eventbus.EventMetricNew:
				sawMetric = true
			}
		}
		assert.True(t, sawUpdate)
		assert.True(t, sawMetric)
	})

	t.Run("drops a malformed payload without panicking", func(t *testing.T) {
		b, _ := newTestBridge(t, 1, time.Hour)
		b.onMessage(nil, &fakeMessage{topic: "sensors/mqtt-bad-1/metrics", payload: []byte(`not json`)})
	})

	t.Run("drops a message on an unparseable topic", func(t *testing.T) {
		b, _ := newTestBridge(t, 1, time.Hour)
		b.onMessage(nil, &fakeMessage{topic: "garbage", payload: []byte(`{}`)})
	})

	t.Run("Stop flushes pending buffers", func(t *testing.T) {
		b, bus := newTestBridge(t, 100, time.Hour)
		sub := bus.SubscribeFirehose()
		defer sub.Close()

		b.onMessage(nil, &fakeMessage{
			topic:   "sensors/mqtt-stop-1/metrics",
			payload: []byte(`{"temperature_c":20.0,"vibration_g":0.1,"humidity_pct":40.0,"voltage_v":12.0}`),
		})
		b.Stop()

		ev := <-sub.C
		assert.Equal(t, "mqtt-stop-1", ev.DeviceID)
	})
}
