// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mqttedge is the MQTT Bridge Edge: it subscribes to the sensor
// telemetry wildcard topic, buffers each device's points until a size or
// time trigger fires, and hands the flushed batch to the ingestion
// pipeline. It never waits for point persistence: a flushed batch is queued
// to the pipeline's per-device worker. It does touch the store synchronously
// in two places: a location carried by a message is written before
// onMessage returns, and a flush resolves (and, if allowed, provisions) the
// device before queueing the batch.
package mqttedge

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/iotgrid/telemetry-pipeline/internal/eventbus"
	"github.com/iotgrid/telemetry-pipeline/internal/pipeline"
	"github.com/iotgrid/telemetry-pipeline/internal/repository"
	"github.com/iotgrid/telemetry-pipeline/pkg/log"
	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
)

const topicFilter = "sensors/+/metrics"

// payload is the wire shape of one MQTT telemetry message.
type payload struct {
	Timestamp    *time.Time  `json:"ts,omitempty"`
	TemperatureC schema.Float `json:"temperature_c"`
	VibrationG   schema.Float `json:"vibration_g"`
	HumidityPct  schema.Float `json:"humidity_pct"`
	VoltageV     schema.Float `json:"voltage_v"`
	Lat          *float64    `json:"lat,omitempty"`
	Lng          *float64    `json:"lng,omitempty"`
}

// Bridge owns one MQTT client subscription and a per-device flush buffer.
type Bridge struct {
	Pipeline  *pipeline.Pipeline
	Bus       *eventbus.Bus
	Devices   *repository.DeviceRepository
	BatchSize int
	FlushEvery time.Duration

	client mqtt.Client

	mu      sync.Mutex
	buffers map[string][]schema.Point
	timers  map[string]*time.Timer
}

// New builds a Bridge. It does not connect; call Start for that.
func New(p *pipeline.Pipeline, bus *eventbus.Bus, devices *repository.DeviceRepository, batchSize int, flushEvery time.Duration) *Bridge {
	if batchSize <= 0 {
		batchSize = 64
	}
	if flushEvery <= 0 {
		flushEvery = 500 * time.Millisecond
	}
	return &Bridge{
		Pipeline:   p,
		Bus:        bus,
		Devices:    devices,
		BatchSize:  batchSize,
		FlushEvery: flushEvery,
		buffers:    make(map[string][]schema.Point),
		timers:     make(map[string]*time.Timer),
	}
}

// Start connects to brokerURL and subscribes to the telemetry wildcard
// topic. Connection loss is resilient: the paho client is configured to
// retry indefinitely with a 5 second interval, and a broker that is down at
// startup is logged as a warning, never a fatal error.
func (b *Bridge) Start(brokerURL string) error {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("telemetry-pipeline-bridge").
		SetAutoReconnect(true).
		SetMaxReconnectInterval(5 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Infof("mqttedge: connected to %s", brokerURL)
			if tok := c.Subscribe(topicFilter, 0, b.onMessage); tok.Wait() && tok.Error() != nil {
				log.Errorf("mqttedge: subscribe to %s failed: %s", topicFilter, tok.Error())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("mqttedge: connection lost: %s", err)
		})

	b.client = mqtt.NewClient(opts)
	tok := b.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		log.Warnf("mqttedge: initial connect to %s failed, will keep retrying: %s", brokerURL, err)
	}
	return nil
}

// Stop flushes every pending per-device buffer and disconnects.
func (b *Bridge) Stop() {
	b.mu.Lock()
	for deviceID, points := range b.buffers {
		if len(points) > 0 {
			b.Pipeline.IngestMQTTBatch(deviceID, points)
		}
	}
	b.buffers = make(map[string][]schema.Point)
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[string]*time.Timer)
	b.mu.Unlock()

	if b.client != nil {
		b.client.Disconnect(250)
	}
}

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		log.Warnf("mqttedge: dropping message on unparseable topic %q", msg.Topic())
		return
	}

	var p payload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		log.Warnf("mqttedge: dropping malformed payload for device %q: %s", deviceID, err)
		return
	}

	point := schema.Point{
		DeviceID:     deviceID,
		TemperatureC: p.TemperatureC,
		VibrationG:   p.VibrationG,
		HumidityPct:  p.HumidityPct,
		VoltageV:     p.VoltageV,
	}
	if p.Timestamp != nil {
		point.Timestamp = *p.Timestamp
	}

	if p.Lat != nil && p.Lng != nil {
		if err := b.persistLocation(deviceID, *p.Lat, *p.Lng); err != nil {
			log.Warnf("mqttedge: failed to persist location for device %q: %s", deviceID, err)
		} else {
			b.Bus.Publish(eventbus.Event{
				Kind:     eventbus.EventDeviceUpdate,
				DeviceID: deviceID,
				Payload:  map[string]string{"location": schema.FormatLatLng(*p.Lat, *p.Lng)},
			})
		}
	}

	b.enqueue(deviceID, point)
}

// persistLocation writes a device's lat/lng, auto-provisioning the device
// first if this location message arrived before any telemetry point did
// (UpdateLocation alone would silently affect zero rows for a device that
// does not exist yet).
func (b *Bridge) persistLocation(deviceID string, lat, lng float64) error {
	exists, err := b.Devices.Exists(deviceID)
	if err != nil {
		return err
	}
	if !exists {
		if err := b.Devices.UpsertDevice(&schema.Device{ID: deviceID, Name: deviceID}); err != nil {
			return err
		}
	}
	return b.Devices.UpdateLocation(deviceID, lat, lng)
}

func (b *Bridge) enqueue(deviceID string, point schema.Point) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffers[deviceID] = append(b.buffers[deviceID], point)
	if len(b.buffers[deviceID]) >= b.BatchSize {
		b.flushLocked(deviceID)
		return
	}

	if _, scheduled := b.timers[deviceID]; !scheduled {
		b.timers[deviceID] = time.AfterFunc(b.FlushEvery, func() { b.flushTimer(deviceID) })
	}
}

func (b *Bridge) flushTimer(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(deviceID)
}

// flushLocked must be called with b.mu held.
func (b *Bridge) flushLocked(deviceID string) {
	points := b.buffers[deviceID]
	delete(b.buffers, deviceID)
	if t, ok := b.timers[deviceID]; ok {
		t.Stop()
		delete(b.timers, deviceID)
	}
	if len(points) == 0 {
		return
	}
	b.Pipeline.IngestMQTTBatch(deviceID, points)
}

func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[2] != "metrics" {
		return ""
	}
	return parts[1]
}
