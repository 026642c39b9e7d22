// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import (
	"math"
	"time"
)

// Point is one multidimensional measurement from one device at one instant.
// Immutable after insert. The four scalar measurements are the only metrics
// this pipeline understands; detectors and storage are both keyed on this
// fixed layout.
type Point struct {
	ID           int64     `json:"id,omitempty" db:"id"`
	DeviceID     string    `json:"deviceId" db:"device_id"`
	ArrivalSeq   int64     `json:"-" db:"arrival_seq"`
	Timestamp    time.Time `json:"ts" db:"ts"`
	TemperatureC Float     `json:"temperature_c" db:"temperature_c"`
	VibrationG   Float     `json:"vibration_g" db:"vibration_g"`
	HumidityPct  Float     `json:"humidity_pct" db:"humidity_pct"`
	VoltageV     Float     `json:"voltage_v" db:"voltage_v"`
}

// Vector returns the four metrics in the canonical detector order:
// temperature, vibration, humidity, voltage.
func (p *Point) Vector() [4]float64 {
	return [4]float64{
		float64(p.TemperatureC),
		float64(p.VibrationG),
		float64(p.HumidityPct),
		float64(p.VoltageV),
	}
}

// MetricNames are the fixed per-point metric names in vector order.
var MetricNames = [4]string{"temperature_c", "vibration_g", "humidity_pct", "voltage_v"}

// HasInvalidMeasurement reports whether any of the four metrics is NaN or Inf,
// which the pipeline rejects with InvalidPoint.
func (p *Point) HasInvalidMeasurement() bool {
	for _, v := range p.Vector() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
