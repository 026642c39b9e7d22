// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the process configuration from environment variables,
// per the external interfaces table: the pipeline treats generic
// configuration-file loading as an out-of-scope external concern and is
// driven entirely by env vars (optionally populated from a `.env` file by
// pkg/runtimeEnv before Init is called).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine selects which Detector Registry implementation scores points.
type Engine string

const (
	EngineZScore          Engine = "zscore"
	EngineMedianDeviation Engine = "median-deviation"
	EngineExternal        Engine = "external"
)

// Config holds every environment-driven tunable of the service.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// DBDriver/DB select the persistence backend ("sqlite3" or "mysql")
	// and its DSN.
	DBDriver string
	DB       string

	// AnomalyEngine selects the detector used for newly ingested points.
	AnomalyEngine      Engine
	AnomalyWindowSize  int
	ThresholdPercentile float64
	ZScoreThreshold    float64

	AllowAutoDevice bool

	MQTTEnable    bool
	MQTTBrokerURL string
	MQTTBatchSize int

	ExternalMLEnable  bool
	ExternalMLURL     string
	ExternalMLTimeout time.Duration

	IngestAPIKey string

	IngestRateLimitPerMinute int

	NATSAddress string

	User, Group string
}

// Defaults mirror the literal defaults named in the external interfaces
// table.
func Defaults() Config {
	return Config{
		Addr:                     ":8080",
		DBDriver:                 "sqlite3",
		DB:                       "./var/telemetry.db",
		AnomalyEngine:            EngineMedianDeviation,
		AnomalyWindowSize:        0, // resolved per-engine in Init if left at zero
		ThresholdPercentile:      95,
		ZScoreThreshold:          3.0,
		AllowAutoDevice:          true,
		MQTTEnable:               false,
		MQTTBrokerURL:            "tcp://localhost:1883",
		MQTTBatchSize:            64,
		ExternalMLEnable:         false,
		ExternalMLURL:            "",
		ExternalMLTimeout:        5 * time.Second,
		IngestAPIKey:             "",
		IngestRateLimitPerMinute: 20,
		NATSAddress:              "",
		User:                     "",
		Group:                    "",
	}
}

// Init reads environment variables over the defaults. It never fails: unset
// or malformed numeric/bool variables fall back silently to the default,
// matching the spec's posture that configuration loading is an external
// concern this pipeline merely consumes.
func Init() Config {
	c := Defaults()

	if v := os.Getenv("ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		c.DBDriver = v
	}
	if v := os.Getenv("DB"); v != "" {
		c.DB = v
	}
	if v := os.Getenv("ANOMALY_ENGINE"); v != "" {
		switch Engine(strings.ToLower(v)) {
		case EngineZScore, EngineMedianDeviation, EngineExternal:
			c.AnomalyEngine = Engine(strings.ToLower(v))
		}
	}
	if n, ok := getInt("ANOMALY_WINDOW_SIZE"); ok {
		c.AnomalyWindowSize = n
	}
	if c.AnomalyWindowSize <= 0 {
		if c.AnomalyEngine == EngineZScore {
			c.AnomalyWindowSize = 200
		} else {
			c.AnomalyWindowSize = 512
		}
	}
	if f, ok := getFloat("ANOMALY_THRESHOLD_PERCENTILE"); ok {
		c.ThresholdPercentile = f
	}
	if f, ok := getFloat("ZSCORE_THRESHOLD"); ok {
		c.ZScoreThreshold = f
	}
	if b, ok := getBool("ALLOW_AUTO_DEVICE"); ok {
		c.AllowAutoDevice = b
	}
	if b, ok := getBool("MQTT_ENABLE"); ok {
		c.MQTTEnable = b
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		c.MQTTBrokerURL = v
	}
	if n, ok := getInt("MQTT_BATCH_SIZE"); ok {
		c.MQTTBatchSize = n
	}
	if b, ok := getBool("EXTERNAL_ML_ENABLE"); ok {
		c.ExternalMLEnable = b
	}
	if v := os.Getenv("EXTERNAL_ML_URL"); v != "" {
		c.ExternalMLURL = v
	}
	if n, ok := getInt("EXTERNAL_ML_TIMEOUT_MS"); ok {
		c.ExternalMLTimeout = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("INGEST_API_KEY"); v != "" {
		c.IngestAPIKey = v
	}
	if n, ok := getInt("INGEST_RATE_LIMIT_PER_MINUTE"); ok {
		c.IngestRateLimitPerMinute = n
	}
	if v := os.Getenv("NATS_ADDRESS"); v != "" {
		c.NATSAddress = v
	}
	if v := os.Getenv("RUN_AS_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("RUN_AS_GROUP"); v != "" {
		c.Group = v
	}

	return c
}

func getInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func getBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
