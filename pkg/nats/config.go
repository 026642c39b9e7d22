// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package nats

// NatsConfig holds the configuration for connecting to a NATS server.
type NatsConfig struct {
	Address       string // NATS server address (e.g., "nats://localhost:4222")
	Username      string // Username for authentication (optional)
	Password      string // Password for authentication (optional)
	CredsFilePath string // Path to credentials file (optional)
}

// Keys holds the global NATS configuration, populated by Init.
var Keys NatsConfig

// Init sets the global NATS configuration. Passing an empty Address disables
// mirroring; Connect becomes a silent no-op in that case.
func Init(cfg NatsConfig) {
	Keys = cfg
}
