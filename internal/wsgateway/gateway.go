// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wsgateway is the Subscription Gateway: bidirectional websocket
// sessions through which a dashboard can subscribe to one or more devices,
// or the whole firehose, and receive events as they are published.
package wsgateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotgrid/telemetry-pipeline/internal/eventbus"
	"github.com/iotgrid/telemetry-pipeline/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway upgrades HTTP connections to websockets and wires each one to an
// event bus subscription.
type Gateway struct {
	Bus *eventbus.Bus
}

// New builds a Gateway bound to bus.
func New(bus *eventbus.Bus) *Gateway {
	return &Gateway{Bus: bus}
}

// ServeHTTP upgrades the connection and runs its session until the client
// disconnects, at which point the subscription is closed and its queue
// drained.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("wsgateway: upgrade failed: %s", err)
		return
	}

	sub := g.Bus.Subscribe()
	session := &session{conn: conn, bus: g.Bus, sub: sub}
	session.run()
}

// session pairs one websocket connection with one bus subscription. Reads
// and writes run on separate goroutines, as is required by gorilla/websocket
// (a single connection must not be written to concurrently from multiple
// goroutines).
type session struct {
	conn *websocket.Conn
	bus  *eventbus.Bus
	sub  *eventbus.Subscription
}

type command struct {
	Command  string `json:"command"`
	DeviceID string `json:"deviceId"`
}

func (s *session) run() {
	done := make(chan struct{})
	go s.writeLoop(done)
	s.readLoop()
	close(done)
	s.sub.Close()
	s.conn.Close()
	for {
		select {
		case <-s.sub.C:
		default:
			return
		}
	}
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleCommand(data)
	}
}

func (s *session) handleCommand(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Warnf("wsgateway: dropping malformed command: %s", err)
		return
	}

	switch {
	case cmd.Command == "subscribe:firehose":
		s.bus.AddFirehoseTopic(s.sub)
	case strings.HasPrefix(cmd.Command, "subscribe:device") && cmd.DeviceID != "":
		s.bus.AddDeviceTopic(s.sub, cmd.DeviceID)
	case strings.HasPrefix(cmd.Command, "unsubscribe:device") && cmd.DeviceID != "":
		s.bus.RemoveDeviceTopic(s.sub, cmd.DeviceID)
	default:
		log.Warnf("wsgateway: unknown command %q", cmd.Command)
	}
}

func (s *session) writeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
