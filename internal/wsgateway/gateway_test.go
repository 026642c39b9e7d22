// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wsgateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/iotgrid/telemetry-pipeline/internal/eventbus"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGateway(t *testing.T) {
	t.Run("subscribing to a device delivers only that device's events", func(t *testing.T) {
		bus := eventbus.New(16)
		gw := New(bus)
		srv := httptest.NewServer(gw)
		defer srv.Close()

		conn := dial(t, srv)
		require.NoError(t, conn.WriteJSON(map[string]string{"command": "subscribe:device", "deviceId": "dev-1"}))
		time.Sleep(50 * time.Millisecond)

		bus.Publish(eventbus.Event{Kind: eventbus.EventMetricNew, DeviceID: "dev-2"})
		bus.Publish(eventbus.Event{Kind: eventbus.EventMetricNew, DeviceID: "dev-1"})

		var ev eventbus.Event
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, "dev-1", ev.DeviceID)
	})

	t.Run("subscribing to the firehose delivers every device's events", func(t *testing.T) {
		bus := eventbus.New(16)
		gw := New(bus)
		srv := httptest.NewServer(gw)
		defer srv.Close()

		conn := dial(t, srv)
		require.NoError(t, conn.WriteJSON(map[string]string{"command": "subscribe:firehose"}))
		time.Sleep(50 * time.Millisecond)

		bus.Publish(eventbus.Event{Kind: eventbus.EventMetricNew, DeviceID: "dev-a"})
		bus.Publish(eventbus.Event{Kind: eventbus.EventMetricNew, DeviceID: "dev-b"})

		var ev1, ev2 eventbus.Event
		require.NoError(t, conn.ReadJSON(&ev1))
		require.NoError(t, conn.ReadJSON(&ev2))
		require.Equal(t, "dev-a", ev1.DeviceID)
		require.Equal(t, "dev-b", ev2.DeviceID)
	})

	t.Run("disconnect closes the underlying subscription", func(t *testing.T) {
		bus := eventbus.New(16)
		gw := New(bus)
		srv := httptest.NewServer(gw)
		defer srv.Close()

		conn := dial(t, srv)
		require.NoError(t, conn.WriteJSON(map[string]string{"command": "subscribe:device", "deviceId": "dev-1"}))
		time.Sleep(50 * time.Millisecond)
		conn.Close()
		time.Sleep(50 * time.Millisecond)

		bus.Publish(eventbus.Event{Kind: eventbus.EventMetricNew, DeviceID: "dev-1"})
	})
}
